// Package ctrl defines the messages exchanged on the node self-report
// WebSocket between fleetwatch-agent and the daemon.
package ctrl

import "github.com/gaspardpetit/fleetwatch/internal/probe"

// Message types.
const (
	TypeRegister         = "register"
	TypeRegistered       = "registered"
	TypeCapabilityUpdate = "capability_update"
	TypeHeartbeat        = "heartbeat"
	TypeError            = "error"
)

// Envelope is decoded first to find the message type.
type Envelope struct {
	Type string `json:"type"`
}

// RegisterMessage must be the first message an agent sends.
type RegisterMessage struct {
	Type      string       `json:"type"`
	ClientKey string       `json:"client_key,omitempty"`
	Node      string       `json:"node"`
	Address   string       `json:"address,omitempty"`
	Role      string       `json:"role,omitempty"`
	Priority  int          `json:"priority,omitempty"`
	Platform  string       `json:"platform,omitempty"`
	Report    probe.Report `json:"report"`
}

// RegisteredMessage acknowledges a registration.
type RegisteredMessage struct {
	Type   string `json:"type"`
	Node   string `json:"node"`
	Source string `json:"source"`
}

// CapabilityUpdateMessage carries a changed capability report.
type CapabilityUpdateMessage struct {
	Type   string       `json:"type"`
	Report probe.Report `json:"report"`
}

type HeartbeatMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// ErrorMessage is sent before the daemon closes a connection it rejects.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
