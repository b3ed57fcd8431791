// Package fleet defines the records shared by the registry, the router and
// the reporting surfaces: nodes, model backends, probe results, snapshots and
// routing decisions.
package fleet

import (
	"net"
	"strings"
	"time"
)

// Role is the declared purpose of a machine in the fleet.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleWorker       Role = "worker"
	RoleInference    Role = "inference"
	RoleWorkstation  Role = "human-workstation"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOrchestrator, RoleWorker, RoleInference, RoleWorkstation:
		return true
	}
	return false
}

// GPUVendor identifies the GPU family reported for a node.
type GPUVendor string

const (
	VendorNVIDIA  GPUVendor = "NVIDIA"
	VendorAMD     GPUVendor = "AMD"
	VendorApple   GPUVendor = "Apple"
	VendorUnknown GPUVendor = "Unknown"

	// VendorDeclared marks a GPU whose VRAM the node declared in its
	// capability report without naming the vendor.
	VendorDeclared GPUVendor = "Declared"
)

// ParseGPUVendor maps free-form vendor strings ("nvidia", "Radeon",
// "Apple M2") to a GPUVendor. Anything unrecognised is VendorUnknown.
func ParseGPUVendor(s string) GPUVendor {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return VendorUnknown
	case strings.Contains(v, "nvidia"), strings.Contains(v, "geforce"), strings.Contains(v, "quadro"), strings.Contains(v, "tesla"):
		return VendorNVIDIA
	case v == "amd", strings.Contains(v, "radeon"), strings.Contains(v, "advanced micro devices"), strings.HasPrefix(v, "amd "), strings.Contains(v, "instinct"):
		return VendorAMD
	case strings.HasPrefix(v, "apple"):
		return VendorApple
	case v == "declared":
		return VendorDeclared
	}
	return VendorUnknown
}

// Health is the liveness state of a node as seen by the registry.
type Health string

const (
	HealthUnknown Health = "unknown"
	HealthUp      Health = "up"
	HealthDown    Health = "down"
)

// Capabilities describes what a node can do. The GPU fields are re-derived
// on every probe that produced a capability reading.
type Capabilities struct {
	CompileWorker bool      `json:"has_compile_worker" yaml:"compile_worker"`
	HasGPU        bool      `json:"has_gpu" yaml:"has_gpu"`
	VRAMGB        float64   `json:"vram_gb" yaml:"vram_gb"`
	GPUVendor     GPUVendor `json:"gpu_vendor" yaml:"gpu_vendor"`
	PrimaryModel  string    `json:"primary_model,omitempty" yaml:"primary_model"`
	SidecarModel  string    `json:"sidecar_model,omitempty" yaml:"sidecar_model"`
	FallbackModel string    `json:"fallback_model,omitempty" yaml:"fallback_model"`
	ServesLAN     bool      `json:"serves_lan,omitempty" yaml:"serves_lan"`
}

// UsableVRAM returns the VRAM that counts toward capacity. Integrated and
// unknown-vendor GPUs never count.
func (c Capabilities) UsableVRAM() float64 {
	if !c.HasGPU || c.GPUVendor == VendorUnknown || c.GPUVendor == "" || c.VRAMGB <= 0 {
		return 0
	}
	return c.VRAMGB
}

// Node source values.
const (
	SourceConfig     = "config"
	SourceDiscovered = "discovered"
)

// Node is a machine participating in the fleet.
type Node struct {
	Name                string       `json:"name"`
	Address             string       `json:"address"`
	Role                Role         `json:"role"`
	Priority            int          `json:"priority,omitempty"`
	LANServer           bool         `json:"lan_server,omitempty"`
	CapabilityURL       string       `json:"capability_url,omitempty"`
	Capabilities        Capabilities `json:"capabilities"`
	Health              Health       `json:"health"`
	LastSeen            time.Time    `json:"last_seen,omitempty"`
	LastProbe           time.Time    `json:"last_probe,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	Source              string       `json:"source,omitempty"`
}

// Up reports whether the node is currently healthy.
func (n Node) Up() bool { return n.Health == HealthUp }

// BackendKind classifies where an inference backend runs.
type BackendKind string

const (
	KindLocalGPU  BackendKind = "LocalGpu"
	KindLANServer BackendKind = "LanServer"
	KindRemoteAPI BackendKind = "RemoteApi"
)

// Valid reports whether k is a known backend kind.
func (k BackendKind) Valid() bool {
	switch k {
	case KindLocalGPU, KindLANServer, KindRemoteAPI:
		return true
	}
	return false
}

// CostTier tells whether using a backend costs money.
type CostTier string

const (
	CostFree    CostTier = "Free"
	CostMetered CostTier = "Metered"
)

// Valid reports whether c is a known cost tier.
func (c CostTier) Valid() bool { return c == CostFree || c == CostMetered }

// ModelBackend is a selectable inference target.
type ModelBackend struct {
	ID           string      `json:"id"`
	Kind         BackendKind `json:"kind"`
	Node         string      `json:"node,omitempty"`
	Model        string      `json:"model"`
	Tier         string      `json:"tier,omitempty"`
	VRAMGB       float64     `json:"vram_gb,omitempty"`
	TokensPerSec float64     `json:"tokens_per_sec,omitempty"`
	Cost         CostTier    `json:"cost"`
	Priority     int         `json:"priority,omitempty"`
	Available    bool        `json:"available"`
}

// Remote reports whether the backend is not bound to any node.
func (b ModelBackend) Remote() bool { return b.Node == "" }

// ProbeResult is what a single probe of a node produced. Capabilities is nil
// when the capability source gave no reading this time.
type ProbeResult struct {
	Node         string        `json:"node"`
	Liveness     Health        `json:"liveness"`
	Err          error         `json:"-"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	At           time.Time     `json:"at"`
	Duration     time.Duration `json:"duration"`
}

// OK reports whether the liveness check succeeded.
func (r ProbeResult) OK() bool { return r.Liveness == HealthUp }

// HostOf returns the host part of a node address, dropping any scheme,
// port and path.
func HostOf(address string) string {
	a := address
	if i := strings.Index(a, "://"); i >= 0 {
		a = a[i+3:]
	}
	if i := strings.IndexByte(a, '/'); i >= 0 {
		a = a[:i]
	}
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}
	return strings.Trim(a, "[]")
}
