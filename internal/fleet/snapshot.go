package fleet

import "time"

// CycleStats summarises the probe cycle that produced a snapshot.
type CycleStats struct {
	Probed           int           `json:"probed"`
	Resolved         int           `json:"resolved"`
	Unresolved       int           `json:"unresolved"`
	DeadlineExceeded bool          `json:"deadline_exceeded"`
	Duration         time.Duration `json:"duration"`
}

// Snapshot is an immutable point-in-time view of the fleet. Once published
// it must not be modified; callers that need to change data copy it first.
type Snapshot struct {
	Seq         uint64         `json:"seq"`
	CycleID     string         `json:"cycle_id,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
	Nodes       []Node         `json:"nodes"`
	Backends    []ModelBackend `json:"backends"`
	Cycle       CycleStats     `json:"cycle"`
}

// Node returns the node with the given name.
func (s *Snapshot) Node(name string) (Node, bool) {
	if s == nil {
		return Node{}, false
	}
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// Age returns how long ago the snapshot was published.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil || s.PublishedAt.IsZero() {
		return 0
	}
	if d := now.Sub(s.PublishedAt); d > 0 {
		return d
	}
	return 0
}

// UpCount returns the number of nodes that are Up.
func (s *Snapshot) UpCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, node := range s.Nodes {
		if node.Up() {
			n++
		}
	}
	return n
}

// RoutingDecision is the ordered list of backends a requester should try.
type RoutingDecision struct {
	RequestingNode string         `json:"requesting_node"`
	Hint           string         `json:"hint,omitempty"`
	Backends       []ModelBackend `json:"backends"`
	SnapshotSeq    uint64         `json:"snapshot_seq"`
	FallbackOnly   bool           `json:"fallback_only"`
	Reason         string         `json:"reason,omitempty"`
}

// Primary is the first backend to try.
func (d RoutingDecision) Primary() ModelBackend {
	if len(d.Backends) == 0 {
		return ModelBackend{}
	}
	return d.Backends[0]
}

// Sidecar is the second choice, when one exists before the last resort.
func (d RoutingDecision) Sidecar() (ModelBackend, bool) {
	if len(d.Backends) < 3 {
		return ModelBackend{}, false
	}
	return d.Backends[1], true
}

// Fallback is the last resort, always a remote API backend.
func (d RoutingDecision) Fallback() ModelBackend {
	if len(d.Backends) == 0 {
		return ModelBackend{}
	}
	return d.Backends[len(d.Backends)-1]
}
