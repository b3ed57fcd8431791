// Package registry owns the node records of the fleet. Every mutation of a
// node goes through it.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
)

// DefaultFailureThreshold is the number of consecutive failed probes after
// which a node is marked Down.
const DefaultFailureThreshold = 3

// Transition records a health change caused by a probe result.
type Transition struct {
	Node string
	From fleet.Health
	To   fleet.Health
}

type Registry struct {
	mu        sync.RWMutex
	nodes     map[string]*fleet.Node
	capsAt    map[string]time.Time
	threshold int
	now       func() time.Time
}

// New returns an empty registry. A threshold below one uses the default.
func New(threshold int) *Registry {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &Registry{
		nodes:     make(map[string]*fleet.Node),
		capsAt:    make(map[string]time.Time),
		threshold: threshold,
		now:       time.Now,
	}
}

// Threshold returns the consecutive-failure threshold.
func (r *Registry) Threshold() int { return r.threshold }

// Register adds n if no node with that name exists. It reports whether the
// node was added.
func (r *Registry) Register(n fleet.Node) bool {
	if n.Name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.Name]; ok {
		return false
	}
	if n.Health == "" {
		n.Health = fleet.HealthUnknown
	}
	if n.Capabilities.GPUVendor == "" {
		n.Capabilities.GPUVendor = fleet.VendorUnknown
	}
	if n.Source == "" {
		n.Source = fleet.SourceConfig
	}
	r.nodes[n.Name] = &n
	logx.Log.Info().Str("node", n.Name).Str("source", n.Source).Msg("node registered")
	return true
}

// Upsert merges one probe result into the named node. Results for names
// that are not registered are ignored.
func (r *Registry) Upsert(name string, res fleet.ProbeResult) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(name, res)
}

// Apply merges a batch of results under a single lock so readers never see
// a partially applied cycle. Only actual health changes are returned.
func (r *Registry) Apply(results []fleet.ProbeResult) []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transition
	for _, res := range results {
		if t, ok := r.apply(res.Node, res); ok && t.From != t.To {
			out = append(out, t)
		}
	}
	return out
}

func (r *Registry) apply(name string, res fleet.ProbeResult) (Transition, bool) {
	n, ok := r.nodes[name]
	if !ok {
		return Transition{}, false
	}
	t := Transition{Node: name, From: n.Health}
	at := res.At
	if at.IsZero() {
		at = r.now()
	}
	n.LastProbe = at
	if res.OK() {
		n.Health = fleet.HealthUp
		n.ConsecutiveFailures = 0
		n.LastSeen = at
		n.LastError = ""
	} else {
		n.ConsecutiveFailures++
		if res.Err != nil {
			n.LastError = res.Err.Error()
		}
		if n.ConsecutiveFailures >= r.threshold {
			n.Health = fleet.HealthDown
		}
	}
	// A reading taken before the last self-report is older than it.
	if res.Capabilities != nil && !at.Before(r.capsAt[name]) {
		n.Capabilities = *res.Capabilities
	}
	t.To = n.Health
	if t.From != t.To {
		logx.Log.Info().Str("node", name).Str("from", string(t.From)).Str("health", string(t.To)).
			Int("failures", n.ConsecutiveFailures).Str("reason", n.LastError).Msg("node health changed")
	}
	return t, true
}

// Get returns a copy of the named node.
func (r *Registry) Get(name string) (fleet.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	if !ok {
		return fleet.Node{}, false
	}
	return *n, true
}

// Snapshot returns copies of all nodes sorted by name.
func (r *Registry) Snapshot() []fleet.Node {
	r.mu.RLock()
	out := make([]fleet.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered node names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.nodes))
	for k := range r.nodes {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int { r.mu.RLock(); defer r.mu.RUnlock(); return len(r.nodes) }

// Deregister removes a node. It reports whether the node existed.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	_, ok := r.nodes[name]
	delete(r.nodes, name)
	delete(r.capsAt, name)
	r.mu.Unlock()
	if ok {
		logx.Log.Info().Str("node", name).Msg("node deregistered")
	}
	return ok
}

// Restore warm-starts the registry from persisted nodes. Configured nodes
// take their last known state; discovered nodes are re-added. Static fields
// from the current configuration win over persisted ones.
func (r *Registry) Restore(nodes []fleet.Node) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, p := range nodes {
		cur, ok := r.nodes[p.Name]
		switch {
		case ok:
			cur.Health = p.Health
			cur.LastSeen = p.LastSeen
			cur.LastProbe = p.LastProbe
			cur.ConsecutiveFailures = p.ConsecutiveFailures
			cur.LastError = p.LastError
			cur.Capabilities = p.Capabilities
		case p.Source == fleet.SourceDiscovered && p.Name != "":
			n := p
			r.nodes[p.Name] = &n
		default:
			continue
		}
		restored++
	}
	return restored
}

// SetCapabilities replaces the capabilities of a registered node without
// touching its health. Probe readings started before this call no longer
// overwrite them. It reports whether the node exists.
func (r *Registry) SetCapabilities(name string, caps fleet.Capabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return false
	}
	if caps.GPUVendor == "" {
		caps.GPUVendor = fleet.VendorUnknown
	}
	n.Capabilities = caps
	r.capsAt[name] = r.now()
	return true
}

// Touch records that the node was heard from at the given time.
func (r *Registry) Touch(name string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return false
	}
	if at.After(n.LastSeen) {
		n.LastSeen = at
	}
	return true
}
