// Package aggregator drives the probe cycle: it probes every registered
// node with bounded concurrency, applies the results to the registry in one
// batch and publishes an immutable fleet snapshot.
package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/registry"
)

// Phase is the aggregator's position in a cycle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseProbing     Phase = "probing"
	PhaseAggregating Phase = "aggregating"
	PhasePublished   Phase = "published"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxInFlight = 10
)

// Prober probes one node. Implementations report failures in the result.
type Prober interface {
	Probe(ctx context.Context, node fleet.Node) fleet.ProbeResult
}

// Catalog derives the backends of a snapshot from its nodes.
type Catalog interface {
	Build(nodes []fleet.Node) []fleet.ModelBackend
}

// PublishFunc is called after each publication with the health changes of
// the cycle, if any.
type PublishFunc func(snap *fleet.Snapshot, transitions []registry.Transition)

// ResultFunc is called for every probe result collected within a cycle.
type ResultFunc func(res fleet.ProbeResult)

type Config struct {
	Interval    time.Duration
	MaxInFlight int
	// CycleDeadline bounds a whole cycle; zero means twice the interval.
	CycleDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.CycleDeadline <= 0 {
		c.CycleDeadline = 2 * c.Interval
	}
	return c
}

type Aggregator struct {
	cfg     Config
	reg     *registry.Registry
	prober  Prober
	catalog Catalog

	cycleMu sync.Mutex
	// pubMu orders publications; it is never held while probing.
	pubMu  sync.Mutex
	seq    uint64
	latest atomic.Pointer[fleet.Snapshot]
	phase  atomic.Value

	hooksMu   sync.RWMutex
	onPublish []PublishFunc
	onResult  []ResultFunc

	now func() time.Time
}

// New returns an aggregator and publishes a seed snapshot built from the
// registry as it is, so readers always have something to serve.
func New(reg *registry.Registry, prober Prober, catalog Catalog, cfg Config) *Aggregator {
	a := &Aggregator{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		prober:  prober,
		catalog: catalog,
		now:     time.Now,
	}
	a.phase.Store(PhaseIdle)
	a.latest.Store(a.build("", fleet.CycleStats{}))
	return a
}

// Interval returns the configured cycle interval.
func (a *Aggregator) Interval() time.Duration { return a.cfg.Interval }

// Latest returns the most recently published snapshot. It never blocks.
func (a *Aggregator) Latest() *fleet.Snapshot { return a.latest.Load() }

// Phase returns the current cycle phase.
func (a *Aggregator) Phase() Phase { return a.phase.Load().(Phase) }

// Registry returns the registry the aggregator writes to.
func (a *Aggregator) Registry() *registry.Registry { return a.reg }

func (a *Aggregator) OnPublish(fn PublishFunc) {
	a.hooksMu.Lock()
	a.onPublish = append(a.onPublish, fn)
	a.hooksMu.Unlock()
}

func (a *Aggregator) OnResult(fn ResultFunc) {
	a.hooksMu.Lock()
	a.onResult = append(a.onResult, fn)
	a.hooksMu.Unlock()
}

// Run executes a cycle immediately and then one per interval until ctx is
// done. A slow cycle delays the next one; cycles never overlap.
func (a *Aggregator) Run(ctx context.Context) error {
	a.RunCycle(ctx)
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.RunCycle(ctx)
		}
	}
}

// RunCycle probes every registered node once and publishes a snapshot.
func (a *Aggregator) RunCycle(ctx context.Context) *fleet.Snapshot {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	start := a.now()
	cycleID := uuid.NewString()
	nodes := a.reg.Snapshot()
	a.phase.Store(PhaseProbing)

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CycleDeadline)
	defer cancel()

	results := make(chan fleet.ProbeResult, len(nodes))
	sem := make(chan struct{}, a.cfg.MaxInFlight)
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n fleet.Node) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-cctx.Done():
				return
			}
			defer func() { <-sem }()
			res := a.prober.Probe(cctx, n)
			// A probe cut short by the cycle deadline says nothing about the node.
			if cctx.Err() != nil {
				return
			}
			res.Node = n.Name
			results <- res
		}(n)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collected := make([]fleet.ProbeResult, 0, len(nodes))
	deadlineExceeded := false
wait:
	for {
		select {
		case r := <-results:
			collected = append(collected, r)
		case <-done:
			break wait
		case <-cctx.Done():
			deadlineExceeded = errors.Is(cctx.Err(), context.DeadlineExceeded)
			break wait
		}
	}
drain:
	for {
		select {
		case r := <-results:
			collected = append(collected, r)
		default:
			break drain
		}
	}

	a.phase.Store(PhaseAggregating)
	a.hooksMu.RLock()
	resultHooks := append([]ResultFunc(nil), a.onResult...)
	a.hooksMu.RUnlock()
	for _, r := range collected {
		for _, fn := range resultHooks {
			fn(r)
		}
	}
	transitions := a.reg.Apply(collected)

	stats := fleet.CycleStats{
		Probed:           len(nodes),
		Resolved:         len(collected),
		Unresolved:       len(nodes) - len(collected),
		DeadlineExceeded: deadlineExceeded,
		Duration:         a.now().Sub(start),
	}
	snap := a.publish(cycleID, stats, transitions)
	a.phase.Store(PhaseIdle)

	ev := logx.Log.Info()
	if deadlineExceeded {
		ev = logx.Log.Warn()
	}
	ev.Str("cycle_id", cycleID).Uint64("seq", snap.Seq).Int("probed", stats.Probed).
		Int("resolved", stats.Resolved).Int("up", snap.UpCount()).Bool("deadline_exceeded", deadlineExceeded).
		Dur("duration", stats.Duration).Msg("probe cycle published")
	return snap
}

// Republish publishes a new snapshot from the registry without probing,
// for example after a manual deregistration or a self-report. It does not
// wait for a running cycle. The snapshot carries no cycle id and keeps the
// stats of the last cycle.
func (a *Aggregator) Republish() *fleet.Snapshot {
	stats := fleet.CycleStats{}
	if prev := a.latest.Load(); prev != nil {
		stats = prev.Cycle
	}
	return a.publish("", stats, nil)
}

// Deregister removes a node and republishes. It reports whether the node
// existed.
func (a *Aggregator) Deregister(name string) bool {
	if !a.reg.Deregister(name) {
		return false
	}
	a.Republish()
	return true
}

func (a *Aggregator) publish(cycleID string, stats fleet.CycleStats, transitions []registry.Transition) *fleet.Snapshot {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	a.seq++
	snap := a.build(cycleID, stats)
	snap.Seq = a.seq
	a.latest.Store(snap)
	if cycleID != "" {
		a.phase.Store(PhasePublished)
	}

	a.hooksMu.RLock()
	hooks := append([]PublishFunc(nil), a.onPublish...)
	a.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(snap, transitions)
	}
	return snap
}

func (a *Aggregator) build(cycleID string, stats fleet.CycleStats) *fleet.Snapshot {
	nodes := a.reg.Snapshot()
	var backends []fleet.ModelBackend
	if a.catalog != nil {
		backends = a.catalog.Build(nodes)
	}
	return &fleet.Snapshot{
		Seq:         a.seq,
		CycleID:     cycleID,
		PublishedAt: a.now(),
		Nodes:       nodes,
		Backends:    backends,
		Cycle:       stats,
	}
}
