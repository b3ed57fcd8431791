// Package daemon assembles the registry, prober, catalog, aggregator and
// router from a ServerConfig. The fleetwatch daemon and fleetctl's
// standalone mode share it.
package daemon

import (
	"context"
	"errors"
	"runtime"

	"github.com/gaspardpetit/fleetwatch/internal/aggregator"
	"github.com/gaspardpetit/fleetwatch/internal/catalog"
	"github.com/gaspardpetit/fleetwatch/internal/config"
	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/metrics"
	"github.com/gaspardpetit/fleetwatch/internal/probe"
	"github.com/gaspardpetit/fleetwatch/internal/query"
	"github.com/gaspardpetit/fleetwatch/internal/registry"
	"github.com/gaspardpetit/fleetwatch/internal/router"
	"github.com/gaspardpetit/fleetwatch/internal/serverstate"
)

// Daemon holds the running components.
type Daemon struct {
	Registry   *registry.Registry
	Reports    *probe.ReportStore
	Prober     aggregator.Prober
	Catalog    catalog.Catalog
	Router     *router.Router
	Aggregator *aggregator.Aggregator
	Query      *query.Service
}

// Options override parts of the assembly, mostly for tests.
type Options struct {
	// Prober replaces the HTTP prober.
	Prober aggregator.Prober
	// Runner executes vendor GPU tools for the local node.
	Runner probe.Runner
}

// New validates cfg and assembles the components. The returned error is a
// *fleet.ConfigError for invalid configuration.
func New(cfg config.ServerConfig, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lan, err := router.ParseLAN(cfg.LAN.CIDRs, cfg.LAN.Domains)
	if err != nil {
		return nil, &fleet.ConfigError{Entry: "lan", Reason: err.Error()}
	}
	tiers := cfg.TierTable()

	reg := registry.New(cfg.Probe.FailureThreshold)
	for _, n := range cfg.FleetNodes() {
		reg.Register(n)
	}
	reports := probe.NewReportStore()
	prober := opts.Prober
	if prober == nil {
		runner := opts.Runner
		if runner == nil {
			runner = probe.ExecRunner{}
		}
		var local probe.GPUProber
		if cfg.LocalNode != "" {
			local = probe.NewLocalGPUProber(runtime.GOOS, runner)
		}
		prober = probe.New(probe.Config{
			Timeout:    cfg.Probe.Timeout,
			StatusPath: cfg.Probe.StatusPath,
			StatusPort: cfg.Probe.StatusPort,
			LocalNode:  cfg.LocalNode,
		}, local, runner, reports)
	}
	cat := catalog.Catalog{Tiers: tiers, Static: cfg.StaticBackends(), FallbackModel: cfg.FallbackModel}
	rt := router.New(lan)
	rt.Tiers = tiers
	rt.DefaultBudget = cfg.Budget()
	rt.FallbackModel = cfg.FallbackModel

	agg := aggregator.New(reg, prober, cat, aggregator.Config{
		Interval:      cfg.Probe.Interval,
		MaxInFlight:   cfg.Probe.MaxInFlight,
		CycleDeadline: cfg.Probe.CycleDeadline,
	})
	return &Daemon{
		Registry:   reg,
		Reports:    reports,
		Prober:     prober,
		Catalog:    cat,
		Router:     rt,
		Aggregator: agg,
		Query:      query.New(agg, rt, agg.Interval()),
	}, nil
}

// Instrument records metrics for every probe, snapshot and decision, and
// persists each published snapshot to store.
func (d *Daemon) Instrument(store serverstate.Store) {
	d.Aggregator.OnResult(metrics.ObserveProbe)
	d.Aggregator.OnPublish(func(snap *fleet.Snapshot, _ []registry.Transition) {
		metrics.ObserveSnapshot(snap)
		if snap.CycleID != "" {
			metrics.RecordCycle(snap.Cycle)
		}
		if store == nil {
			return
		}
		if err := store.SaveSnapshot(context.Background(), snap); err != nil {
			logx.Log.Warn().Err(err).Uint64("seq", snap.Seq).Msg("persist snapshot")
		}
	})
	d.Query.OnRoute(metrics.RecordDecision)
}

// Restore warm-starts the registry from the snapshot persisted in store
// and republishes. It returns the number of nodes restored.
func (d *Daemon) Restore(ctx context.Context, store serverstate.Store) (int, error) {
	snap, err := store.LoadSnapshot(ctx)
	if errors.Is(err, serverstate.ErrNoSnapshot) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := d.Registry.Restore(snap.Nodes)
	if n > 0 {
		d.Aggregator.Republish()
	}
	logx.Log.Info().Int("nodes", n).Uint64("seq", snap.Seq).Msg("restored persisted snapshot")
	return n, nil
}
