// Package probe checks a single fleet node: liveness over HTTP and GPU
// capacity, either measured locally or taken from the node's own report.
// Probe never returns an error; failures are classified into the result.
package probe

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
)

// Config tunes a Prober.
type Config struct {
	Timeout    time.Duration
	StatusPath string
	StatusPort int
	// LocalNode names the node this process runs on; it is measured with
	// the local GPU prober instead of a report.
	LocalNode string
}

// Prober combines the liveness and capability checks.
type Prober struct {
	cfg      Config
	liveness *Liveness
	local    GPUProber
	runner   Runner
	reports  *ReportStore
	client   *http.Client
	now      func() time.Time
}

// New returns a Prober. local and runner may be nil when this process does
// not measure its own host.
func New(cfg Config, local GPUProber, runner Runner, reports *ReportStore) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if reports == nil {
		reports = NewReportStore()
	}
	return &Prober{
		cfg:      cfg,
		liveness: NewLiveness(cfg.StatusPath, cfg.StatusPort, cfg.Timeout),
		local:    local,
		runner:   runner,
		reports:  reports,
		client:   &http.Client{},
		now:      time.Now,
	}
}

// Reports exposes the self-report store.
func (p *Prober) Reports() *ReportStore { return p.reports }

// Probe runs the liveness and capability checks concurrently.
func (p *Prober) Probe(ctx context.Context, node fleet.Node) fleet.ProbeResult {
	start := p.now()
	var (
		wg     sync.WaitGroup
		health fleet.Health
		err    error
		caps   *fleet.Capabilities
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		health, err = p.liveness.Check(ctx, node.Address)
	}()
	go func() {
		defer wg.Done()
		caps = p.capabilities(ctx, node)
	}()
	wg.Wait()
	if err != nil {
		logx.Log.Debug().Str("node", node.Name).Str("reason", fleet.ProbeReason(err)).Err(err).Msg("liveness check failed")
	}
	return fleet.ProbeResult{
		Node:         node.Name,
		Liveness:     health,
		Err:          err,
		Capabilities: caps,
		At:           start,
		Duration:     p.now().Sub(start),
	}
}

func (p *Prober) capabilities(ctx context.Context, node fleet.Node) *fleet.Capabilities {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if node.Name != "" && node.Name == p.cfg.LocalNode && p.local != nil {
		r, err := p.local.ProbeGPU(ctx)
		if err != nil {
			logx.Log.Debug().Str("node", node.Name).Err(err).Msg("local gpu probe failed")
			return nil
		}
		c := r.Apply(node.Capabilities)
		c.CompileWorker = HasCompileWorker(p.runner)
		return &c
	}
	if r, ok := p.reports.Get(node.Name); ok {
		c := r.Capabilities()
		return &c
	}
	if node.CapabilityURL != "" {
		r, err := FetchReport(ctx, p.client, node.CapabilityURL)
		if err != nil {
			logx.Log.Debug().Str("node", node.Name).Err(err).Msg("capability fetch failed")
			return nil
		}
		c := r.Capabilities()
		return &c
	}
	return nil
}
