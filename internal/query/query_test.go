package query

import (
	"context"
	"testing"
	"time"

	"github.com/gaspardpetit/fleetwatch/internal/aggregator"
	"github.com/gaspardpetit/fleetwatch/internal/catalog"
	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/registry"
	"github.com/gaspardpetit/fleetwatch/internal/router"
)

type stallProber struct{ release chan struct{} }

func (p stallProber) Probe(ctx context.Context, n fleet.Node) fleet.ProbeResult {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return fleet.ProbeResult{Node: n.Name, Liveness: fleet.HealthUp, At: time.Now()}
}

func TestStatusDuringStalledCycle(t *testing.T) {
	reg := registry.New(3)
	reg.Register(fleet.Node{Name: "nodeA", Address: "nodeA"})
	p := stallProber{release: make(chan struct{})}
	agg := aggregator.New(reg, p, catalog.Catalog{}, aggregator.Config{Interval: time.Second})
	svc := New(agg, router.New(router.LAN{}), time.Second)
	svc.now = func() time.Time { return time.Now().Add(3 * time.Second) }

	go agg.RunCycle(context.Background())
	defer close(p.release)
	for i := 0; i < 1000 && agg.Phase() != aggregator.PhaseProbing; i++ {
		time.Sleep(time.Millisecond)
	}

	done := make(chan View, 1)
	go func() { done <- svc.Status() }()
	select {
	case v := <-done:
		if v.Snapshot == nil || v.Snapshot.Seq != 0 {
			t.Fatalf("unexpected snapshot %+v", v.Snapshot)
		}
		if v.AgeSeconds <= 0 || !v.Stale {
			t.Fatalf("age=%v stale=%v", v.AgeSeconds, v.Stale)
		}
	case <-time.After(time.Second):
		t.Fatal("status blocked on a stalled cycle")
	}
}

type fixedSource struct{ s *fleet.Snapshot }

func (f fixedSource) Latest() *fleet.Snapshot { return f.s }

func TestRouteAndNode(t *testing.T) {
	nodes := []fleet.Node{{
		Name: "nodeA", Address: "nodeA", Health: fleet.HealthUp,
		Capabilities: fleet.Capabilities{HasGPU: true, VRAMGB: 16, GPUVendor: fleet.VendorNVIDIA},
	}}
	now := time.Now()
	snap := &fleet.Snapshot{Seq: 3, PublishedAt: now, Nodes: nodes, Backends: catalog.Catalog{}.Build(nodes)}
	svc := New(fixedSource{snap}, router.New(router.LAN{}), 30*time.Second)
	svc.now = func() time.Time { return now.Add(time.Second) }

	var seen []fleet.RoutingDecision
	svc.OnRoute(func(d fleet.RoutingDecision) { seen = append(seen, d) })
	d := svc.Route("nodeA", "")
	if d.SnapshotSeq != 3 || d.Primary().Node != "nodeA" || len(seen) != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if v := svc.Status(); v.Stale || v.AgeSeconds != 1 {
		t.Fatalf("unexpected view %+v", v)
	}
	if _, err := svc.Node("ghost"); err != fleet.ErrUnknownNode {
		t.Fatalf("err = %v", err)
	}
	if err := svc.ValidateHint("budget=maybe"); err == nil {
		t.Fatal("bad hint accepted")
	}
}
