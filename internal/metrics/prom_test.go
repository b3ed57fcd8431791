package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2026-01-01")

	ObserveProbe(fleet.ProbeResult{Duration: 100 * time.Millisecond, Err: fleet.ErrProbeTimeout})
	ObserveProbe(fleet.ProbeResult{Duration: 10 * time.Millisecond, Liveness: fleet.HealthUp})
	RecordCycle(fleet.CycleStats{DeadlineExceeded: true})
	RecordDecision(fleet.RoutingDecision{Backends: []fleet.ModelBackend{{Kind: fleet.KindRemoteAPI}}})
	ObserveSnapshot(&fleet.Snapshot{
		Nodes: []fleet.Node{
			{Name: "a", Health: fleet.HealthUp, Capabilities: fleet.Capabilities{HasGPU: true, VRAMGB: 16, GPUVendor: fleet.VendorNVIDIA}},
			{Name: "b", Health: fleet.HealthDown},
		},
		Backends: []fleet.ModelBackend{
			{Kind: fleet.KindLocalGPU, Available: true},
			{Kind: fleet.KindRemoteAPI, Available: true},
		},
	})

	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2026-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if v := testutil.ToFloat64(probeFailures.WithLabelValues("timeout")); v != 1 {
		t.Fatalf("probe failures: %v", v)
	}
	if v := testutil.ToFloat64(cycles.WithLabelValues("deadline_exceeded")); v != 1 {
		t.Fatalf("cycles: %v", v)
	}
	if v := testutil.ToFloat64(routingDecisions.WithLabelValues("RemoteApi")); v != 1 {
		t.Fatalf("decisions: %v", v)
	}
	if v := testutil.ToFloat64(nodeUp.WithLabelValues("a")); v != 1 {
		t.Fatalf("node up a: %v", v)
	}
	if v := testutil.ToFloat64(nodeVRAM.WithLabelValues("a", "NVIDIA")); v != 16 {
		t.Fatalf("node vram: %v", v)
	}
	if v := testutil.ToFloat64(backendsAvailable.WithLabelValues("LanServer")); v != 0 {
		t.Fatalf("lan backends: %v", v)
	}
	if n := testutil.CollectAndCount(probeDuration); n != 1 {
		t.Fatalf("probe duration series: %d", n)
	}
}

func TestSnapshotAgeGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterSnapshotAge(reg, func() float64 { return 42 }); err != nil {
		t.Fatal(err)
	}
	expected := `
# HELP fleetwatch_snapshot_age_seconds Seconds since the latest snapshot was published
# TYPE fleetwatch_snapshot_age_seconds gauge
fleetwatch_snapshot_age_seconds 42
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "fleetwatch_snapshot_age_seconds"); err != nil {
		t.Fatal(err)
	}
}
