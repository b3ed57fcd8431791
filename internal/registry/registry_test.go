package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

func fail(name string) fleet.ProbeResult {
	return fleet.ProbeResult{Node: name, Liveness: fleet.HealthDown, Err: fmt.Errorf("%w: dial", fleet.ErrProbeRefused), At: time.Now()}
}

func ok(name string, caps *fleet.Capabilities) fleet.ProbeResult {
	return fleet.ProbeResult{Node: name, Liveness: fleet.HealthUp, Capabilities: caps, At: time.Now()}
}

func TestThresholdMarksDown(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "nodeB", Address: "nodeB"})
	r.Upsert("nodeB", ok("nodeB", nil))

	for i := 1; i <= 2; i++ {
		r.Upsert("nodeB", fail("nodeB"))
		n, _ := r.Get("nodeB")
		if n.Health != fleet.HealthUp || n.ConsecutiveFailures != i {
			t.Fatalf("after %d failures: health=%s failures=%d", i, n.Health, n.ConsecutiveFailures)
		}
	}
	tr, _ := r.Upsert("nodeB", fail("nodeB"))
	if tr.From != fleet.HealthUp || tr.To != fleet.HealthDown {
		t.Fatalf("unexpected transition %+v", tr)
	}
	n, _ := r.Get("nodeB")
	if n.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestSuccessRecovers(t *testing.T) {
	r := New(2)
	r.Register(fleet.Node{Name: "n"})
	r.Upsert("n", fail("n"))
	r.Upsert("n", fail("n"))
	before, _ := r.Get("n")
	if before.Health != fleet.HealthDown {
		t.Fatalf("expected down, got %s", before.Health)
	}
	res := ok("n", nil)
	r.Upsert("n", res)
	after, _ := r.Get("n")
	if after.Health != fleet.HealthUp || after.ConsecutiveFailures != 0 || !after.LastSeen.Equal(res.At) {
		t.Fatalf("unexpected node after recovery %+v", after)
	}
}

func TestLastSeenOnlyOnSuccess(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "n"})
	r.Upsert("n", fail("n"))
	n, _ := r.Get("n")
	if !n.LastSeen.IsZero() {
		t.Fatal("last_seen set by a failed probe")
	}
	if n.LastProbe.IsZero() {
		t.Fatal("last_probe not set")
	}
}

func TestCapabilitiesOverwritten(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "n"})
	r.Upsert("n", ok("n", &fleet.Capabilities{HasGPU: true, VRAMGB: 16, GPUVendor: fleet.VendorNVIDIA, PrimaryModel: "a"}))
	r.Upsert("n", ok("n", &fleet.Capabilities{HasGPU: true, VRAMGB: 8, GPUVendor: fleet.VendorNVIDIA}))
	n, _ := r.Get("n")
	if n.Capabilities.VRAMGB != 8 || n.Capabilities.PrimaryModel != "" {
		t.Fatalf("capabilities merged with history: %+v", n.Capabilities)
	}
	r.Upsert("n", ok("n", nil))
	n, _ = r.Get("n")
	if n.Capabilities.VRAMGB != 8 {
		t.Fatalf("nil capabilities must keep the last reading: %+v", n.Capabilities)
	}
}

func TestUnknownNameIgnored(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "n"})
	r.Deregister("n")
	if _, applied := r.Upsert("n", ok("n", nil)); applied {
		t.Fatal("late probe resurrected a deregistered node")
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New(3)
	if !r.Register(fleet.Node{Name: "n", Priority: 1}) {
		t.Fatal("first register should add")
	}
	if r.Register(fleet.Node{Name: "n", Priority: 9}) {
		t.Fatal("second register should not replace")
	}
	n, _ := r.Get("n")
	if n.Priority != 1 || n.Health != fleet.HealthUnknown || n.Source != fleet.SourceConfig {
		t.Fatalf("unexpected node %+v", n)
	}
}

func TestSnapshotSortedCopy(t *testing.T) {
	r := New(3)
	for _, name := range []string{"c", "a", "b"} {
		r.Register(fleet.Node{Name: name})
	}
	s := r.Snapshot()
	if s[0].Name != "a" || s[1].Name != "b" || s[2].Name != "c" {
		t.Fatalf("not sorted: %v", s)
	}
	s[0].Priority = 42
	if n, _ := r.Get("a"); n.Priority == 42 {
		t.Fatal("snapshot aliases registry state")
	}
}

func TestApplyReturnsOnlyChanges(t *testing.T) {
	r := New(1)
	r.Register(fleet.Node{Name: "a"})
	r.Register(fleet.Node{Name: "b"})
	trs := r.Apply([]fleet.ProbeResult{ok("a", nil), fail("b"), ok("ghost", nil)})
	if len(trs) != 2 {
		t.Fatalf("transitions = %+v", trs)
	}
	trs = r.Apply([]fleet.ProbeResult{ok("a", nil), fail("b")})
	if len(trs) != 0 {
		t.Fatalf("steady state produced transitions %+v", trs)
	}
}

func TestRestore(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "a", Address: "a.new"})
	n := r.Restore([]fleet.Node{
		{Name: "a", Address: "a.old", Health: fleet.HealthUp, Capabilities: fleet.Capabilities{VRAMGB: 16}},
		{Name: "d", Source: fleet.SourceDiscovered, Health: fleet.HealthDown},
		{Name: "gone", Source: fleet.SourceConfig},
	})
	if n != 2 {
		t.Fatalf("restored = %d", n)
	}
	a, _ := r.Get("a")
	if a.Address != "a.new" || a.Health != fleet.HealthUp || a.Capabilities.VRAMGB != 16 {
		t.Fatalf("unexpected restored node %+v", a)
	}
	if _, ok := r.Get("gone"); ok {
		t.Fatal("configured node absent from current config was restored")
	}
}

func TestSetCapabilitiesKeepsHealth(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "a"})
	r.Upsert("a", fail("a"))
	if !r.SetCapabilities("a", fleet.Capabilities{HasGPU: true, VRAMGB: 8}) {
		t.Fatal("expected node to exist")
	}
	n, _ := r.Get("a")
	if n.Health != fleet.HealthUnknown || n.ConsecutiveFailures != 1 {
		t.Fatalf("health changed: %s/%d", n.Health, n.ConsecutiveFailures)
	}
	if n.Capabilities.VRAMGB != 8 || n.Capabilities.GPUVendor != fleet.VendorUnknown {
		t.Fatalf("caps %+v", n.Capabilities)
	}
	if r.SetCapabilities("missing", fleet.Capabilities{}) {
		t.Fatal("unknown node accepted")
	}
}

func TestTouch(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "a"})
	at := time.Now()
	r.Touch("a", at)
	r.Touch("a", at.Add(-time.Minute))
	n, _ := r.Get("a")
	if !n.LastSeen.Equal(at) {
		t.Fatalf("last seen %v", n.LastSeen)
	}
}

func TestSelfReportWinsOverOlderReading(t *testing.T) {
	r := New(3)
	r.Register(fleet.Node{Name: "a"})
	started := time.Now().Add(-time.Second)
	r.SetCapabilities("a", fleet.Capabilities{HasGPU: true, VRAMGB: 16, GPUVendor: fleet.VendorNVIDIA})

	stale := ok("a", &fleet.Capabilities{HasGPU: true, VRAMGB: 4, GPUVendor: fleet.VendorNVIDIA})
	stale.At = started
	r.Upsert("a", stale)
	n, _ := r.Get("a")
	if n.Capabilities.VRAMGB != 16 || n.Health != fleet.HealthUp {
		t.Fatalf("older reading replaced the self-report: %+v %s", n.Capabilities, n.Health)
	}

	fresh := ok("a", &fleet.Capabilities{HasGPU: true, VRAMGB: 8, GPUVendor: fleet.VendorNVIDIA})
	fresh.At = time.Now().Add(time.Second)
	r.Upsert("a", fresh)
	n, _ = r.Get("a")
	if n.Capabilities.VRAMGB != 8 {
		t.Fatalf("newer reading ignored: %+v", n.Capabilities)
	}
}
