package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_build_info",
			Help: "Build information for fleetwatch",
		},
		[]string{"date", "sha", "version"},
	)

	nodeUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_node_up",
			Help: "1 when the node is Up in the latest snapshot",
		},
		[]string{"node"},
	)

	nodeVRAM = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_node_vram_gigabytes",
			Help: "Usable VRAM reported for the node",
		},
		[]string{"node", "vendor"},
	)

	backendsAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_backends_available",
			Help: "Available model backends by kind",
		},
		[]string{"kind"},
	)

	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_probe_duration_seconds",
			Help:    "Duration of individual node probes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)

	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_probe_failures_total",
			Help: "Failed probes by reason",
		},
		[]string{"reason"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_cycles_total",
			Help: "Completed probe cycles by outcome",
		},
		[]string{"outcome"},
	)

	routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_routing_decisions_total",
			Help: "Routing decisions served by kind of primary backend",
		},
		[]string{"primary_kind"},
	)
)

// Register registers all fleetwatch metrics with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, nodeUp, nodeVRAM, backendsAvailable, probeDuration, probeFailures, cycles, routingDecisions)
}

// RegisterSnapshotAge exposes the age of the latest snapshot, computed on
// every scrape.
func RegisterSnapshotAge(r prometheus.Registerer, age func() float64) error {
	return r.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fleetwatch_snapshot_age_seconds",
		Help: "Seconds since the latest snapshot was published",
	}, age))
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// ObserveProbe records one probe result.
func ObserveProbe(res fleet.ProbeResult) {
	probeDuration.Observe(res.Duration.Seconds())
	if reason := fleet.ProbeReason(res.Err); reason != "" {
		probeFailures.WithLabelValues(reason).Inc()
	}
}

// ObserveSnapshot refreshes the per-node gauges from a published snapshot.
func ObserveSnapshot(snap *fleet.Snapshot) {
	if snap == nil {
		return
	}
	nodeUp.Reset()
	nodeVRAM.Reset()
	backendsAvailable.Reset()
	for _, n := range snap.Nodes {
		v := 0.0
		if n.Up() {
			v = 1
		}
		nodeUp.WithLabelValues(n.Name).Set(v)
		nodeVRAM.WithLabelValues(n.Name, string(n.Capabilities.GPUVendor)).Set(n.Capabilities.UsableVRAM())
	}
	for _, k := range []fleet.BackendKind{fleet.KindLocalGPU, fleet.KindLANServer, fleet.KindRemoteAPI} {
		backendsAvailable.WithLabelValues(string(k)).Set(0)
	}
	for _, b := range snap.Backends {
		if b.Available {
			backendsAvailable.WithLabelValues(string(b.Kind)).Inc()
		}
	}
}

// RecordCycle counts a finished cycle.
func RecordCycle(stats fleet.CycleStats) {
	outcome := "complete"
	if stats.DeadlineExceeded {
		outcome = "deadline_exceeded"
	}
	cycles.WithLabelValues(outcome).Inc()
}

// RecordDecision counts a served routing decision.
func RecordDecision(d fleet.RoutingDecision) {
	routingDecisions.WithLabelValues(string(d.Primary().Kind)).Inc()
}
