package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/fleetwatch/internal/aggregator"
	"github.com/gaspardpetit/fleetwatch/internal/catalog"
	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/probe"
	"github.com/gaspardpetit/fleetwatch/internal/query"
	"github.com/gaspardpetit/fleetwatch/internal/registry"
	"github.com/gaspardpetit/fleetwatch/internal/router"
)

type proberFunc func(ctx context.Context, n fleet.Node) fleet.ProbeResult

func (f proberFunc) Probe(ctx context.Context, n fleet.Node) fleet.ProbeResult { return f(ctx, n) }

type fixture struct {
	agg     *aggregator.Aggregator
	reports *probe.ReportStore
	handler *FleetHandler
	mux     http.Handler
}

// newFixture builds the nodeA/nodeB/nodeC fleet: nodeA has 16GB and is up,
// nodeB has 6GB and is down, nodeC has no GPU and is up.
func newFixture(t *testing.T, apiKey, clientKey string) *fixture {
	t.Helper()
	reg := registry.New(1)
	reg.Register(fleet.Node{Name: "nodeA", Address: "10.0.0.1", Role: fleet.RoleWorker,
		Capabilities: fleet.Capabilities{HasGPU: true, VRAMGB: 16, GPUVendor: fleet.VendorNVIDIA}})
	reg.Register(fleet.Node{Name: "nodeB", Address: "10.0.0.2", Role: fleet.RoleWorker,
		Capabilities: fleet.Capabilities{HasGPU: true, VRAMGB: 6, GPUVendor: fleet.VendorAMD}})
	reg.Register(fleet.Node{Name: "nodeC", Address: "10.0.0.3", Role: fleet.RoleOrchestrator})
	p := proberFunc(func(_ context.Context, n fleet.Node) fleet.ProbeResult {
		if n.Name == "nodeB" {
			return fleet.ProbeResult{Node: n.Name, Liveness: fleet.HealthDown, Err: fleet.ErrProbeRefused, At: time.Now()}
		}
		return fleet.ProbeResult{Node: n.Name, Liveness: fleet.HealthUp, At: time.Now()}
	})
	agg := aggregator.New(reg, p, catalog.Catalog{}, aggregator.Config{Interval: time.Minute})
	agg.RunCycle(context.Background())
	lan, err := router.ParseLAN(nil, nil)
	if err != nil {
		t.Fatalf("lan: %v", err)
	}
	q := query.New(agg, router.New(lan), time.Minute)
	reports := probe.NewReportStore()
	h := &FleetHandler{Query: q, Fleet: agg, Reports: reports, StreamInterval: 20 * time.Millisecond}
	r := chi.NewRouter()
	r.Route("/api/fleet", Routes(h, apiKey, clientKey))
	r.Get("/api/openapi.json", OpenAPIHandler())
	return &fixture{agg: agg, reports: reports, handler: h, mux: r}
}

func (f *fixture) do(t *testing.T, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decodeDecision(t *testing.T, w *httptest.ResponseRecorder) fleet.RoutingDecision {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var d fleet.RoutingDecision
	if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return d
}

func TestGetSnapshot(t *testing.T) {
	f := newFixture(t, "", "")
	w := f.do(t, http.MethodGet, "/api/fleet/snapshot", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var view query.View
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Snapshot == nil || view.Snapshot.Seq != 1 || len(view.Snapshot.Nodes) != 3 || view.Stale {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestNodes(t *testing.T) {
	f := newFixture(t, "", "")
	w := f.do(t, http.MethodGet, "/api/fleet/nodes", "", nil)
	var nodes []fleet.Node
	if err := json.NewDecoder(w.Body).Decode(&nodes); err != nil || len(nodes) != 3 {
		t.Fatalf("nodes %v %v", nodes, err)
	}
	w = f.do(t, http.MethodGet, "/api/fleet/nodes/nodeB", "", nil)
	var n fleet.Node
	if err := json.NewDecoder(w.Body).Decode(&n); err != nil || n.Health != fleet.HealthDown {
		t.Fatalf("nodeB %+v %v", n, err)
	}
	if w := f.do(t, http.MethodGet, "/api/fleet/nodes/missing", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing node status %d", w.Code)
	}
}

func TestGetRouteScenario(t *testing.T) {
	f := newFixture(t, "", "")
	d := decodeDecision(t, f.do(t, http.MethodGet, "/api/fleet/route/nodeA", "", nil))
	if len(d.Backends) != 2 || d.Backends[0].Kind != fleet.KindLocalGPU || d.Backends[0].Node != "nodeA" ||
		d.Backends[0].VRAMGB != 16 || d.Backends[1].Kind != fleet.KindRemoteAPI {
		t.Fatalf("nodeA decision %+v", d.Backends)
	}
	d = decodeDecision(t, f.do(t, http.MethodGet, "/api/fleet/route/nodeC", "", nil))
	if len(d.Backends) != 1 || d.Backends[0].Kind != fleet.KindRemoteAPI || !d.FallbackOnly {
		t.Fatalf("nodeC decision %+v", d)
	}
}

func TestGetRouteBadHint(t *testing.T) {
	f := newFixture(t, "", "")
	w := f.do(t, http.MethodGet, "/api/fleet/route/nodeA?hint=colour%3Dblue", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}

func TestPostRoute(t *testing.T) {
	f := newFixture(t, "", "")
	d := decodeDecision(t, f.do(t, http.MethodPost, "/api/fleet/route", `{"requestingNodeID":"nodeA","workloadHint":"free"}`, nil))
	if d.RequestingNode != "nodeA" || d.Primary().Node != "nodeA" {
		t.Fatalf("decision %+v", d)
	}
}

func TestPostRouteValidation(t *testing.T) {
	f := newFixture(t, "", "")
	cases := map[string]string{
		"missing requester": `{"workloadHint":"free"}`,
		"wrong type":        `{"requestingNodeID":5}`,
		"extra field":       `{"requestingNodeID":"nodeA","colour":"blue"}`,
	}
	for name, body := range cases {
		w := f.do(t, http.MethodPost, "/api/fleet/route", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", name, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"error"`) {
			t.Errorf("%s: body %s", name, w.Body.String())
		}
	}
}

func TestDeleteNodeRequiresKey(t *testing.T) {
	f := newFixture(t, "secret", "")
	if w := f.do(t, http.MethodDelete, "/api/fleet/nodes/nodeB", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no key status %d", w.Code)
	}
	w := f.do(t, http.MethodDelete, "/api/fleet/nodes/nodeB", "", map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d", w.Code)
	}
	if _, ok := f.agg.Latest().Node("nodeB"); ok {
		t.Fatal("nodeB still in latest snapshot")
	}
	w = f.do(t, http.MethodDelete, "/api/fleet/nodes/nodeB", "", map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status %d", w.Code)
	}
}

func TestPutCapabilities(t *testing.T) {
	f := newFixture(t, "", "client")
	body := `{
		// written by the agent
		"gpuVendor": "nvidia",
		"vramGb": 8,
		"primaryModel": "qwen2.5-coder:7b",
	}`
	if w := f.do(t, http.MethodPut, "/api/fleet/nodes/nodeC/capabilities", body, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no key status %d", w.Code)
	}
	w := f.do(t, http.MethodPut, "/api/fleet/nodes/nodeC/capabilities", body, map[string]string{"Authorization": "Bearer client"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	n, _ := f.agg.Latest().Node("nodeC")
	if n.Capabilities.VRAMGB != 8 || n.Capabilities.GPUVendor != fleet.VendorNVIDIA {
		t.Fatalf("caps not applied: %+v", n.Capabilities)
	}
	if _, ok := f.reports.Get("nodeC"); !ok {
		t.Fatal("report not stored")
	}
	d := decodeDecision(t, f.do(t, http.MethodGet, "/api/fleet/route/nodeC", "", nil))
	if d.Primary().Kind != fleet.KindLocalGPU || d.Primary().Node != "nodeC" {
		t.Fatalf("decision after report %+v", d.Backends)
	}
}

func TestPutCapabilitiesWithoutVendor(t *testing.T) {
	f := newFixture(t, "", "")
	body := `{
		"ollamaHost": "http://10.0.0.3:11434",
		"primaryModel": "qwen2.5-coder:14b",
		"sidecarModel": "qwen2.5-coder:1.5b",
		"fallbackModel": "anthropic/claude-sonnet",
		"gpuMemoryThreshold": 16
	}`
	w := f.do(t, http.MethodPut, "/api/fleet/nodes/nodeC/capabilities", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	n, _ := f.agg.Latest().Node("nodeC")
	if n.Capabilities.GPUVendor != fleet.VendorDeclared || n.Capabilities.UsableVRAM() != 16 {
		t.Fatalf("declared capacity not usable: %+v", n.Capabilities)
	}
	d := decodeDecision(t, f.do(t, http.MethodGet, "/api/fleet/route/nodeC", "", nil))
	p := d.Primary()
	if p.Kind != fleet.KindLocalGPU || p.Node != "nodeC" || p.Model != "qwen2.5-coder:14b" || p.Tier != "Large" {
		t.Fatalf("decision after vendorless report %+v", d.Backends)
	}
	if d.Fallback().Kind != fleet.KindRemoteAPI {
		t.Fatalf("fallback %+v", d.Fallback())
	}
}

func TestPutCapabilitiesUnknownNode(t *testing.T) {
	f := newFixture(t, "", "")
	if w := f.do(t, http.MethodPut, "/api/fleet/nodes/nodeD/capabilities", `{"vramGb":4}`, nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
	w := f.do(t, http.MethodPut, "/api/fleet/nodes/nodeD/capabilities?address=10.0.0.4", `{"vramGb":4,"gpuVendor":"AMD"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var n fleet.Node
	if err := json.NewDecoder(w.Body).Decode(&n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Source != fleet.SourceDiscovered || n.Address != "10.0.0.4" {
		t.Fatalf("node %+v", n)
	}
	if w := f.do(t, http.MethodPut, "/api/fleet/nodes/nodeD/capabilities", `{not json`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status %d", w.Code)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	doc, err := Spec()
	if err != nil {
		t.Fatalf("spec: %v", err)
	}
	if doc.Paths.Find("/api/fleet/route") == nil {
		t.Fatal("route path missing")
	}
	f := newFixture(t, "", "")
	w := f.do(t, http.MethodGet, "/api/openapi.json", "", nil)
	var m map[string]any
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil || m["openapi"] != "3.0.3" {
		t.Fatalf("openapi json %v %v", m["openapi"], err)
	}
}

func TestSnapshotStream(t *testing.T) {
	f := newFixture(t, "", "")
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/fleet/snapshot/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	reader := bufio.NewReader(resp.Body)
	readView := func() query.View {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				var v query.View
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &v); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return v
			}
		}
	}
	first := readView()
	if first.Snapshot.Seq != 1 {
		t.Fatalf("first seq %d", first.Snapshot.Seq)
	}
	f.agg.Republish()
	if next := readView(); next.Snapshot.Seq != 2 {
		t.Fatalf("next seq %d", next.Snapshot.Seq)
	}
}
