package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

const maxReportBytes = 1 << 20

// Report is the capability document a node publishes about itself. The
// field names follow the model-load-optimizer plugin block of openclaw.json.
type Report struct {
	OllamaHost         string   `json:"ollamaHost,omitempty"`
	PrimaryModel       string   `json:"primaryModel,omitempty"`
	SidecarModel       string   `json:"sidecarModel,omitempty"`
	FallbackModel      string   `json:"fallbackModel,omitempty"`
	GPUMemoryThreshold float64  `json:"gpuMemoryThreshold,omitempty"`
	GPUVendor          string   `json:"gpuVendor,omitempty"`
	VRAMGB             *float64 `json:"vramGb,omitempty"`
	HasCompileWorker   bool     `json:"hasCompileWorker,omitempty"`
	Models             []string `json:"models,omitempty"`
}

// ParseReport decodes a JSON or JSONC capability document. The document may
// be the plugin block itself or a whole openclaw.json whose plugin block
// sits under plugins.model-load-optimizer.
func ParseReport(data []byte) (Report, error) {
	clean := jsonc.ToJSON(data)
	var wrapped struct {
		Plugins map[string]json.RawMessage `json:"plugins"`
	}
	if err := json.Unmarshal(clean, &wrapped); err == nil {
		if raw, ok := wrapped.Plugins["model-load-optimizer"]; ok {
			clean = raw
		}
	}
	var r Report
	if err := json.Unmarshal(clean, &r); err != nil {
		return Report{}, fmt.Errorf("capability report: %w", err)
	}
	return r, nil
}

// Capabilities converts the report into node capabilities. A VRAM figure
// (vramGb, else gpuMemoryThreshold) without a gpuVendor is taken as declared
// capacity; a vendor that is named but not recognised stays Unknown and
// does not count.
func (r Report) Capabilities() fleet.Capabilities {
	vram := r.GPUMemoryThreshold
	if r.VRAMGB != nil {
		vram = *r.VRAMGB
	}
	vendor := fleet.ParseGPUVendor(r.GPUVendor)
	if strings.TrimSpace(r.GPUVendor) == "" && vram > 0 {
		vendor = fleet.VendorDeclared
	}
	return fleet.Capabilities{
		CompileWorker: r.HasCompileWorker,
		HasGPU:        vram > 0 || r.GPUVendor != "",
		VRAMGB:        vram,
		GPUVendor:     vendor,
		PrimaryModel:  r.PrimaryModel,
		SidecarModel:  r.SidecarModel,
		FallbackModel: r.FallbackModel,
		ServesLAN:     servesLAN(r.OllamaHost),
	}
}

// ReportFromCapabilities builds the document a node agent sends.
func ReportFromCapabilities(c fleet.Capabilities, ollamaHost string) Report {
	r := Report{
		OllamaHost:       ollamaHost,
		PrimaryModel:     c.PrimaryModel,
		SidecarModel:     c.SidecarModel,
		FallbackModel:    c.FallbackModel,
		HasCompileWorker: c.CompileWorker,
	}
	if c.HasGPU {
		v := c.VRAMGB
		r.VRAMGB = &v
		r.GPUVendor = string(c.GPUVendor)
	}
	return r
}

// servesLAN reports whether an Ollama host URL listens beyond loopback.
func servesLAN(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return false
	}
	h := u.Hostname()
	if h == "" || strings.EqualFold(h, "localhost") {
		return false
	}
	if ip := net.ParseIP(h); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

// ReportStore keeps the last capability document each node pushed.
type ReportStore struct {
	mu      sync.RWMutex
	reports map[string]Report
}

// NewReportStore returns an empty store.
func NewReportStore() *ReportStore {
	return &ReportStore{reports: make(map[string]Report)}
}

func (s *ReportStore) Put(node string, r Report) {
	s.mu.Lock()
	s.reports[node] = r
	s.mu.Unlock()
}

func (s *ReportStore) Get(node string) (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[node]
	return r, ok
}

func (s *ReportStore) Delete(node string) {
	s.mu.Lock()
	delete(s.reports, node)
	s.mu.Unlock()
}

// Names returns the nodes with a stored report, sorted.
func (s *ReportStore) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.reports))
	for k := range s.reports {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// FetchReport downloads and parses a capability document from url.
func FetchReport(ctx context.Context, client *http.Client, u string) (Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Report{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Report{}, classify(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Report{}, fmt.Errorf("%w: %d", fleet.ErrProbeStatus, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReportBytes))
	if err != nil {
		return Report{}, err
	}
	return ParseReport(data)
}
