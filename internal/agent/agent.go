// Package agent runs on each fleet machine. It probes the local GPU,
// merges an optional capability document, and reports to the daemon over
// the self-report WebSocket. It also serves the status endpoint the daemon
// probes for liveness.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/gaspardpetit/fleetwatch/internal/config"
	"github.com/gaspardpetit/fleetwatch/internal/ctrl"
	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/probe"
	"github.com/gaspardpetit/fleetwatch/internal/reconnect"
)

// ErrRejected is returned when the daemon refuses the registration.
var ErrRejected = errors.New("registration rejected")

// State is what the status endpoint reports.
type State struct {
	Node          string       `json:"node"`
	Status        string       `json:"status"`
	Connected     bool         `json:"connected"`
	Platform      string       `json:"platform,omitempty"`
	Report        probe.Report `json:"report"`
	LastReportAt  time.Time    `json:"last_report_at,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// ModelLister lists the models installed in the local inference server.
type ModelLister interface {
	Tags(ctx context.Context) ([]string, error)
}

// Agent reports this machine's capabilities to fleetwatch.
type Agent struct {
	cfg    config.AgentConfig
	gpu    probe.GPUProber
	runner probe.Runner
	// Models, when set, fills the installed model list of each report.
	Models ModelLister

	mu    sync.RWMutex
	state State
	sent  *probe.Report
}

// New returns an agent using gpu for local probing and runner for tool
// discovery.
func New(cfg config.AgentConfig, gpu probe.GPUProber, runner probe.Runner) *Agent {
	return &Agent{
		cfg:    cfg,
		gpu:    gpu,
		runner: runner,
		state:  State{Node: cfg.NodeName, Status: "starting"},
	}
}

// State returns a copy of the agent state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) update(fn func(*State)) {
	a.mu.Lock()
	fn(&a.state)
	a.mu.Unlock()
}

// BuildReport probes the local machine and merges the capability file.
// GPU probe failures leave the GPU fields empty rather than failing.
func (a *Agent) BuildReport(ctx context.Context) (probe.Report, error) {
	caps := fleet.Capabilities{GPUVendor: fleet.VendorUnknown}
	if a.gpu != nil {
		reading, err := a.gpu.ProbeGPU(ctx)
		switch {
		case err != nil:
			logx.Log.Debug().Err(err).Msg("local gpu probe")
		case reading.Found():
			caps = reading.Apply(caps)
		}
	}
	if a.runner != nil {
		caps.CompileWorker = probe.HasCompileWorker(a.runner)
	}
	rep := probe.ReportFromCapabilities(caps, a.cfg.OllamaHost)
	if a.Models != nil {
		models, err := a.Models.Tags(ctx)
		if err != nil {
			logx.Log.Debug().Err(err).Str("host", a.cfg.OllamaHost).Msg("list ollama models")
		} else {
			rep.Models = models
		}
	}
	if a.cfg.CapabilityFile == "" {
		return rep, nil
	}
	data, err := os.ReadFile(a.cfg.CapabilityFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, nil
		}
		return rep, fmt.Errorf("capability file: %w", err)
	}
	file, err := probe.ParseReport(data)
	if err != nil {
		return rep, err
	}
	return Merge(rep, file), nil
}

// Merge overlays the non-empty fields of file onto probed. A declared VRAM
// figure wins over the probed one.
func Merge(probed, file probe.Report) probe.Report {
	out := probed
	if file.OllamaHost != "" {
		out.OllamaHost = file.OllamaHost
	}
	if file.PrimaryModel != "" {
		out.PrimaryModel = file.PrimaryModel
	}
	if file.SidecarModel != "" {
		out.SidecarModel = file.SidecarModel
	}
	if file.FallbackModel != "" {
		out.FallbackModel = file.FallbackModel
	}
	if file.GPUMemoryThreshold > 0 {
		out.GPUMemoryThreshold = file.GPUMemoryThreshold
	}
	if file.GPUVendor != "" {
		out.GPUVendor = file.GPUVendor
	}
	if file.VRAMGB != nil {
		v := *file.VRAMGB
		out.VRAMGB = &v
	}
	if len(file.Models) > 0 {
		out.Models = append([]string(nil), file.Models...)
	}
	out.HasCompileWorker = out.HasCompileWorker || file.HasCompileWorker
	return out
}

// Platform describes the host, e.g. "linux ubuntu 24.04".
func Platform(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s %s %s", info.OS, info.Platform, info.PlatformVersion)
}

// Run serves the status endpoint and keeps a connection to the daemon
// until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.update(func(s *State) { s.Platform = Platform(ctx) })
	if a.cfg.StatusAddr != "" {
		srv := &http.Server{Addr: a.cfg.StatusAddr, Handler: a.StatusHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Str("addr", a.cfg.StatusAddr).Msg("status server")
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logx.Log.Info().Str("addr", a.cfg.StatusAddr).Msg("status endpoint listening")
	}
	return reconnect.Run(ctx, a.cfg.Reconnect, func(ctx context.Context) (bool, error) {
		connected, err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return connected, nil
		}
		if err != nil {
			a.update(func(s *State) { s.LastError = err.Error(); s.Status = "disconnected" })
			logx.Log.Warn().Err(err).Str("server", a.cfg.ServerURL).Msg("connection to fleetwatch lost")
		}
		return connected, err
	})
}

func (a *Agent) connectAndServe(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := &websocket.DialOptions{}
	if a.cfg.ClientKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + a.cfg.ClientKey}}
	}
	ws, _, err := websocket.Dial(connCtx, a.cfg.ServerURL, opts)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "closing")
	}()

	rep, err := a.BuildReport(connCtx)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("building capability report")
	}
	st := a.State()
	reg := ctrl.RegisterMessage{
		Type:      ctrl.TypeRegister,
		ClientKey: a.cfg.ClientKey,
		Node:      a.cfg.NodeName,
		Address:   a.cfg.Address,
		Role:      a.cfg.Role,
		Priority:  a.cfg.Priority,
		Platform:  st.Platform,
		Report:    rep,
	}
	if err := wsjson.Write(connCtx, ws, reg); err != nil {
		return false, err
	}
	var ack struct {
		Type    string `json:"type"`
		Source  string `json:"source"`
		Message string `json:"message"`
	}
	if err := wsjson.Read(connCtx, ws, &ack); err != nil {
		return false, err
	}
	if ack.Type != ctrl.TypeRegistered {
		return false, fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}
	a.markSent(rep)
	a.update(func(s *State) { s.Connected = true; s.Status = "connected"; s.LastError = "" })
	defer a.update(func(s *State) { s.Connected = false })
	logx.Log.Info().Str("server", a.cfg.ServerURL).Str("node", a.cfg.NodeName).Str("source", ack.Source).Msg("registered with fleetwatch")

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := ws.Read(connCtx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	hb := time.NewTicker(positive(a.cfg.HeartbeatInterval, 10*time.Second))
	defer hb.Stop()
	pr := time.NewTicker(positive(a.cfg.ProbeInterval, time.Minute))
	defer pr.Stop()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("server closed connection")
			}
			return true, err
		case t := <-hb.C:
			if err := wsjson.Write(connCtx, ws, ctrl.HeartbeatMessage{Type: ctrl.TypeHeartbeat, TS: t.Unix()}); err != nil {
				return true, err
			}
			a.update(func(s *State) { s.LastHeartbeat = t })
		case <-pr.C:
			if err := a.sendIfChanged(connCtx, ws); err != nil {
				return true, err
			}
		}
	}
}

// sendIfChanged probes again and sends a capability_update only when the
// report differs from the last one the daemon acknowledged.
func (a *Agent) sendIfChanged(ctx context.Context, ws *websocket.Conn) error {
	rep, err := a.BuildReport(ctx)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("building capability report")
	}
	if !a.changed(rep) {
		return nil
	}
	if err := wsjson.Write(ctx, ws, ctrl.CapabilityUpdateMessage{Type: ctrl.TypeCapabilityUpdate, Report: rep}); err != nil {
		return err
	}
	a.markSent(rep)
	logx.Log.Info().Str("node", a.cfg.NodeName).Msg("capabilities changed; update sent")
	return nil
}

func (a *Agent) changed(rep probe.Report) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sent == nil || !reflect.DeepEqual(*a.sent, rep)
}

func (a *Agent) markSent(rep probe.Report) {
	a.mu.Lock()
	a.sent = &rep
	a.state.Report = rep
	a.state.LastReportAt = time.Now()
	a.mu.Unlock()
}

func positive(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
