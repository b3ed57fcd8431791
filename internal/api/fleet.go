// Package api implements the fleetwatch reporting API: snapshot reads, the
// snapshot event stream, node self-report, and routing queries.
package api

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/probe"
	"github.com/gaspardpetit/fleetwatch/internal/query"
	"github.com/gaspardpetit/fleetwatch/internal/registry"
)

const maxBodyBytes = 1 << 20

// Fleet is the part of the health aggregator the API mutates.
type Fleet interface {
	Registry() *registry.Registry
	Republish() *fleet.Snapshot
	Deregister(name string) bool
}

// FleetHandler serves the /api/fleet endpoints.
type FleetHandler struct {
	Query   *query.Service
	Fleet   Fleet
	Reports *probe.ReportStore
	// StreamInterval is how often the snapshot stream checks for a new
	// snapshot. Zero means two seconds.
	StreamInterval time.Duration
}

// RouteRequest is the body of POST /api/fleet/route.
type RouteRequest struct {
	RequestingNodeID string `json:"requestingNodeID"`
	WorkloadHint     string `json:"workloadHint,omitempty"`
}

// GetSnapshot returns the latest snapshot with its age.
func (h *FleetHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Query.Status())
}

// GetSnapshotStream streams snapshot views as Server-Sent Events. The
// current view is sent immediately, then every time a new snapshot is
// published.
func (h *FleetHandler) GetSnapshotStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	every := h.StreamInterval
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var lastSeq uint64
	var lastAt time.Time
	send := func(force bool) bool {
		view := h.Query.Status()
		if view.Snapshot == nil {
			return true
		}
		if !force && view.Snapshot.Seq == lastSeq && view.Snapshot.PublishedAt.Equal(lastAt) {
			return true
		}
		lastSeq, lastAt = view.Snapshot.Seq, view.Snapshot.PublishedAt
		b, _ := json.Marshal(view)
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(true) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send(false) {
				return
			}
		}
	}
}

// ListNodes returns the nodes of the latest snapshot.
func (h *FleetHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := []fleet.Node{}
	if snap := h.Query.Status().Snapshot; snap != nil && snap.Nodes != nil {
		nodes = snap.Nodes
	}
	writeJSON(w, http.StatusOK, nodes)
}

// GetNode returns one node of the latest snapshot.
func (h *FleetHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	n, err := h.Query.Node(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DeleteNode removes a node from the registry and republishes.
func (h *FleetHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.Fleet.Deregister(name) {
		writeError(w, http.StatusNotFound, fleet.ErrUnknownNode.Error())
		return
	}
	if h.Reports != nil {
		h.Reports.Delete(name)
	}
	logx.Log.Info().Str("node", name).Str("remote_addr", r.RemoteAddr).Msg("node removed by operator")
	w.WriteHeader(http.StatusNoContent)
}

// PutCapabilities accepts a JSON or JSONC capability report for a node.
// Unknown nodes are rejected unless an address query parameter is given,
// in which case the node is registered as discovered.
func (h *FleetHandler) PutCapabilities(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := probe.ParseReport(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reg := h.Fleet.Registry()
	if _, ok := reg.Get(name); !ok {
		addr := r.URL.Query().Get("address")
		if addr == "" {
			writeError(w, http.StatusNotFound, fleet.ErrUnknownNode.Error())
			return
		}
		reg.Register(fleet.Node{Name: name, Address: addr, Role: fleet.RoleWorker, Source: fleet.SourceDiscovered})
	}
	applyReport(h.Fleet, h.Reports, name, rep)
	n, _ := reg.Get(name)
	writeJSON(w, http.StatusOK, n)
}

// GetRoute answers GET /api/fleet/route/{node}?hint=.
func (h *FleetHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	var node string
	err := runtime.BindStyledParameterWithOptions("simple", "node", chi.URLParam(r, "node"), &node,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid node: "+err.Error())
		return
	}
	var hint string
	if err := runtime.BindQueryParameter("form", true, false, "hint", r.URL.Query(), &hint); err != nil {
		writeError(w, http.StatusBadRequest, "invalid hint: "+err.Error())
		return
	}
	h.route(w, node, hint)
}

// PostRoute answers POST /api/fleet/route. The body is validated against
// the OpenAPI document before it reaches this handler.
func (h *FleetHandler) PostRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.RequestingNodeID == "" {
		writeError(w, http.StatusBadRequest, "requestingNodeID is required")
		return
	}
	h.route(w, req.RequestingNodeID, req.WorkloadHint)
}

func (h *FleetHandler) route(w http.ResponseWriter, node, hint string) {
	if err := h.Query.ValidateHint(hint); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Query.Route(node, hint))
}

// applyReport stores a self-reported capability document and folds it into
// the registry right away so the next snapshot reflects it.
func applyReport(f Fleet, reports *probe.ReportStore, name string, rep probe.Report) {
	if reports != nil {
		reports.Put(name, rep)
	}
	reg := f.Registry()
	if !reg.SetCapabilities(name, rep.Capabilities()) {
		return
	}
	reg.Touch(name, time.Now())
	f.Republish()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
