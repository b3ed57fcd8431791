package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/fleetwatch/internal/api"
	"github.com/gaspardpetit/fleetwatch/internal/config"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/mcpserver"
	"github.com/gaspardpetit/fleetwatch/internal/metrics"
	"github.com/gaspardpetit/fleetwatch/internal/probe"
	"github.com/gaspardpetit/fleetwatch/internal/query"
	"github.com/gaspardpetit/fleetwatch/internal/serverstate"
)

// Deps are the running components the HTTP surface reads from.
type Deps struct {
	Query   *query.Service
	Fleet   api.Fleet
	Reports *probe.ReportStore
	Version string
}

// New constructs the HTTP handler for the daemon.
func New(cfg config.ServerConfig, deps Deps) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)
	if err := metrics.RegisterSnapshotAge(preg, func() float64 {
		return deps.Query.Status().AgeSeconds
	}); err != nil {
		logx.Log.Error().Err(err).Msg("register snapshot age metric")
	}

	h := &api.FleetHandler{Query: deps.Query, Fleet: deps.Fleet, Reports: deps.Reports}

	r.Get("/healthz", healthz)
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/openapi.json", api.OpenAPIHandler())
		ar.Route("/fleet", api.Routes(h, cfg.APIKey, cfg.ClientKey))
	})
	r.Group(func(g chi.Router) {
		g.Use(api.APIKeyMiddleware(cfg.APIKey))
		g.Handle("/mcp", mcpserver.NewHandler(deps.Query, deps.Version))
	})
	r.Get("/status", StatusHandler())

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}

// MetricsHandler serves the registry installed by New, for a separate
// metrics listener.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	st := serverstate.Active().Load()
	w.Header().Set("Content-Type", "application/json")
	if st.Status != serverstate.StatusReady || st.Draining {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = fmt.Fprintf(w, `{"status":%q,"time":%q}`, st.Status, time.Now().UTC().Format(time.RFC3339))
}
