package agent

import (
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/fleetwatch/internal/logx"
)

// StatusHandler serves /status, which fleetwatch probes for liveness, and
// /capabilities, a capability document usable as a node capability_url.
func (a *Agent) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.State())
	})
	mux.HandleFunc("/capabilities", func(w http.ResponseWriter, r *http.Request) {
		rep, err := a.BuildReport(r.Context())
		if err != nil {
			logx.Log.Warn().Err(err).Msg("building capability report")
		}
		writeJSON(w, rep)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode status")
	}
}
