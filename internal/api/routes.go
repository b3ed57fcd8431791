package api

import (
	"github.com/go-chi/chi/v5"
)

// Routes registers the /api/fleet endpoints. apiKey guards operator
// actions and clientKey guards agent self-report.
func Routes(h *FleetHandler, apiKey, clientKey string) func(chi.Router) {
	return func(fr chi.Router) {
		fr.Get("/snapshot", h.GetSnapshot)
		fr.Get("/snapshot/stream", h.GetSnapshotStream)
		fr.Get("/nodes", h.ListNodes)
		fr.Get("/nodes/{name}", h.GetNode)
		fr.With(APIKeyMiddleware(apiKey)).Delete("/nodes/{name}", h.DeleteNode)
		fr.With(ClientKeyMiddleware(clientKey)).Put("/nodes/{name}/capabilities", h.PutCapabilities)
		fr.Get("/connect", ConnectHandler(h.Fleet, h.Reports, clientKey))
		fr.With(ValidateRequest).Post("/route", h.PostRoute)
		fr.Get("/route/{node}", h.GetRoute)
	}
}
