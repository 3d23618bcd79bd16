package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rcpx/rcpx/internal/storage"
)

// statsResponse is the /v1/stats payload, a trimmed-down counterpart to the
// teacher's JSON API handlers: no auth, no domain resources, just enough
// for an operator's curl/monitoring probe.
type statsResponse struct {
	ActiveConnections uint64 `json:"active_connections"`
	TotalConnections  uint64 `json:"total_connections"`
	WAL               any    `json:"wal"`
}

// HTTPRouter builds the health/stats surface, following the teacher's
// Router() construction (middleware stack, /v1 route group) scaled down to
// two read-only endpoints.
func HTTPRouter(srv *Server, store *storage.Storage) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(statsResponse{
				ActiveConnections: uint64(srv.ActiveConnections()),
				TotalConnections:  srv.TotalConnections(),
				WAL:               store.WAL.Stats(),
			})
		})
	})

	return r
}
