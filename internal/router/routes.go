package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	v1 "github.com/tinoosan/shelfsync/api/v1"
	"github.com/tinoosan/shelfsync/internal/auth"
)

// Pinger reports whether a backing dependency is ready to serve.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyTimeout = 2 * time.Second

// New sets up the application routes and required middleware. A nil ready
// makes /readyz always succeed.
func New(logger *slog.Logger, h *v1.Handler, token string, ready Pinger) *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Error("write healthz response", "err", err)
		}
	}).Methods("GET")

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := ready.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods("GET")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Use(v1.RequestID)
	r.Use(h.Log)
	r.Use(auth.Middleware(token))

	api := r.PathPrefix("/v1").Subrouter()

	// Item-scoped routes carry the parsed item id in the context.
	items := api.PathPrefix("/items/{item}").Subrouter()
	items.Use(h.MiddlewareItemID)
	items.HandleFunc("/download", h.GetDownload).Methods("GET")
	items.HandleFunc("/download", h.AddDownload).Methods("POST")
	items.HandleFunc("/download", h.DeleteDownload).Methods("DELETE")
	items.HandleFunc("/progress", h.GetProgress).Methods("GET")
	items.HandleFunc("/progress", h.PatchProgress).Methods("PATCH")
	items.HandleFunc("/progress", h.DeleteProgress).Methods("DELETE")

	// Sessions
	api.HandleFunc("/sessions", h.StartSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/tick", h.TickSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/pause", h.PauseSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", h.EndSession).Methods("DELETE")

	// Operations
	post := api.Methods("POST").Subrouter()
	post.HandleFunc("/reconcile", h.Reconcile)
	post.HandleFunc("/sync", h.Sync)

	api.HandleFunc("/events", h.Events).Methods("GET")

	return r
}
