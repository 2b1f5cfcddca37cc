package http

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mirrorsync/internal/handlers"
	"mirrorsync/internal/storage"
	"mirrorsync/internal/sync"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	DB          *sql.DB
	Connections storage.ConnectionStore
	Events      storage.SyncEventStore
	Engine      *sync.Engine
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(LoggerMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(CORS)

	webhookHandler := handlers.NewWebhookHandler(deps.Engine)
	connectionHandler := handlers.NewConnectionHandler(deps.Connections, deps.Events, deps.Engine)
	healthHandler := handlers.NewHealthHandler(deps.DB)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodPost, "/webhook", webhookHandler)
		r.Method(http.MethodGet, "/health", healthHandler)

		r.Route("/connections/{id}", func(r chi.Router) {
			r.Get("/", connectionHandler.Status)
			r.Delete("/", connectionHandler.Disconnect)
			r.Post("/sync", connectionHandler.SyncNow)
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
