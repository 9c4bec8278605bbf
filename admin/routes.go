package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	// Status & topology (auth required)
	r.With(chiAuthMiddleware).Get("/status", handlers.handleStatus)
	r.With(chiAuthMiddleware).Get("/topics", handlers.handleTopics)

	// Connection control
	r.With(chiAuthMiddleware).Post("/reconnect", handlers.handleReconnect)

	// Notifications
	r.Route("/notifications", func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/", handlers.handleNotifications)
		r.Post("/read-all", handlers.handleMarkAllRead)
		r.Post("/{id}/read", handlers.markReadByID)
	})

	// Built-in cache
	r.Route("/cache", func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/stats", handlers.handleCacheStats)
		r.Post("/invalidate", handlers.handleCacheInvalidate)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}

func (h *AdminHandlers) markReadByID(w http.ResponseWriter, r *http.Request) {
	h.handleMarkRead(w, r, chi.URLParam(r, "id"))
}
