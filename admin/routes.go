package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Routes builds the operator router
func (h *AdminHandlers) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// Probes
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/live", h.handleLive)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Get("/consistency", h.handleConsistency)
	r.Get("/deadletters", h.handleDeadLetters)

	// Mutating endpoints
	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Post("/consistency", h.handleConsistencyRun)
		r.Post("/deadletters/replay", h.handleReplay)
	})

	r.Get("/alerts/rules", h.handleAlertRules)

	return r
}

// requestLogger logs each request at debug level
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}
