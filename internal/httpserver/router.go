package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"medlit-assistant/internal/handlers"
	"medlit-assistant/internal/metrics"
	"medlit-assistant/internal/middleware"
)

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, research *handlers.ResearchHandler) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(2 * 1024 * 1024)) // 2 MB max body

	// routes; generation endpoints get a longer deadline than the rest
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(90 * time.Second))
			r.Post("/intent", research.AnalyzeIntent)
			r.Post("/intent/batch", research.AnalyzeIntentBatch)
			r.Get("/models", research.ListModels)
			r.Get("/stats", research.Stats)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(5 * time.Minute))
			r.Post("/review/outline", research.GenerateOutline)
			r.Post("/review/article", research.GenerateArticle)
		})
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
