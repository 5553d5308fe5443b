package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/fingermatch/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	matchHandler := handlers.NewMatchHandler(s.config, s.store, s.jobManager, s.logger)
	compareHandler := handlers.NewCompareHandler(s.config, s.store, s.logger)
	configHandler := handlers.NewConfigHandler(s.config)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/config", configHandler.Get)

		// Match jobs (long-running corpus scans)
		r.Get("/match", matchHandler.List)
		r.Post("/match", matchHandler.Start)
		r.Get("/match/{jobId}", matchHandler.Status)
		r.Get("/match/{jobId}/events", matchHandler.Events)
		r.Get("/match/{jobId}/overlay.png", matchHandler.Overlay)
		r.Delete("/match/{jobId}", matchHandler.Cancel)

		r.Post("/compare", compareHandler.Compare)
	})
}
