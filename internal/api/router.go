package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, h.requestLogger, middleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.instrument)
	}

	r.Get("/v1/health", h.Health)

	r.Route("/v1/staged", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Enqueue)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(wellFormedID)
			r.Get("/", h.GetOne)
			r.Post("/cancel", h.intent(h.queue.Cancel))
			r.Post("/pause", h.intent(h.queue.Pause))
			r.Post("/resume", h.intent(h.queue.Resume))
			r.Post("/send-now", h.intent(h.queue.SendNow))
			r.Post("/retry", h.intent(h.queue.Retry))
			r.Put("/content", h.UpdateContent)
			r.Put("/countdown", h.UpdateCountdown)
		})
	})

	r.Get("/v1/notices", h.Notices)
	r.With(wellFormedID).Get("/v1/receipts/{id}", h.Receipt)

	r.Get("/v1/checkpoint/status", h.CheckpointStatus)
	r.Post("/v1/checkpoint/start", h.CheckpointStart)
	r.Post("/v1/checkpoint/stop", h.CheckpointStop)

	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("staged-messaging"))
	})

	return r
}
