package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pixelmuse/genqueue/internal/http/handlers"
	"github.com/pixelmuse/genqueue/internal/infra"
	"github.com/pixelmuse/genqueue/internal/middleware"
)

func NewRouter(app *handlers.App, logger infra.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		middleware.Logger(logger),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.CreateJob)
		r.Get("/{id}", app.GetJob)
	})

	r.Post("/v1/webhooks/provider", app.ProviderWebhook)
	r.Get("/v1/cron/cleanup", app.CronCleanup)

	return r
}
