package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pixelmuse/genqueue/internal/domain"
	"github.com/pixelmuse/genqueue/internal/infra"
	"github.com/pixelmuse/genqueue/internal/reconciler"
)

// App bundles the handlers' dependencies.
type App struct {
	Jobs       domain.JobRepository
	Queue      domain.Queue
	Reconciler *reconciler.Reconciler
	Logger     infra.Logger
	CronSecret string
}

func NewApp(jobs domain.JobRepository, queue domain.Queue, rec *reconciler.Reconciler, logger infra.Logger, cronSecret string) *App {
	return &App{
		Jobs:       jobs,
		Queue:      queue,
		Reconciler: rec,
		Logger:     logger,
		CronSecret: cronSecret,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}
