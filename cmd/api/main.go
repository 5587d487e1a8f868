package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixelmuse/genqueue/internal/adapter/repo"
	"github.com/pixelmuse/genqueue/internal/http/handlers"
	"github.com/pixelmuse/genqueue/internal/http/httpapi"
	"github.com/pixelmuse/genqueue/internal/infra"
	"github.com/pixelmuse/genqueue/internal/provider"
	"github.com/pixelmuse/genqueue/internal/queue"
	"github.com/pixelmuse/genqueue/internal/reconciler"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: redis connection failed")
	}
	defer rdb.Close()

	providerClient, err := provider.NewClient(provider.Options{
		BaseURL: cfg.ProviderBaseURL,
		Token:   cfg.ProviderToken,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure provider client")
	}

	jobs := repo.NewJobRepository(pool)
	jobQueue := queue.NewRedisQueue(rdb, cfg.LeaseTTL)
	rec := reconciler.New(jobs, providerClient, logger, cfg.StaleAfter)

	app := handlers.NewApp(jobs, jobQueue, rec, logger, cfg.CronSecret)
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, logger))

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api: listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: server stopped with error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: forced shutdown")
	}
	logger.Info().Msg("api: stopped")
}
