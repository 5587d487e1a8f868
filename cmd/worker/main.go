package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixelmuse/genqueue/internal/adapter/repo"
	"github.com/pixelmuse/genqueue/internal/infra"
	"github.com/pixelmuse/genqueue/internal/provider"
	"github.com/pixelmuse/genqueue/internal/queue"
	"github.com/pixelmuse/genqueue/internal/worker"
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
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer rdb.Close()

	providerClient, err := provider.NewClient(provider.Options{
		BaseURL: cfg.ProviderBaseURL,
		Token:   cfg.ProviderToken,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure provider client")
	}

	jobs := repo.NewJobRepository(pool)
	jobQueue := queue.NewRedisQueue(rdb, cfg.LeaseTTL)

	webhookURL := ""
	if cfg.WebhookBaseURL != "" {
		webhookURL = cfg.WebhookBaseURL + "/v1/webhooks/provider"
	}

	w := worker.New(jobs, jobQueue, providerClient, logger, worker.Config{
		DequeueWait:     cfg.DequeueWait,
		PollInterval:    cfg.PollInterval,
		JobTimeout:      cfg.JobTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		ReclaimInterval: cfg.ReclaimInterval,
		WebhookURL:      webhookURL,
	})

	w.Start(ctx)
	<-ctx.Done()
	// Let the in-flight job finish before exiting; provider calls are
	// never aborted mid-flight.
	w.Stop(cfg.ShutdownGrace)
}
