package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"photobatch/internal/cache"
	"photobatch/internal/config"
	"photobatch/internal/logging"
	"photobatch/internal/models"
	"photobatch/internal/queue"
	"photobatch/internal/ratelimit"
	"photobatch/internal/render"
	"photobatch/internal/storage"
	"photobatch/internal/store"
	"photobatch/internal/telemetry"
	workerproc "photobatch/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init object storage")
	}

	client := queue.NewRedisClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)
	previews := cache.New(client, cfg.CacheTTL)
	limiter := ratelimit.NewTokenBucket(client, cfg.RenderRateCapacity, cfg.RenderRateRefill, time.Hour)

	var renderer workerproc.Renderer
	if cfg.RendererURL != "" {
		renderer = render.NewHTTP(cfg.RendererURL, cfg.RenderTimeout)
	} else {
		local, err := render.NewLocal(objects, cfg.FetchMaxBytes)
		if err != nil {
			log.Fatal().Err(err).Msg("init renderer")
		}
		renderer = local
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, st, log, workerID)

	previewWorker := workerproc.NewPreviewWorker(st, renderer, previews, q, limiter, log)
	processor.Register(models.JobTypePreview, previewWorker.Registration(workerproc.RetryPolicy{
		MaxAttempts: cfg.PreviewMaxAttempts,
		Delay:       cfg.PreviewRetryDelay,
	}))
	archiveWorker := workerproc.NewArchiveWorker(st, objects, os.TempDir(), log)
	processor.Register(models.JobTypeArchive, archiveWorker.Registration(workerproc.RetryPolicy{
		MaxAttempts: cfg.ArchiveMaxAttempts,
		Delay:       cfg.ArchiveRetryDelay,
	}))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Int("concurrency", cfg.WorkerConcurrency).
		Bool("remote_renderer", cfg.RendererURL != "").
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
