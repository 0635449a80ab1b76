package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"photobatch/internal/api"
	"photobatch/internal/cache"
	"photobatch/internal/config"
	"photobatch/internal/ingest"
	"photobatch/internal/logging"
	"photobatch/internal/pipeline"
	"photobatch/internal/queue"
	"photobatch/internal/ratelimit"
	"photobatch/internal/storage"
	"photobatch/internal/store"
	"photobatch/internal/supervisor"
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
	orch := pipeline.NewOrchestrator(cfg, st, q, objects, previews, log)
	sup := supervisor.New(cfg, st, orch, previews, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("supervisor stopped")
		}
	}()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := ingest.NewConsumer(cfg, orch, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("ingest stopped")
			}
		}()
	} else {
		log.Info().Msg("KAFKA_BROKERS not set, upload event ingestion disabled")
	}

	limiter := ratelimit.NewTokenBucket(client, cfg.RenderRateCapacity, cfg.RenderRateRefill, time.Hour)
	server := api.New(orch, st, q, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("ops api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
}
