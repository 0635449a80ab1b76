package main

import (
	"context"
	"fmt"
	"time"

	"photobatch/internal/cache"
	"photobatch/internal/config"
	"photobatch/internal/health"
	"photobatch/internal/ingest"
	"photobatch/internal/logging"
	"photobatch/internal/pipeline"
	"photobatch/internal/queue"
	"photobatch/internal/storage"
	"photobatch/internal/store"
	"photobatch/internal/supervisor"
)

type maintenance interface {
	RetryFailedPreviews(ctx context.Context, limit int) (int, error)
	RetryFailedArchives(ctx context.Context, limit int) (int, error)
	ResetStalePreviews(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	ResetStaleArchives(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	SweepCache(ctx context.Context) (int, error)
	Health(ctx context.Context) (health.Report, error)
}

type submitter interface {
	SubmitBatch(ctx context.Context, batchID string, photoIDs []string) (string, error)
}

type publisher interface {
	Publish(ctx context.Context, ev ingest.UploadEvent) error
}

// services are the pipeline handles a command needs. Fields are only valid
// until close is called.
type services struct {
	maintenance maintenance
	submitter   submitter
	publisher   publisher
	close       func()
}

type commandContext struct {
	open func(ctx context.Context) (*services, error)
}

func newCommandContext(open func(ctx context.Context) (*services, error)) *commandContext {
	return &commandContext{open: open}
}

func (c *commandContext) withServices(ctx context.Context, fn func(*services) error) error {
	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	if svc.close != nil {
		defer svc.close()
	}
	return fn(svc)
}

func openServices(ctx context.Context) (*services, error) {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	objects, err := storage.New(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	client := queue.NewRedisClient(cfg)
	q := queue.NewRedisQueue(client, cfg)
	if err := q.Ping(ctx); err != nil {
		st.Close()
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	previews := cache.New(client, cfg.CacheTTL)
	orch := pipeline.NewOrchestrator(cfg, st, q, objects, previews, log)

	svc := &services{
		maintenance: supervisor.New(cfg, st, orch, previews, log),
		submitter:   orch,
	}
	var pub *ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		pub = ingest.NewPublisher(cfg)
		svc.publisher = pub
	}
	svc.close = func() {
		if pub != nil {
			_ = pub.Close()
		}
		_ = client.Close()
		st.Close()
	}
	return svc, nil
}
