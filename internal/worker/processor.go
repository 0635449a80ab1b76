package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"photobatch/internal/config"
	"photobatch/internal/models"
	"photobatch/internal/store"
	"photobatch/internal/telemetry"
)

// Queue is the lease queue the processor pulls job IDs from.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	VisibilityTimeout() time.Duration
	Ack(ctx context.Context, jobID string) error
	Schedule(ctx context.Context, jobID string, priority string, runAt time.Time) error
	DLQPush(ctx context.Context, jobID string) error
}

// JobStore persists job rows and their audit trail.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	SetWorkerID(ctx context.Context, id, workerID string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkDeadLetter(ctx context.Context, id string, lastError string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// RetryPolicy bounds how often a job type is attempted and how long to wait
// between attempts. A MaxDelay above Delay switches to jittered exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
}

func (r RetryPolicy) next(attempt int) time.Duration {
	if r.MaxDelay > r.Delay {
		return backoffWithJitter(r.Delay, r.MaxDelay, attempt)
	}
	return r.Delay
}

// Registration binds a job type to its handler and terminal hooks.
type Registration struct {
	Handle Handler
	Policy RetryPolicy
	// OnExhausted runs once the retry budget is spent, before the job is dead-lettered.
	OnExhausted func(ctx context.Context, job models.Job, cause error) error
	// OnSettled runs after every terminal outcome and must be idempotent: it is
	// repeated when a settled job is redelivered.
	OnSettled func(ctx context.Context, job models.Job) error
}

var defaultPolicy = RetryPolicy{MaxAttempts: 3, Delay: 30 * time.Second}

// ErrDeferred marks a job that cannot make progress yet. The processor
// reschedules it after the policy delay without spending an attempt.
var ErrDeferred = errors.New("job deferred")

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    JobStore
	handlers map[string]Registration
	workerID string
	log      zerolog.Logger
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q Queue, st JobStore, log zerolog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, st, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q Queue, st JobStore, log zerolog.Logger, workerID string) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Registration),
		workerID: workerID,
		log:      log.With().Str("component", "processor").Str("worker_id", workerID).Logger(),
		now:      time.Now,
	}
}

// Register binds a handler and its retry policy to a job type.
func (p *Processor) Register(jobType string, reg Registration) {
	if jobType == "" || reg.Handle == nil {
		return
	}
	p.handlers[jobType] = reg
}

// Run starts WorkerConcurrency loops and blocks until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.processNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("process next job")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// processNext performs housekeeping and runs at most one job. It reports whether a job was dequeued.
func (p *Processor) processNext(ctx context.Context) (bool, error) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.log.Warn().Err(err).Msg("promote scheduled jobs")
	}
	p.reclaimExpired(ctx, now)
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}
	if err != nil {
		// Lease stays in place and the job is redelivered after the visibility timeout.
		return true, fmt.Errorf("load job %s: %w", jobID, err)
	}

	reg, ok := p.handlers[job.Type]
	if !ok {
		reg = Registration{Handle: unhandled, Policy: defaultPolicy}
	}
	log := p.log.With().Str("job_id", job.ID).Str("type", job.Type).Logger()

	switch job.Status {
	case models.StatusCancelled:
		_ = p.queue.Ack(ctx, job.ID)
		return true, nil
	case models.StatusSucceeded, models.StatusDeadLetter:
		// Redelivered after its outcome was persisted: finish settling only.
		if err := p.settle(ctx, reg, job); err != nil {
			return true, err
		}
		_ = p.queue.Ack(ctx, job.ID)
		return true, nil
	}

	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusInProgress, job.Attempts, job.NextRunAt, nil)
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, job.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stop := p.heartbeat(ctx, job.ID)
	err = reg.Handle(ctx, job)
	stop()

	if err == nil {
		_ = p.store.MarkSuccess(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "succeeded", "worker completed job")
		telemetry.WorkerSuccess.WithLabelValues(job.Type).Inc()
		if err := p.settle(ctx, reg, job); err != nil {
			return true, err
		}
		_ = p.queue.Ack(ctx, job.ID)
		log.Debug().Msg("job succeeded")
		return true, nil
	}

	if errors.Is(err, ErrDeferred) {
		return true, p.deferJob(ctx, reg.Policy, job, now, err, log)
	}

	attempts := job.Attempts + 1
	if p.exhausted(reg.Policy, job, attempts) {
		_ = p.store.UpdateAttempts(ctx, job.ID, attempts, now, err.Error())
		if reg.OnExhausted != nil {
			if herr := reg.OnExhausted(ctx, job, err); herr != nil {
				return true, fmt.Errorf("exhaust job %s: %w", job.ID, herr)
			}
		}
		_ = p.store.MarkDeadLetter(ctx, job.ID, err.Error())
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.WithLabelValues(job.Type).Inc()
		log.Warn().Err(err).Int("attempts", attempts).Msg("job exhausted retries")
		if serr := p.settle(ctx, reg, job); serr != nil {
			return true, serr
		}
		_ = p.queue.Ack(ctx, job.ID)
		return true, nil
	}

	nextRun := now.Add(reg.Policy.next(attempts))
	_ = p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, err.Error())
	_ = p.queue.Ack(ctx, job.ID)
	if serr := p.queue.Schedule(ctx, job.ID, job.Priority, nextRun); serr != nil {
		return true, fmt.Errorf("schedule retry for %s: %w", job.ID, serr)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.WithLabelValues(job.Type).Inc()
	log.Info().Err(err).Int("attempts", attempts).Time("next_run", nextRun).Msg("job failed, retry scheduled")
	return true, nil
}

func (p *Processor) deferJob(ctx context.Context, policy RetryPolicy, job models.Job, now time.Time, cause error, log zerolog.Logger) error {
	delay := policy.Delay
	if delay <= 0 {
		delay = defaultPolicy.Delay
	}
	nextRun := now.Add(delay)
	msg := cause.Error()
	_ = p.store.UpdateJobStatus(ctx, job.ID, models.StatusQueued, job.Attempts, nextRun, &msg)
	_ = p.queue.Ack(ctx, job.ID)
	if err := p.queue.Schedule(ctx, job.ID, job.Priority, nextRun); err != nil {
		return fmt.Errorf("schedule deferred %s: %w", job.ID, err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "deferred", msg)
	telemetry.WorkerDeferred.WithLabelValues(job.Type).Inc()
	log.Info().Str("reason", msg).Time("next_run", nextRun).Msg("job deferred")
	return nil
}

func (p *Processor) exhausted(policy RetryPolicy, job models.Job, attempts int) bool {
	if job.MaxAttempts > 0 && attempts >= job.MaxAttempts {
		return true
	}
	return policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts
}

// settle runs the terminal hook. On failure the job is left leased so that
// redelivery repeats it.
func (p *Processor) settle(ctx context.Context, reg Registration, job models.Job) error {
	if reg.OnSettled == nil {
		return nil
	}
	if err := reg.OnSettled(ctx, job); err != nil {
		return fmt.Errorf("settle job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Processor) reclaimExpired(ctx context.Context, now time.Time) {
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		p.log.Warn().Err(err).Msg("requeue expired leases")
		return
	}
	for _, id := range reclaimed {
		job, err := p.store.GetJob(ctx, id)
		if err != nil || job.Status != models.StatusInProgress {
			continue
		}
		_ = p.store.UpdateJobStatus(ctx, id, models.StatusQueued, job.Attempts, now, job.LastError)
		p.log.Info().Str("job_id", id).Msg("reclaimed expired lease")
	}
}

// heartbeat keeps the lease alive while a handler runs.
func (p *Processor) heartbeat(ctx context.Context, jobID string) (stop func()) {
	lease := p.queue.VisibilityTimeout()
	if lease <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, jobID, lease); err != nil && hbCtx.Err() == nil {
					p.log.Warn().Err(err).Str("job_id", jobID).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func unhandled(_ context.Context, job models.Job) error {
	return fmt.Errorf("no handler registered for type %q", job.Type)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
