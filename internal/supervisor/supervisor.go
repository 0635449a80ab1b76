package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"photobatch/internal/config"
	"photobatch/internal/health"
	"photobatch/internal/models"
	"photobatch/internal/store"
	"photobatch/internal/telemetry"
)

// Store is the slice of the entity store the supervisor sweeps.
type Store interface {
	ListPhotosByPreviewStatus(ctx context.Context, status string, limit int) ([]models.Photo, error)
	ListStalePreviews(ctx context.Context, before time.Time, limit int) ([]models.Photo, error)
	ListBatchesByZipStatus(ctx context.Context, status string, limit int) ([]models.Batch, error)
	ListStaleArchives(ctx context.Context, before time.Time, limit int) ([]models.Batch, error)
	Stats(ctx context.Context) (store.ProcessingStats, error)
}

// Dispatcher re-drives previews and archives.
type Dispatcher interface {
	SchedulePreviewGeneration(ctx context.Context, photoID string) (string, error)
	RedispatchStalePreview(ctx context.Context, photoID string) (string, error)
	ScheduleZipGeneration(ctx context.Context, batchID string) (string, error)
}

// CacheSweeper removes derived cache entries.
type CacheSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Supervisor periodically re-enqueues failed and stale work.
type Supervisor struct {
	cfg        config.Config
	store      Store
	dispatcher Dispatcher
	cache      CacheSweeper
	log        zerolog.Logger
	now        func() time.Time
}

// New wires a supervisor. cache may be nil.
func New(cfg config.Config, st Store, dispatcher Dispatcher, cache CacheSweeper, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		cache:      cache,
		log:        log.With().Str("component", "supervisor").Logger(),
		now:        time.Now,
	}
}

func (s *Supervisor) limit(limit int) int {
	if limit > 0 {
		return limit
	}
	if s.cfg.SupervisorBatchSize > 0 {
		return s.cfg.SupervisorBatchSize
	}
	return 50
}

// RetryFailedPreviews resets up to limit failed photos to pending and
// dispatches a fresh preview job for each. It never schedules archives.
func (s *Supervisor) RetryFailedPreviews(ctx context.Context, limit int) (int, error) {
	photos, err := s.store.ListPhotosByPreviewStatus(ctx, models.ProcessingFailed, s.limit(limit))
	if err != nil {
		return 0, err
	}
	n := s.redrivePhotos(ctx, photos, "failed_preview", s.dispatcher.SchedulePreviewGeneration)
	s.log.Info().Int("retried_count", n).Int("candidates", len(photos)).Msg("retried failed previews")
	return n, ctx.Err()
}

// RetryFailedArchives reschedules up to limit batches whose archive failed.
func (s *Supervisor) RetryFailedArchives(ctx context.Context, limit int) (int, error) {
	batches, err := s.store.ListBatchesByZipStatus(ctx, models.ProcessingFailed, s.limit(limit))
	if err != nil {
		return 0, err
	}
	n := s.redriveBatches(ctx, batches, "failed_archive")
	s.log.Info().Int("retried_count", n).Int("candidates", len(batches)).Msg("retried failed archives")
	return n, ctx.Err()
}

// ResetStalePreviews re-dispatches photos claimed longer than olderThan ago
// whose worker never reported back.
func (s *Supervisor) ResetStalePreviews(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	photos, err := s.store.ListStalePreviews(ctx, s.now().Add(-s.staleAfter(olderThan)), s.limit(limit))
	if err != nil {
		return 0, err
	}
	n := s.redrivePhotos(ctx, photos, "stale_preview", s.dispatcher.RedispatchStalePreview)
	if n > 0 {
		s.log.Warn().Int("reset_count", n).Msg("reset stale previews")
	}
	return n, ctx.Err()
}

// ResetStaleArchives reschedules batches stuck in processing.
func (s *Supervisor) ResetStaleArchives(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	batches, err := s.store.ListStaleArchives(ctx, s.now().Add(-s.staleAfter(olderThan)), s.limit(limit))
	if err != nil {
		return 0, err
	}
	n := s.redriveBatches(ctx, batches, "stale_archive")
	if n > 0 {
		s.log.Warn().Int("reset_count", n).Msg("reset stale archives")
	}
	return n, ctx.Err()
}

func (s *Supervisor) staleAfter(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if s.cfg.StaleProcessingAfter > 0 {
		return s.cfg.StaleProcessingAfter
	}
	return 30 * time.Minute
}

func (s *Supervisor) redrivePhotos(ctx context.Context, photos []models.Photo, kind string, dispatch func(context.Context, string) (string, error)) int {
	n := 0
	for _, p := range photos {
		if ctx.Err() != nil {
			break
		}
		if _, err := dispatch(ctx, p.ID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Error().Err(err).Str("photo_id", p.ID).Str("kind", kind).Msg("re-dispatch preview")
			}
			continue
		}
		telemetry.SupervisorResets.WithLabelValues(kind).Inc()
		n++
	}
	return n
}

func (s *Supervisor) redriveBatches(ctx context.Context, batches []models.Batch, kind string) int {
	n := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		id, err := s.dispatcher.ScheduleZipGeneration(ctx, b.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Error().Err(err).Str("batch_id", b.ID).Str("kind", kind).Msg("re-dispatch archive")
			}
			continue
		}
		if id == "" {
			continue
		}
		telemetry.SupervisorResets.WithLabelValues(kind).Inc()
		n++
	}
	return n
}

// SweepCache drops cached batch preview lookups.
func (s *Supervisor) SweepCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	n, err := s.cache.Sweep(ctx)
	if err != nil {
		return n, err
	}
	s.log.Info().Int("deleted", n).Msg("swept preview cache")
	return n, nil
}

// Health evaluates the pipeline and publishes the result as a gauge.
func (s *Supervisor) Health(ctx context.Context) (health.Report, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return health.Report{}, err
	}
	report := health.Check(stats)
	for _, status := range []string{health.StatusHealthy, health.StatusDegraded, health.StatusUnhealthy} {
		v := 0.0
		if status == report.Status {
			v = 1
		}
		telemetry.HealthStatus.WithLabelValues(status).Set(v)
	}
	ev := s.log.Info()
	if report.Status != health.StatusHealthy {
		ev = s.log.Warn()
	}
	ev.Str("status", report.Status).Strs("issues", report.Issues).Msg("health check")
	return report, nil
}

// Sweep runs one full supervisor pass.
func (s *Supervisor) Sweep(ctx context.Context) {
	if _, err := s.ResetStalePreviews(ctx, 0, 0); err != nil {
		s.log.Error().Err(err).Msg("reset stale previews")
	}
	if _, err := s.ResetStaleArchives(ctx, 0, 0); err != nil {
		s.log.Error().Err(err).Msg("reset stale archives")
	}
	if _, err := s.RetryFailedPreviews(ctx, 0); err != nil {
		s.log.Error().Err(err).Msg("retry failed previews")
	}
	if _, err := s.Health(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check")
	}
}

// Run sweeps every SupervisorInterval and clears the cache every
// CacheSweepInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.cfg.SupervisorInterval
	if interval <= 0 {
		interval = time.Hour
	}
	cacheInterval := s.cfg.CacheSweepInterval
	if cacheInterval <= 0 {
		cacheInterval = 24 * time.Hour
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	cacheTick := time.NewTicker(cacheInterval)
	defer cacheTick.Stop()

	s.log.Info().Dur("interval", interval).Dur("cache_interval", cacheInterval).Msg("supervisor started")
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			s.Sweep(ctx)
		case <-cacheTick.C:
			if _, err := s.SweepCache(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep preview cache")
			}
		}
	}
}
