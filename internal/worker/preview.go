package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"photobatch/internal/models"
	"photobatch/internal/queue"
	"photobatch/internal/render"
	"photobatch/internal/store"
	"photobatch/internal/telemetry"
)

// Renderer produces a watermarked preview for an original asset.
type Renderer interface {
	RenderPreview(ctx context.Context, originalRef string, wm render.WatermarkSpec) (string, error)
}

// Limiter throttles calls to a shared downstream service.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// CacheInvalidator drops cached lookups derived from a batch's previews.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, batchID string) error
}

// BarrierReleaser releases one member of a batch's fan-in barrier.
type BarrierReleaser interface {
	ReleaseBarrier(ctx context.Context, barrierID, member string) (queue.BarrierRelease, error)
}

// PhotoStore is the slice of the entity store the preview worker writes.
type PhotoStore interface {
	GetPhoto(ctx context.Context, id string) (models.Photo, error)
	ClaimPreview(ctx context.Context, id string) error
	CompletePreview(ctx context.Context, id, previewRef string) error
	RecordPreviewError(ctx context.Context, id, msg string) error
	FailPreview(ctx context.Context, id, msg string) error
}

const rendererLimitKey = "ratelimit:renderer"

// PreviewWorker renders the watermarked preview for a single photo.
type PreviewWorker struct {
	photos    PhotoStore
	renderer  Renderer
	cache     CacheInvalidator
	barrier   BarrierReleaser
	limiter   Limiter
	watermark render.WatermarkSpec
	log       zerolog.Logger
}

// NewPreviewWorker wires the preview worker. limiter may be nil.
func NewPreviewWorker(photos PhotoStore, renderer Renderer, cache CacheInvalidator, barrier BarrierReleaser, limiter Limiter, log zerolog.Logger) *PreviewWorker {
	return &PreviewWorker{
		photos:    photos,
		renderer:  renderer,
		cache:     cache,
		barrier:   barrier,
		limiter:   limiter,
		watermark: render.DefaultWatermark(),
		log:       log.With().Str("component", "preview_worker").Logger(),
	}
}

// Registration returns the processor binding for preview jobs.
func (w *PreviewWorker) Registration(policy RetryPolicy) Registration {
	return Registration{
		Handle:      w.Handle,
		Policy:      policy,
		OnExhausted: w.Exhausted,
		OnSettled:   w.Settled,
	}
}

// Handle runs one attempt of a preview job.
func (w *PreviewWorker) Handle(ctx context.Context, job models.Job) error {
	photoID := job.PayloadString("photo_id")
	if photoID == "" {
		return errors.New("preview job without photo_id")
	}
	return w.Run(ctx, photoID)
}

// Run claims the photo, renders its preview and persists the result. A photo
// that no longer exists is a no-op.
func (w *PreviewWorker) Run(ctx context.Context, photoID string) error {
	log := w.log.With().Str("photo_id", photoID).Logger()

	photo, err := w.photos.GetPhoto(ctx, photoID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Msg("photo gone, skipping preview")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load photo: %w", err)
	}
	if err := w.photos.ClaimPreview(ctx, photoID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, rendererLimitKey); err != nil {
			return w.attemptFailed(ctx, photoID, fmt.Errorf("wait for renderer: %w", err))
		}
		telemetry.RateLimitWaits.Inc()
	}

	ref, err := w.renderer.RenderPreview(ctx, photo.OriginalRef, w.watermark)
	if err != nil {
		return w.attemptFailed(ctx, photoID, fmt.Errorf("render preview: %w", err))
	}

	if err := w.photos.CompletePreview(ctx, photoID, ref); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info().Msg("photo deleted mid-flight, dropping preview")
			return nil
		}
		return fmt.Errorf("persist preview: %w", err)
	}
	if err := w.cache.Invalidate(ctx, photo.BatchID); err != nil {
		log.Warn().Err(err).Str("batch_id", photo.BatchID).Msg("invalidate batch preview cache")
	}
	log.Info().Str("preview_ref", ref).Msg("preview completed")
	return nil
}

func (w *PreviewWorker) attemptFailed(ctx context.Context, photoID string, cause error) error {
	if err := w.photos.RecordPreviewError(ctx, photoID, cause.Error()); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.log.Warn().Err(err).Str("photo_id", photoID).Msg("record preview error")
	}
	return cause
}

// Exhausted marks the photo failed once the retry budget is spent.
func (w *PreviewWorker) Exhausted(ctx context.Context, job models.Job, cause error) error {
	photoID := job.PayloadString("photo_id")
	if photoID == "" {
		return nil
	}
	err := w.photos.FailPreview(ctx, photoID, cause.Error())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Settled releases the photo from its batch barrier. Jobs dispatched outside a
// batch submission carry no batch_id and never touch a barrier.
func (w *PreviewWorker) Settled(ctx context.Context, job models.Job) error {
	batchID := job.PayloadString("batch_id")
	photoID := job.PayloadString("photo_id")
	if batchID == "" || photoID == "" {
		return nil
	}
	rel, err := w.barrier.ReleaseBarrier(ctx, batchID, photoID)
	if err != nil {
		return err
	}
	if rel.Fired {
		telemetry.BarrierFired.Inc()
		w.log.Info().Str("batch_id", batchID).Str("archive_job_id", rel.CallbackJobID).Msg("all previews settled, archive dispatched")
	}
	return nil
}
