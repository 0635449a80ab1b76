package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"photobatch/internal/config"
	"photobatch/internal/models"
	"photobatch/internal/queue"
	"photobatch/internal/store"
	"photobatch/internal/telemetry"
)

var (
	// ErrInvalidSubmission is returned when a batch submission references photos that cannot be processed.
	ErrInvalidSubmission = errors.New("invalid batch submission")
	// ErrArchiveNotReady is returned when a download is requested before the archive exists.
	ErrArchiveNotReady = errors.New("archive not ready")
)

// EntityStore is the slice of the store the orchestrator needs.
type EntityStore interface {
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	CountBatchPhotos(ctx context.Context, batchID string) (int, error)
	ListBatchPhotos(ctx context.Context, batchID string) ([]models.Photo, error)
	ResetArchive(ctx context.Context, id string, clearRef bool) error
	CreatePhoto(ctx context.Context, batchID, originalRef string) (models.Photo, error)
	GetPhoto(ctx context.Context, id string) (models.Photo, error)
	DeletePhoto(ctx context.Context, id string) (models.Photo, error)
	ResetPreview(ctx context.Context, id string) error
	FailPreview(ctx context.Context, id, msg string) error
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	MarkCancelled(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// JobQueue dispatches jobs and installs fan-in barriers.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
	RegisterBarrier(ctx context.Context, barrierID, callbackJobID, priority string, members []string) (string, error)
	ReleaseBarrier(ctx context.Context, barrierID, member string) (queue.BarrierRelease, error)
}

// URLSigner issues time-limited download URLs for stored assets.
type URLSigner interface {
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// PreviewLookup caches the representative preview of a batch.
type PreviewLookup interface {
	Lookup(ctx context.Context, batchID string, load func(ctx context.Context) (string, error)) (string, error)
}

// Orchestrator fans batches out into preview jobs and schedules archives.
type Orchestrator struct {
	cfg    config.Config
	store  EntityStore
	queue  JobQueue
	signer URLSigner
	cache  PreviewLookup
	log    zerolog.Logger
}

func NewOrchestrator(cfg config.Config, st EntityStore, q JobQueue, signer URLSigner, cache PreviewLookup, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		store:  st,
		queue:  q,
		signer: signer,
		cache:  cache,
		log:    log.With().Str("component", "orchestrator").Logger(),
	}
}

// SubmitBatch dispatches one preview job per photo and registers the barrier
// that releases the batch's archive job once every preview has settled. It
// returns the archive job ID as correlation handle; an empty photo list is a
// no-op. Submitting again while a barrier is open joins that barrier.
func (o *Orchestrator) SubmitBatch(ctx context.Context, batchID string, photoIDs []string) (string, error) {
	ids := dedupe(photoIDs)
	if len(ids) == 0 {
		return "", nil
	}
	if _, err := o.store.GetBatch(ctx, batchID); err != nil {
		return "", fmt.Errorf("submit batch: %w", err)
	}
	for _, id := range ids {
		p, err := o.store.GetPhoto(ctx, id)
		if err != nil {
			return "", fmt.Errorf("submit batch %s: %w", batchID, err)
		}
		if p.BatchID != batchID {
			return "", fmt.Errorf("photo %s belongs to batch %s: %w", id, p.BatchID, ErrInvalidSubmission)
		}
		if p.OriginalRef == "" {
			return "", fmt.Errorf("photo %s has no original: %w", id, ErrInvalidSubmission)
		}
	}

	// The archive job exists before any preview can finish, but stays waiting
	// until the barrier pushes it onto the ready queue.
	archive, err := o.store.CreateJob(ctx, store.CreateJobParams{
		Type:        models.JobTypeArchive,
		Priority:    queue.PriorityHigh,
		Payload:     map[string]any{"batch_id": batchID},
		MaxAttempts: o.cfg.ArchiveMaxAttempts,
		Status:      models.StatusWaiting,
	})
	if err != nil {
		return "", fmt.Errorf("create archive job: %w", err)
	}
	handle, err := o.queue.RegisterBarrier(ctx, batchID, archive.ID, queue.PriorityHigh, ids)
	if err != nil {
		o.cancelJob(ctx, archive.ID, "barrier registration failed")
		return "", err
	}
	if handle != archive.ID {
		o.cancelJob(ctx, archive.ID, "superseded", "joined open barrier of job "+handle)
	} else {
		o.audit(ctx, archive.ID, "waiting", fmt.Sprintf("barrier of %d previews", len(ids)))
	}

	for i, id := range ids {
		if _, err := o.dispatchPreview(ctx, id, batchID); err != nil {
			o.abandonPreviews(ctx, batchID, ids[i:], err)
			return handle, err
		}
	}
	o.log.Info().Str("batch_id", batchID).Int("photos", len(ids)).Str("archive_job_id", handle).Msg("batch submitted")
	return handle, nil
}

func (o *Orchestrator) dispatchPreview(ctx context.Context, photoID, batchID string) (string, error) {
	payload := map[string]any{"photo_id": photoID}
	if batchID != "" {
		payload["batch_id"] = batchID
	}
	job, err := o.store.CreateJob(ctx, store.CreateJobParams{
		Type:        models.JobTypePreview,
		Priority:    queue.PriorityDefault,
		Payload:     payload,
		MaxAttempts: o.cfg.PreviewMaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("create preview job for %s: %w", photoID, err)
	}
	if err := o.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		o.cancelJob(ctx, job.ID, "enqueue failed", err.Error())
		return "", fmt.Errorf("enqueue preview job for %s: %w", photoID, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(job.Type).Inc()
	return job.ID, nil
}

// abandonPreviews settles photos whose preview job never reached the queue.
// They are marked failed so the supervisor re-drives them, and released from
// the barrier so the rest of the batch can still reach its archive.
func (o *Orchestrator) abandonPreviews(ctx context.Context, batchID string, photoIDs []string, cause error) {
	for _, id := range photoIDs {
		o.failUndispatched(ctx, id, cause)
		rel, err := o.queue.ReleaseBarrier(ctx, batchID, id)
		if err != nil {
			o.log.Error().Err(err).Str("batch_id", batchID).Str("photo_id", id).Msg("release undispatched preview")
			continue
		}
		if rel.Fired {
			telemetry.BarrierFired.Inc()
		}
	}
	o.log.Warn().Err(cause).Str("batch_id", batchID).Int("abandoned", len(photoIDs)).Msg("batch submission interrupted")
}

func (o *Orchestrator) failUndispatched(ctx context.Context, photoID string, cause error) {
	err := o.store.FailPreview(ctx, photoID, "dispatch preview: "+cause.Error())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.log.Error().Err(err).Str("photo_id", photoID).Msg("mark undispatched preview failed")
	}
}

func (o *Orchestrator) cancelJob(ctx context.Context, jobID, event string, detail ...string) {
	if err := o.store.MarkCancelled(ctx, jobID); err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("cancel job")
	}
	o.audit(ctx, jobID, event, strings.Join(detail, "; "))
}

func (o *Orchestrator) audit(ctx context.Context, jobID, event, detail string) {
	if err := o.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		o.log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("append audit")
	}
}

// ScheduleZipGeneration resets the batch archive to pending and enqueues an
// archive job. A batch without photos is left untouched.
func (o *Orchestrator) ScheduleZipGeneration(ctx context.Context, batchID string) (string, error) {
	if _, err := o.store.GetBatch(ctx, batchID); err != nil {
		return "", fmt.Errorf("schedule archive: %w", err)
	}
	n, err := o.store.CountBatchPhotos(ctx, batchID)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if err := o.store.ResetArchive(ctx, batchID, false); err != nil {
		return "", err
	}
	job, err := o.store.CreateJob(ctx, store.CreateJobParams{
		Type:        models.JobTypeArchive,
		Priority:    queue.PriorityHigh,
		Payload:     map[string]any{"batch_id": batchID},
		MaxAttempts: o.cfg.ArchiveMaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("create archive job: %w", err)
	}
	if err := o.queue.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		o.cancelJob(ctx, job.ID, "enqueue failed", err.Error())
		return "", fmt.Errorf("enqueue archive job: %w", err)
	}
	telemetry.EnqueueCounter.WithLabelValues(job.Type).Inc()
	o.log.Info().Str("batch_id", batchID).Str("job_id", job.ID).Msg("archive scheduled")
	return job.ID, nil
}

// SchedulePreviewGeneration resets one photo to pending and dispatches a
// standalone preview job that does not take part in any barrier.
func (o *Orchestrator) SchedulePreviewGeneration(ctx context.Context, photoID string) (string, error) {
	return o.redispatch(ctx, photoID, false)
}

// RedispatchStalePreview re-runs a preview whose worker vanished. The job joins
// the batch barrier so a batch waiting on the lost job can still settle.
func (o *Orchestrator) RedispatchStalePreview(ctx context.Context, photoID string) (string, error) {
	return o.redispatch(ctx, photoID, true)
}

func (o *Orchestrator) redispatch(ctx context.Context, photoID string, joinBarrier bool) (string, error) {
	p, err := o.store.GetPhoto(ctx, photoID)
	if err != nil {
		return "", fmt.Errorf("schedule preview: %w", err)
	}
	if p.OriginalRef == "" {
		return "", nil
	}
	if err := o.store.ResetPreview(ctx, photoID); err != nil {
		return "", err
	}
	batchID := ""
	if joinBarrier {
		batchID = p.BatchID
	}
	jobID, err := o.dispatchPreview(ctx, photoID, batchID)
	if err != nil {
		if joinBarrier {
			o.abandonPreviews(ctx, batchID, []string{photoID}, err)
		} else {
			o.failUndispatched(ctx, photoID, err)
		}
		return "", err
	}
	return jobID, nil
}

// AddPhoto attaches a new original to a batch. The published archive no longer
// matches the batch, so it is dropped and rebuilt once the new preview settles.
func (o *Orchestrator) AddPhoto(ctx context.Context, batchID, originalRef string) (models.Photo, error) {
	p, err := o.store.CreatePhoto(ctx, batchID, originalRef)
	if err != nil {
		return models.Photo{}, err
	}
	if err := o.store.ResetArchive(ctx, batchID, true); err != nil {
		return p, err
	}
	if _, err := o.SubmitBatch(ctx, batchID, []string{p.ID}); err != nil {
		return p, err
	}
	return p, nil
}

// RemovePhoto deletes a photo and rebuilds the batch archive without it.
func (o *Orchestrator) RemovePhoto(ctx context.Context, photoID string) error {
	p, err := o.store.DeletePhoto(ctx, photoID)
	if err != nil {
		return err
	}
	if err := o.store.ResetArchive(ctx, p.BatchID, true); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = o.ScheduleZipGeneration(ctx, p.BatchID)
	return err
}

// IsPreviewReady reports whether the photo's preview can be served.
func (o *Orchestrator) IsPreviewReady(ctx context.Context, photoID string) (bool, error) {
	p, err := o.store.GetPhoto(ctx, photoID)
	if err != nil {
		return false, err
	}
	return p.PreviewReady(), nil
}

// IsZipReady reports whether the batch archive can be handed to a buyer.
func (o *Orchestrator) IsZipReady(ctx context.Context, batchID string) (bool, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	return b.ZipReady(), nil
}

// ArchiveURL returns a signed download URL for a completed archive.
func (o *Orchestrator) ArchiveURL(ctx context.Context, batchID string) (string, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	if !b.ZipReady() {
		return "", fmt.Errorf("batch %s: %w", batchID, ErrArchiveNotReady)
	}
	return o.signer.SignedURL(ctx, *b.ArchiveRef, o.cfg.SignedURLTTL)
}

// BatchPreviewURL returns a signed URL of the first ready preview in the
// batch, or "" when none is ready yet. The preview reference is cached until a
// preview of the batch completes.
func (o *Orchestrator) BatchPreviewURL(ctx context.Context, batchID string) (string, error) {
	ref, err := o.cache.Lookup(ctx, batchID, func(ctx context.Context) (string, error) {
		photos, err := o.store.ListBatchPhotos(ctx, batchID)
		if err != nil {
			return "", err
		}
		for _, p := range photos {
			if p.PreviewReady() {
				return *p.PreviewRef, nil
			}
		}
		return "", nil
	})
	if err != nil || ref == "" {
		return "", err
	}
	return o.signer.SignedURL(ctx, ref, o.cfg.SignedURLTTL)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
