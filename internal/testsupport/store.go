package testsupport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"photobatch/internal/models"
	"photobatch/internal/store"
)

// MemStore is an in-memory stand-in for the Postgres store with the same
// not-found semantics. It is safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	seq     int
	batches map[string]models.Batch
	photos  map[string]models.Photo
	order   map[string]int
	jobs    map[string]models.Job
	audit   []models.AuditLog
	workers map[string]string
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		batches: make(map[string]models.Batch),
		photos:  make(map[string]models.Photo),
		order:   make(map[string]int),
		jobs:    make(map[string]models.Job),
		workers: make(map[string]string),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

func strPtr(s string) *string { return &s }

// CreateBatch inserts an empty batch in pending archive state.
func (m *MemStore) CreateBatch(_ context.Context, p store.CreateBatchParams) (models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	b := models.Batch{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		PriceCents:  p.PriceCents,
		ZipStatus:   models.ProcessingPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.Validate(nil); err != nil {
		return models.Batch{}, err
	}
	m.batches[b.ID] = b
	return b, nil
}

func (m *MemStore) GetBatch(_ context.Context, id string) (models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return models.Batch{}, notFound("batch", id)
	}
	return b, nil
}

// DeleteBatch removes a batch and cascades to its photos.
func (m *MemStore) DeleteBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[id]; !ok {
		return notFound("batch", id)
	}
	delete(m.batches, id)
	for pid, p := range m.photos {
		if p.BatchID == id {
			delete(m.photos, pid)
		}
	}
	return nil
}

func (m *MemStore) ListBatchesByZipStatus(_ context.Context, status string, limit int) ([]models.Batch, error) {
	return m.filterBatches(func(b models.Batch) bool { return b.ZipStatus == status }, limit), nil
}

func (m *MemStore) ListStaleArchives(_ context.Context, before time.Time, limit int) ([]models.Batch, error) {
	return m.filterBatches(func(b models.Batch) bool {
		return b.ZipStatus == models.ProcessingActive && (b.ZipClaimedAt == nil || b.ZipClaimedAt.Before(before))
	}, limit), nil
}

func (m *MemStore) filterBatches(keep func(models.Batch) bool, limit int) []models.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Batch
	for _, b := range m.batches {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemStore) updateBatch(id string, fn func(*models.Batch)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return notFound("batch", id)
	}
	fn(&b)
	b.UpdatedAt = time.Now().UTC()
	m.batches[id] = b
	return nil
}

func (m *MemStore) ClaimArchive(_ context.Context, id string) error {
	return m.updateBatch(id, func(b *models.Batch) {
		now := time.Now().UTC()
		b.ZipStatus = models.ProcessingActive
		b.ZipClaimedAt = &now
	})
}

func (m *MemStore) CompleteArchive(_ context.Context, id, archiveRef string) error {
	return m.updateBatch(id, func(b *models.Batch) {
		b.ZipStatus = models.ProcessingCompleted
		b.ArchiveRef = strPtr(archiveRef)
		b.ZipError = nil
	})
}

func (m *MemStore) FailArchive(_ context.Context, id, msg string) error {
	return m.updateBatch(id, func(b *models.Batch) {
		b.ZipStatus = models.ProcessingFailed
		b.ZipError = strPtr(msg)
	})
}

func (m *MemStore) ResetArchive(_ context.Context, id string, clearRef bool) error {
	return m.updateBatch(id, func(b *models.Batch) {
		b.ZipStatus = models.ProcessingPending
		b.ZipError = nil
		b.ZipClaimedAt = nil
		if clearRef {
			b.ArchiveRef = nil
		}
	})
}

// CreatePhoto inserts a pending photo. The batch must exist.
func (m *MemStore) CreatePhoto(_ context.Context, batchID, originalRef string) (models.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if originalRef == "" {
		return models.Photo{}, fmt.Errorf("original reference is required")
	}
	if _, ok := m.batches[batchID]; !ok {
		return models.Photo{}, notFound("batch", batchID)
	}
	p := models.Photo{
		ID:            uuid.New().String(),
		BatchID:       batchID,
		OriginalRef:   originalRef,
		PreviewStatus: models.ProcessingPending,
		CreatedAt:     time.Now().UTC(),
	}
	m.seq++
	m.order[p.ID] = m.seq
	m.photos[p.ID] = p
	return p, nil
}

func (m *MemStore) GetPhoto(_ context.Context, id string) (models.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return models.Photo{}, notFound("photo", id)
	}
	return p, nil
}

func (m *MemStore) DeletePhoto(_ context.Context, id string) (models.Photo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return models.Photo{}, notFound("photo", id)
	}
	delete(m.photos, id)
	return p, nil
}

func (m *MemStore) ListBatchPhotos(_ context.Context, batchID string) ([]models.Photo, error) {
	return m.filterPhotos(func(p models.Photo) bool { return p.BatchID == batchID }, 0), nil
}

func (m *MemStore) CountBatchPhotos(ctx context.Context, batchID string) (int, error) {
	photos, _ := m.ListBatchPhotos(ctx, batchID)
	return len(photos), nil
}

func (m *MemStore) ListPhotosByPreviewStatus(_ context.Context, status string, limit int) ([]models.Photo, error) {
	return m.filterPhotos(func(p models.Photo) bool { return p.PreviewStatus == status }, limit), nil
}

func (m *MemStore) ListStalePreviews(_ context.Context, before time.Time, limit int) ([]models.Photo, error) {
	return m.filterPhotos(func(p models.Photo) bool {
		return p.PreviewStatus == models.ProcessingActive && (p.PreviewClaimedAt == nil || p.PreviewClaimedAt.Before(before))
	}, limit), nil
}

func (m *MemStore) filterPhotos(keep func(models.Photo) bool, limit int) []models.Photo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Photo
	for _, p := range m.photos {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemStore) updatePhoto(id string, fn func(*models.Photo)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return notFound("photo", id)
	}
	fn(&p)
	m.photos[id] = p
	return nil
}

func (m *MemStore) ClaimPreview(_ context.Context, id string) error {
	return m.updatePhoto(id, func(p *models.Photo) {
		now := time.Now().UTC()
		p.PreviewStatus = models.ProcessingActive
		p.PreviewRef = nil
		p.PreviewClaimedAt = &now
	})
}

func (m *MemStore) CompletePreview(_ context.Context, id, previewRef string) error {
	return m.updatePhoto(id, func(p *models.Photo) {
		p.PreviewStatus = models.ProcessingCompleted
		p.PreviewRef = strPtr(previewRef)
		p.PreviewError = nil
	})
}

func (m *MemStore) RecordPreviewError(_ context.Context, id, msg string) error {
	return m.updatePhoto(id, func(p *models.Photo) { p.PreviewError = strPtr(msg) })
}

func (m *MemStore) FailPreview(_ context.Context, id, msg string) error {
	return m.updatePhoto(id, func(p *models.Photo) {
		p.PreviewStatus = models.ProcessingFailed
		p.PreviewRef = nil
		p.PreviewError = strPtr(msg)
	})
}

func (m *MemStore) ResetPreview(_ context.Context, id string) error {
	return m.updatePhoto(id, func(p *models.Photo) {
		p.PreviewStatus = models.ProcessingPending
		p.PreviewRef = nil
		p.PreviewClaimedAt = nil
	})
}

// SetPhoto overwrites a stored photo, letting tests arrange arbitrary states.
func (m *MemStore) SetPhoto(p models.Photo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.order[p.ID]; !ok {
		m.seq++
		m.order[p.ID] = m.seq
	}
	m.photos[p.ID] = p
}

// SetBatch overwrites a stored batch.
func (m *MemStore) SetBatch(b models.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
}

// Stats aggregates status counts like the Postgres implementation.
func (m *MemStore) Stats(_ context.Context) (store.ProcessingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := store.ProcessingStats{Photos: map[string]int{}, Batches: map[string]int{}}
	for _, p := range m.photos {
		out.Photos[p.PreviewStatus]++
	}
	for _, b := range m.batches {
		out.Batches[b.ZipStatus]++
	}
	return out, nil
}

// CreateJob inserts a job row with the same defaults as the Postgres store.
func (m *MemStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.Status == "" {
		p.Status = models.StatusQueued
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.New().String(),
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      p.Status,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, notFound("job", id)
	}
	return job, nil
}

func (m *MemStore) updateJob(id string, fn func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *MemStore) UpdateJobStatus(_ context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	return m.updateJob(id, func(j *models.Job) {
		j.Status = status
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = lastError
	})
}

func (m *MemStore) SetWorkerID(_ context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[id] = workerID
	return nil
}

func (m *MemStore) MarkSuccess(_ context.Context, id string) error {
	return m.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusSucceeded
		j.LastError = nil
	})
}

func (m *MemStore) MarkCancelled(_ context.Context, id string) error {
	return m.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusCancelled
		j.LastError = nil
	})
}

func (m *MemStore) MarkDeadLetter(_ context.Context, id string, lastError string) error {
	return m.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusDeadLetter
		j.LastError = strPtr(lastError)
	})
}

func (m *MemStore) UpdateAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	return m.updateJob(id, func(j *models.Job) {
		j.Status = models.StatusQueued
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = strPtr(lastErr)
	})
}

func (m *MemStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

// JobsOfType returns every job of the given type.
func (m *MemStore) JobsOfType(jobType string) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AuditEvents returns the events recorded for a job, oldest first.
func (m *MemStore) AuditEvents(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a.Event)
		}
	}
	return out
}
