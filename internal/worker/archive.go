package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"photobatch/internal/models"
	"photobatch/internal/store"
	"photobatch/internal/telemetry"
)

// ErrEmptyBatch is returned when an archive is requested for a batch without photos.
var ErrEmptyBatch = errors.New("no photos in batch")

// BatchStore is the slice of the entity store the archive worker reads and writes.
type BatchStore interface {
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	ListBatchPhotos(ctx context.Context, batchID string) ([]models.Photo, error)
	ClaimArchive(ctx context.Context, id string) error
	CompleteArchive(ctx context.Context, id, archiveRef string) error
	FailArchive(ctx context.Context, id, msg string) error
	ResetArchive(ctx context.Context, id string, clearRef bool) error
}

// ObjectStore fetches originals and stores the assembled archive.
type ObjectStore interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
	Store(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// ArchiveKey is the deterministic object key of a batch archive.
func ArchiveKey(batchID string) string {
	return "batch_zips/" + batchID + ".zip"
}

// EntryName names a photo's original inside the archive.
func EntryName(p models.Photo) string {
	base := path.Base(strings.ReplaceAll(p.OriginalRef, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" {
		base = p.ID
	}
	return fmt.Sprintf("%s_%s.jpg", p.ID, base)
}

// ArchiveWorker assembles and publishes the ZIP of a batch's originals.
type ArchiveWorker struct {
	batches BatchStore
	objects ObjectStore
	tempDir string
	log     zerolog.Logger
}

// NewArchiveWorker wires the archive worker. An empty tempDir uses the OS default.
func NewArchiveWorker(batches BatchStore, objects ObjectStore, tempDir string, log zerolog.Logger) *ArchiveWorker {
	return &ArchiveWorker{
		batches: batches,
		objects: objects,
		tempDir: tempDir,
		log:     log.With().Str("component", "archive_worker").Logger(),
	}
}

// Registration returns the processor binding for archive jobs.
func (w *ArchiveWorker) Registration(policy RetryPolicy) Registration {
	return Registration{
		Handle:      w.Handle,
		Policy:      policy,
		OnExhausted: w.Exhausted,
	}
}

// Handle runs one attempt of an archive job.
func (w *ArchiveWorker) Handle(ctx context.Context, job models.Job) error {
	batchID := job.PayloadString("batch_id")
	if batchID == "" {
		return errors.New("archive job without batch_id")
	}
	return w.Run(ctx, batchID)
}

// Run re-derives the batch's photos from the store, streams every original into
// a ZIP and uploads it. Failures are persisted on the batch before returning.
func (w *ArchiveWorker) Run(ctx context.Context, batchID string) (err error) {
	log := w.log.With().Str("batch_id", batchID).Logger()

	if _, err := w.batches.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info().Msg("batch gone, skipping archive")
			return nil
		}
		return fmt.Errorf("load batch: %w", err)
	}
	if err := w.batches.ClaimArchive(ctx, batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("claim archive: %w", err)
	}

	defer func() {
		if err == nil || errors.Is(err, ErrDeferred) {
			return
		}
		if ferr := w.batches.FailArchive(ctx, batchID, err.Error()); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
			log.Error().Err(ferr).Msg("record archive failure")
		}
	}()

	photos, err := w.batches.ListBatchPhotos(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list photos: %w", err)
	}
	if len(photos) == 0 {
		return ErrEmptyBatch
	}
	// A preview re-driven after the barrier fired puts a photo back in flight.
	// Wait for it instead of spending the archive's retry budget.
	if waiting := unsettled(photos); waiting > 0 {
		if rerr := w.batches.ResetArchive(ctx, batchID, false); rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
			log.Warn().Err(rerr).Msg("return archive to pending")
		}
		return fmt.Errorf("%d photos still awaiting previews: %w", waiting, ErrDeferred)
	}

	tmp, err := os.CreateTemp(w.tempDir, "batch-*.zip")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	written, err := w.writeArchive(ctx, tmp, photos, log)
	if err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("size archive: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}

	ref, err := w.objects.Store(ctx, ArchiveKey(batchID), tmp, size, "application/zip")
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	if err := w.batches.CompleteArchive(ctx, batchID, ref); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Info().Msg("batch deleted mid-flight, dropping archive")
			return nil
		}
		return fmt.Errorf("persist archive: %w", err)
	}
	telemetry.ArchiveEntries.Observe(float64(written))
	log.Info().Str("archive_ref", ref).Int("entries", written).Int("photos", len(photos)).Msg("archive completed")
	return nil
}

func unsettled(photos []models.Photo) int {
	n := 0
	for _, p := range photos {
		if !models.IsTerminal(p.PreviewStatus) {
			n++
		}
	}
	return n
}

func (w *ArchiveWorker) writeArchive(ctx context.Context, dst io.Writer, photos []models.Photo, log zerolog.Logger) (int, error) {
	zw := zip.NewWriter(dst)
	written := 0
	for _, p := range photos {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return written, err
		}
		added, err := w.addEntry(ctx, zw, p, log)
		if err != nil {
			_ = zw.Close()
			return written, err
		}
		if added {
			written++
		}
	}
	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("finalize archive: %w", err)
	}
	return written, nil
}

// addEntry streams one original into the archive. A fetch failure skips the entry.
func (w *ArchiveWorker) addEntry(ctx context.Context, zw *zip.Writer, p models.Photo, log zerolog.Logger) (bool, error) {
	if p.OriginalRef == "" {
		return false, nil
	}
	rc, err := w.objects.Fetch(ctx, p.OriginalRef)
	if err != nil {
		telemetry.ArchiveSkipped.Inc()
		log.Warn().Err(err).Str("photo_id", p.ID).Msg("skipping original in archive")
		return false, nil
	}
	defer rc.Close()

	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     EntryName(p),
		Method:   zip.Deflate,
		Modified: p.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("create entry for %s: %w", p.ID, err)
	}
	if _, err := io.Copy(entry, rc); err != nil {
		return false, fmt.Errorf("stream original %s: %w", p.ID, err)
	}
	return true, nil
}

// Exhausted records the final diagnostic on the batch.
func (w *ArchiveWorker) Exhausted(ctx context.Context, job models.Job, cause error) error {
	batchID := job.PayloadString("batch_id")
	if batchID == "" {
		return nil
	}
	err := w.batches.FailArchive(ctx, batchID, cause.Error())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
