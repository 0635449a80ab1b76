package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"photobatch/internal/models"
)

const batchColumns = `id, title, description, category, price_cents, archive_ref, zip_status, zip_error, zip_claimed_at, created_at, updated_at`

// CreateBatchParams collects the sellable metadata of a new batch.
type CreateBatchParams struct {
	Title       string
	Description string
	Category    string
	PriceCents  int64
}

// CreateBatch inserts an empty batch in pending archive state.
func (s *Store) CreateBatch(ctx context.Context, p CreateBatchParams) (models.Batch, error) {
	if p.Category == "" {
		p.Category = "other"
	}
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, title, description, category, price_cents, zip_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, b.ID, b.Title, b.Description, b.Category, b.PriceCents, b.ZipStatus, now)
	if err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return b, nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return b, err
}

// DeleteBatch removes a batch; its photos go with it.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return affected(tag, "batch", id)
}

// ListBatchesByZipStatus returns up to limit batches in the given archive status, oldest first.
func (s *Store) ListBatchesByZipStatus(ctx context.Context, status string, limit int) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches WHERE zip_status = $1 ORDER BY created_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches by status: %w", err)
	}
	return collectBatches(rows)
}

// ListStaleArchives returns batches stuck in processing since before the cutoff.
func (s *Store) ListStaleArchives(ctx context.Context, before time.Time, limit int) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE zip_status = $1 AND (zip_claimed_at IS NULL OR zip_claimed_at < $2)
		ORDER BY zip_claimed_at NULLS FIRST LIMIT $3
	`, models.ProcessingActive, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale batches: %w", err)
	}
	return collectBatches(rows)
}

func collectBatches(rows pgx.Rows) ([]models.Batch, error) {
	defer rows.Close()
	var out []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// ClaimArchive moves a batch into processing.
func (s *Store) ClaimArchive(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET zip_status = $2, zip_claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.ProcessingActive)
	if err != nil {
		return fmt.Errorf("claim archive: %w", err)
	}
	return affected(tag, "batch", id)
}

// CompleteArchive stores the uploaded archive reference and clears any prior error.
func (s *Store) CompleteArchive(ctx context.Context, id, archiveRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET zip_status = $2, archive_ref = $3, zip_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.ProcessingCompleted, archiveRef)
	if err != nil {
		return fmt.Errorf("complete archive: %w", err)
	}
	return affected(tag, "batch", id)
}

// FailArchive marks the archive as failed with a diagnostic.
func (s *Store) FailArchive(ctx context.Context, id, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET zip_status = $2, zip_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.ProcessingFailed, msg)
	if err != nil {
		return fmt.Errorf("fail archive: %w", err)
	}
	return affected(tag, "batch", id)
}

// ResetArchive returns a batch to pending. clearRef drops the published archive,
// used when the batch composition changed.
func (s *Store) ResetArchive(ctx context.Context, id string, clearRef bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches
		SET zip_status = $2, zip_error = NULL, zip_claimed_at = NULL,
		    archive_ref = CASE WHEN $3 THEN NULL ELSE archive_ref END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, models.ProcessingPending, clearRef)
	if err != nil {
		return fmt.Errorf("reset archive: %w", err)
	}
	return affected(tag, "batch", id)
}

func scanBatch(row pgx.Row) (models.Batch, error) {
	var b models.Batch
	var archiveRef, zipErr pgtype.Text
	var claimed pgtype.Timestamptz
	if err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Category, &b.PriceCents, &archiveRef, &b.ZipStatus, &zipErr, &claimed, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Batch{}, err
		}
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	b.ArchiveRef = textPtr(archiveRef)
	b.ZipError = textPtr(zipErr)
	b.ZipClaimedAt = timePtr(claimed)
	return b, nil
}
