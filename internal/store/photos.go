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

const photoColumns = `id, batch_id, original_ref, preview_ref, preview_status, preview_error, preview_claimed_at, created_at`

// CreatePhoto inserts a photo in pending state for an accepted original asset.
func (s *Store) CreatePhoto(ctx context.Context, batchID, originalRef string) (models.Photo, error) {
	if originalRef == "" {
		return models.Photo{}, errors.New("original reference is required")
	}
	p := models.Photo{
		ID:            uuid.New().String(),
		BatchID:       batchID,
		OriginalRef:   originalRef,
		PreviewStatus: models.ProcessingPending,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO photos (id, batch_id, original_ref, preview_status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.BatchID, p.OriginalRef, p.PreviewStatus, p.CreatedAt)
	if err != nil {
		return models.Photo{}, fmt.Errorf("insert photo: %w", err)
	}
	return p, nil
}

// GetPhoto fetches a photo by id.
func (s *Store) GetPhoto(ctx context.Context, id string) (models.Photo, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, id)
	p, err := scanPhoto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Photo{}, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	return p, err
}

// DeletePhoto removes a photo and returns the deleted row.
func (s *Store) DeletePhoto(ctx context.Context, id string) (models.Photo, error) {
	row := s.pool.QueryRow(ctx, `DELETE FROM photos WHERE id = $1 RETURNING `+photoColumns, id)
	p, err := scanPhoto(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Photo{}, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListBatchPhotos returns a batch's photos in upload order.
func (s *Store) ListBatchPhotos(ctx context.Context, batchID string) ([]models.Photo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+photoColumns+` FROM photos WHERE batch_id = $1 ORDER BY created_at, id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch photos: %w", err)
	}
	return collectPhotos(rows)
}

// CountBatchPhotos returns how many photos a batch owns.
func (s *Store) CountBatchPhotos(ctx context.Context, batchID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM photos WHERE batch_id = $1`, batchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batch photos: %w", err)
	}
	return n, nil
}

// ListPhotosByPreviewStatus returns up to limit photos in the given status, oldest first.
func (s *Store) ListPhotosByPreviewStatus(ctx context.Context, status string, limit int) ([]models.Photo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+photoColumns+` FROM photos WHERE preview_status = $1 ORDER BY created_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query photos by status: %w", err)
	}
	return collectPhotos(rows)
}

// ListStalePreviews returns processing photos claimed before the cutoff.
func (s *Store) ListStalePreviews(ctx context.Context, before time.Time, limit int) ([]models.Photo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+photoColumns+` FROM photos
		WHERE preview_status = $1 AND (preview_claimed_at IS NULL OR preview_claimed_at < $2)
		ORDER BY preview_claimed_at NULLS FIRST LIMIT $3
	`, models.ProcessingActive, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale photos: %w", err)
	}
	return collectPhotos(rows)
}

// ClaimPreview moves a photo into processing for the worker that holds its job.
func (s *Store) ClaimPreview(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET preview_status = $2, preview_ref = NULL, preview_claimed_at = NOW()
		WHERE id = $1
	`, id, models.ProcessingActive)
	if err != nil {
		return fmt.Errorf("claim preview: %w", err)
	}
	return affected(tag, "photo", id)
}

// CompletePreview stores the rendered preview and clears any prior error.
func (s *Store) CompletePreview(ctx context.Context, id, previewRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET preview_status = $2, preview_ref = $3, preview_error = NULL
		WHERE id = $1
	`, id, models.ProcessingCompleted, previewRef)
	if err != nil {
		return fmt.Errorf("complete preview: %w", err)
	}
	return affected(tag, "photo", id)
}

// RecordPreviewError keeps the latest diagnostic while the job still has retries left.
func (s *Store) RecordPreviewError(ctx context.Context, id, msg string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE photos SET preview_error = $2 WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("record preview error: %w", err)
	}
	return affected(tag, "photo", id)
}

// FailPreview marks the preview as exhausted.
func (s *Store) FailPreview(ctx context.Context, id, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET preview_status = $2, preview_ref = NULL, preview_error = $3
		WHERE id = $1
	`, id, models.ProcessingFailed, msg)
	if err != nil {
		return fmt.Errorf("fail preview: %w", err)
	}
	return affected(tag, "photo", id)
}

// ResetPreview returns a photo to pending ahead of a re-dispatch.
func (s *Store) ResetPreview(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET preview_status = $2, preview_ref = NULL, preview_claimed_at = NULL
		WHERE id = $1
	`, id, models.ProcessingPending)
	if err != nil {
		return fmt.Errorf("reset preview: %w", err)
	}
	return affected(tag, "photo", id)
}

func scanPhoto(row pgx.Row) (models.Photo, error) {
	var p models.Photo
	var previewRef, previewErr pgtype.Text
	var claimed pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.BatchID, &p.OriginalRef, &previewRef, &p.PreviewStatus, &previewErr, &claimed, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Photo{}, err
		}
		return models.Photo{}, fmt.Errorf("scan photo: %w", err)
	}
	p.PreviewRef = textPtr(previewRef)
	p.PreviewError = textPtr(previewErr)
	p.PreviewClaimedAt = timePtr(claimed)
	return p, nil
}

func collectPhotos(rows pgx.Rows) ([]models.Photo, error) {
	defer rows.Close()
	var out []models.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate photos: %w", err)
	}
	return out, nil
}
