package models

import (
	"fmt"
	"time"
)

// Batch is a sellable collection of photos plus its downloadable archive.
type Batch struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Category     string     `json:"category"`
	PriceCents   int64      `json:"price_cents"`
	ArchiveRef   *string    `json:"archive_ref,omitempty"`
	ZipStatus    string     `json:"zip_status"`
	ZipError     *string    `json:"zip_error,omitempty"`
	ZipClaimedAt *time.Time `json:"zip_claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ZipReady reports whether the archive can be handed to a buyer.
func (b Batch) ZipReady() bool {
	return b.ZipStatus == ProcessingCompleted && b.ArchiveRef != nil
}

// Validate checks the archive invariants against the batch's current photos.
func (b Batch) Validate(photos []Photo) error {
	if b.PriceCents < 0 {
		return fmt.Errorf("batch %s: price cannot be negative", b.ID)
	}
	switch b.ZipStatus {
	case ProcessingPending, ProcessingActive, ProcessingFailed:
		return nil
	case ProcessingCompleted:
	default:
		return fmt.Errorf("batch %s: unknown zip status %q", b.ID, b.ZipStatus)
	}
	if b.ArchiveRef == nil {
		return fmt.Errorf("batch %s: completed without archive reference", b.ID)
	}
	if len(photos) == 0 {
		return fmt.Errorf("batch %s: completed archive for empty batch", b.ID)
	}
	for _, p := range photos {
		if !IsTerminal(p.PreviewStatus) {
			return fmt.Errorf("batch %s: photo %s still %s", b.ID, p.ID, p.PreviewStatus)
		}
	}
	return nil
}
