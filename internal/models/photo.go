package models

import (
	"fmt"
	"time"
)

// Processing states shared by Photo.PreviewStatus and Batch.ZipStatus.
const (
	ProcessingPending   = "pending"
	ProcessingActive    = "processing"
	ProcessingCompleted = "completed"
	ProcessingFailed    = "failed"
)

// IsTerminal reports whether a processing status needs an external re-drive to move again.
func IsTerminal(status string) bool {
	return status == ProcessingCompleted || status == ProcessingFailed
}

// Photo is one original image plus its derived watermarked preview.
type Photo struct {
	ID               string     `json:"id"`
	BatchID          string     `json:"batch_id"`
	OriginalRef      string     `json:"original_ref"`
	PreviewRef       *string    `json:"preview_ref,omitempty"`
	PreviewStatus    string     `json:"preview_status"`
	PreviewError     *string    `json:"preview_error,omitempty"`
	PreviewClaimedAt *time.Time `json:"preview_claimed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// PreviewReady reports whether the watermarked preview can be served.
func (p Photo) PreviewReady() bool {
	return p.PreviewStatus == ProcessingCompleted && p.PreviewRef != nil
}

// Validate checks the preview status invariants.
func (p Photo) Validate() error {
	switch p.PreviewStatus {
	case ProcessingPending, ProcessingActive:
	case ProcessingCompleted:
		if p.PreviewRef == nil {
			return fmt.Errorf("photo %s: completed without preview reference", p.ID)
		}
	case ProcessingFailed:
		if p.PreviewRef != nil {
			return fmt.Errorf("photo %s: failed with a preview reference", p.ID)
		}
	default:
		return fmt.Errorf("photo %s: unknown preview status %q", p.ID, p.PreviewStatus)
	}
	if p.PreviewStatus != ProcessingCompleted && p.PreviewRef != nil {
		return fmt.Errorf("photo %s: preview reference set while %s", p.ID, p.PreviewStatus)
	}
	return nil
}
