package health

import (
	"fmt"

	"photobatch/internal/models"
	"photobatch/internal/store"
)

// Pipeline health levels, ordered by severity.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Thresholds above which the pipeline is reported degraded or unhealthy.
const (
	MaxStuckPhotos     = 10
	MaxStuckBatches    = 5
	MaxFailurePercent  = 10.0
	MaxPendingPreviews = 100
)

// Stats is the numeric summary attached to a report.
type Stats struct {
	PhotoFailureRate float64 `json:"photo_failure_rate"`
	PendingPreviews  int     `json:"pending_previews"`
	PendingZips      int     `json:"pending_zips"`
	StuckPhotos      int     `json:"stuck_photos"`
	StuckBatches     int     `json:"stuck_batches"`
	TotalPhotos      int     `json:"total_photos"`
}

// Report is the outcome of one health evaluation.
type Report struct {
	Status string   `json:"status"`
	Issues []string `json:"issues"`
	Stats  Stats    `json:"stats"`
}

var severity = map[string]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

func (r *Report) raise(status, issue string) {
	if severity[status] > severity[r.Status] {
		r.Status = status
	}
	r.Issues = append(r.Issues, issue)
}

// Check evaluates status counts. The report carries the most severe level any
// single check produced.
func Check(s store.ProcessingStats) Report {
	r := Report{Status: StatusHealthy, Issues: []string{}}

	r.Stats.StuckPhotos = s.Photos[models.ProcessingActive]
	r.Stats.StuckBatches = s.Batches[models.ProcessingActive]
	r.Stats.PendingPreviews = s.Photos[models.ProcessingPending]
	r.Stats.PendingZips = s.Batches[models.ProcessingPending]
	for _, n := range s.Photos {
		r.Stats.TotalPhotos += n
	}

	if r.Stats.StuckPhotos > MaxStuckPhotos {
		r.raise(StatusDegraded, fmt.Sprintf("%d photos stuck in processing", r.Stats.StuckPhotos))
	}
	if r.Stats.StuckBatches > MaxStuckBatches {
		r.raise(StatusDegraded, fmt.Sprintf("%d batches stuck in processing", r.Stats.StuckBatches))
	}
	if r.Stats.TotalPhotos > 0 {
		r.Stats.PhotoFailureRate = float64(s.Photos[models.ProcessingFailed]) * 100 / float64(r.Stats.TotalPhotos)
		if r.Stats.PhotoFailureRate > MaxFailurePercent {
			r.raise(StatusUnhealthy, fmt.Sprintf("High failure rate: %.1f%%", r.Stats.PhotoFailureRate))
		}
	}
	if r.Stats.PendingPreviews > MaxPendingPreviews {
		r.raise(StatusDegraded, fmt.Sprintf("Large pending queue: %d photos", r.Stats.PendingPreviews))
	}
	return r
}
