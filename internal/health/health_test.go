package health

import (
	"testing"

	"photobatch/internal/store"
)

func stats(photos, batches map[string]int) store.ProcessingStats {
	if batches == nil {
		batches = map[string]int{}
	}
	return store.ProcessingStats{Photos: photos, Batches: batches}
}

func TestCheckHealthy(t *testing.T) {
	r := Check(stats(map[string]int{"completed": 40, "pending": 5, "failed": 1}, map[string]int{"pending": 2}))
	if r.Status != StatusHealthy || len(r.Issues) != 0 {
		t.Fatalf("expected healthy, got %+v", r)
	}
	if r.Stats.TotalPhotos != 46 || r.Stats.PendingPreviews != 5 || r.Stats.PendingZips != 2 {
		t.Fatalf("unexpected stats %+v", r.Stats)
	}
}

func TestCheckEmptyStore(t *testing.T) {
	r := Check(stats(map[string]int{}, nil))
	if r.Status != StatusHealthy || r.Stats.PhotoFailureRate != 0 {
		t.Fatalf("expected healthy empty report, got %+v", r)
	}
}

func TestCheckStuckIsDegraded(t *testing.T) {
	r := Check(stats(map[string]int{"processing": 11, "completed": 200}, map[string]int{"processing": 6}))
	if r.Status != StatusDegraded || len(r.Issues) != 2 {
		t.Fatalf("expected degraded with two issues, got %+v", r)
	}
}

func TestCheckFailureRateWinsOverLaterDegradation(t *testing.T) {
	r := Check(stats(map[string]int{"failed": 30, "pending": 150, "completed": 20}, nil))
	if r.Status != StatusUnhealthy {
		t.Fatalf("unhealthy must not be downgraded by the pending check, got %s", r.Status)
	}
	if len(r.Issues) != 2 {
		t.Fatalf("expected failure-rate and pending issues, got %v", r.Issues)
	}
	if r.Stats.PhotoFailureRate != 15 {
		t.Fatalf("expected 15%% failure rate, got %v", r.Stats.PhotoFailureRate)
	}
}

func TestCheckThresholdsAreExclusive(t *testing.T) {
	r := Check(stats(map[string]int{"processing": 10, "failed": 10, "completed": 80, "pending": 0}, map[string]int{"processing": 5}))
	if r.Status != StatusHealthy {
		t.Fatalf("values at the thresholds should stay healthy, got %+v", r)
	}
}
