package store

import (
	"context"
	"fmt"
)

// ProcessingStats counts photos and batches per processing status.
type ProcessingStats struct {
	Photos  map[string]int
	Batches map[string]int
}

// Stats aggregates status counts for the health check.
func (s *Store) Stats(ctx context.Context) (ProcessingStats, error) {
	photos, err := s.countBy(ctx, `SELECT preview_status, COUNT(*) FROM photos GROUP BY preview_status`)
	if err != nil {
		return ProcessingStats{}, fmt.Errorf("photo stats: %w", err)
	}
	batches, err := s.countBy(ctx, `SELECT zip_status, COUNT(*) FROM batches GROUP BY zip_status`)
	if err != nil {
		return ProcessingStats{}, fmt.Errorf("batch stats: %w", err)
	}
	return ProcessingStats{Photos: photos, Batches: batches}, nil
}

func (s *Store) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
