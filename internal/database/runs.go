package database

import (
	"context"
	"fmt"
	"time"
)

// InsertGenerationRun logs one get-or-generate call.
func (s *store) InsertGenerationRun(ctx context.Context, run GenerationRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO generation_runs (fingerprint, cached, recommendation_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.Fingerprint, boolToInt(run.Cached), run.RecommendationCount, run.LatencyMS, formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting generation run: %w", err)
	}
	return nil
}

// GenerationRuns returns the logged runs for a fingerprint, oldest first.
func (s *store) GenerationRuns(ctx context.Context, fingerprint string) ([]GenerationRun, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, fingerprint, cached, recommendation_count, latency_ms, created_at
		FROM generation_runs WHERE fingerprint = ? ORDER BY id`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("querying generation runs: %w", err)
	}
	defer rows.Close()

	var runs []GenerationRun
	for rows.Next() {
		var r GenerationRun
		var cached int
		var created string
		if err := rows.Scan(&r.ID, &r.Fingerprint, &cached, &r.RecommendationCount, &r.LatencyMS, &created); err != nil {
			return nil, fmt.Errorf("scanning generation run: %w", err)
		}
		r.Cached = cached == 1
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
