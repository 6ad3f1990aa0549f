package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertSignals stores a feature snapshot, replacing any previous snapshot for
// the same (user, window).
func (s *store) UpsertSignals(ctx context.Context, sig UserSignals) error {
	if sig.ComputedAt.IsZero() {
		sig.ComputedAt = time.Now()
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encoding signals: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO user_signals (user_id, window_days, payload, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, window_days) DO UPDATE SET
			payload = excluded.payload,
			computed_at = excluded.computed_at`,
		sig.UserID, sig.WindowDays, string(payload), formatTime(sig.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting signals for %s/%d: %w", sig.UserID, sig.WindowDays, err)
	}
	return nil
}

// GetSignals returns the snapshot for (user, window) or ErrNotFound.
func (s *store) GetSignals(ctx context.Context, userID string, windowDays int) (*UserSignals, error) {
	var payload string
	err := s.q.QueryRowContext(ctx,
		`SELECT payload FROM user_signals WHERE user_id = ? AND window_days = ?`,
		userID, windowDays,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting signals for %s/%d: %w", userID, windowDays, err)
	}

	var sig UserSignals
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		return nil, fmt.Errorf("decoding signals for %s/%d: %w", userID, windowDays, err)
	}
	return &sig, nil
}

// UsersWithSignals returns the IDs of users that have a snapshot for the window.
func (s *store) UsersWithSignals(ctx context.Context, windowDays int) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT user_id FROM user_signals WHERE window_days = ? ORDER BY user_id`, windowDays)
	if err != nil {
		return nil, fmt.Errorf("listing users with signals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
