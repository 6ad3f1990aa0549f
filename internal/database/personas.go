package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertPersona stores an assignment, overwriting any previous one for the
// same (user, window).
func (s *store) UpsertPersona(ctx context.Context, pa *PersonaAssignment) error {
	reasoning, err := json.Marshal(pa.Reasoning)
	if err != nil {
		return fmt.Errorf("encoding reasoning: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO personas (user_id, window_days, persona_type, confidence_score, reasoning, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, window_days) DO UPDATE SET
			persona_type = excluded.persona_type,
			confidence_score = excluded.confidence_score,
			reasoning = excluded.reasoning,
			assigned_at = excluded.assigned_at`,
		pa.UserID, pa.WindowDays, pa.Persona, pa.Confidence, string(reasoning), formatTime(pa.AssignedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting persona for %s/%d: %w", pa.UserID, pa.WindowDays, err)
	}
	return nil
}

// GetPersona returns the live assignment for (user, window) or ErrNotFound.
func (s *store) GetPersona(ctx context.Context, userID string, windowDays int) (*PersonaAssignment, error) {
	var pa PersonaAssignment
	var reasoning, assigned string
	err := s.q.QueryRowContext(ctx, `
		SELECT user_id, window_days, persona_type, confidence_score, reasoning, assigned_at
		FROM personas WHERE user_id = ? AND window_days = ?`,
		userID, windowDays,
	).Scan(&pa.UserID, &pa.WindowDays, &pa.Persona, &pa.Confidence, &reasoning, &assigned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting persona for %s/%d: %w", userID, windowDays, err)
	}
	if err := json.Unmarshal([]byte(reasoning), &pa.Reasoning); err != nil {
		return nil, fmt.Errorf("decoding reasoning: %w", err)
	}
	if pa.AssignedAt, err = parseTime(assigned); err != nil {
		return nil, err
	}
	return &pa, nil
}
