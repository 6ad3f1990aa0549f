package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const recommendationColumns = `recommendation_id, user_id, persona_type, window_days, content_type,
	title, body, rationale, status, approved_by, approved_at, override_reason,
	original_content, metadata, generated_at, generation_latency_ms, expires_at`

// RecommendationFilter narrows ListRecommendations. Zero values match everything.
type RecommendationFilter struct {
	UserID      string
	WindowDays  int
	Status      string
	VisibleOnly bool
}

// InsertRecommendation persists a new recommendation.
func (s *store) InsertRecommendation(ctx context.Context, r *Recommendation) error {
	if r.Metadata.ValidationWarnings == nil {
		r.Metadata.ValidationWarnings = []Warning{}
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	original, err := encodeOriginal(r.OriginalContent)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO recommendations (`+recommendationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.PersonaType, r.WindowDays, r.ContentType,
		r.Title, r.Body, r.Rationale, r.Status, r.ApprovedBy, formatTimePtr(r.ApprovedAt), r.OverrideReason,
		original, string(meta), formatTime(r.GeneratedAt), r.GenerationLatencyMS, formatTimePtr(r.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting recommendation %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRecommendation writes back every mutable field of a recommendation.
func (s *store) UpdateRecommendation(ctx context.Context, r *Recommendation) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	original, err := encodeOriginal(r.OriginalContent)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE recommendations SET
			title = ?, body = ?, status = ?, approved_by = ?, approved_at = ?,
			override_reason = ?, original_content = ?, metadata = ?
		WHERE recommendation_id = ?`,
		r.Title, r.Body, r.Status, r.ApprovedBy, formatTimePtr(r.ApprovedAt),
		r.OverrideReason, original, string(meta), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating recommendation %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating recommendation %s: %w", r.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRecommendation returns a recommendation by ID or ErrNotFound.
func (s *store) GetRecommendation(ctx context.Context, id string) (*Recommendation, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+recommendationColumns+` FROM recommendations WHERE recommendation_id = ?`, id)
	r, err := scanRecommendation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting recommendation %s: %w", id, err)
	}
	return r, nil
}

// PendingForFingerprint returns the pending_approval recommendations for
// (user, window), oldest first. These form the generation cache.
func (s *store) PendingForFingerprint(ctx context.Context, userID string, windowDays int) ([]Recommendation, error) {
	return s.ListRecommendations(ctx, RecommendationFilter{
		UserID:     userID,
		WindowDays: windowDays,
		Status:     StatusPendingApproval,
	})
}

// ListRecommendations returns recommendations matching the filter, oldest first.
func (s *store) ListRecommendations(ctx context.Context, f RecommendationFilter) ([]Recommendation, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.WindowDays > 0 {
		where = append(where, "window_days = ?")
		args = append(args, f.WindowDays)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.VisibleOnly {
		where = append(where, "status IN (?, ?)")
		args = append(args, StatusApproved, StatusOverridden)
	}

	query := `SELECT ` + recommendationColumns + ` FROM recommendations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY generated_at, rowid"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing recommendations: %w", err)
	}
	defer rows.Close()

	var recs []Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recommendation: %w", err)
		}
		recs = append(recs, *r)
	}
	return recs, rows.Err()
}

func encodeOriginal(oc *OriginalContent) (*string, error) {
	if oc == nil {
		return nil, nil
	}
	data, err := json.Marshal(oc)
	if err != nil {
		return nil, fmt.Errorf("encoding original content: %w", err)
	}
	s := string(data)
	return &s, nil
}

func scanRecommendation(sc rowScanner) (*Recommendation, error) {
	var r Recommendation
	var body, approvedBy, approvedAt, overrideReason, original, expiresAt sql.NullString
	var latency sql.NullInt64
	var meta, generatedAt string

	err := sc.Scan(&r.ID, &r.UserID, &r.PersonaType, &r.WindowDays, &r.ContentType,
		&r.Title, &body, &r.Rationale, &r.Status, &approvedBy, &approvedAt, &overrideReason,
		&original, &meta, &generatedAt, &latency, &expiresAt)
	if err != nil {
		return nil, err
	}

	if body.Valid {
		r.Body = &body.String
	}
	if approvedBy.Valid {
		r.ApprovedBy = &approvedBy.String
	}
	if overrideReason.Valid {
		r.OverrideReason = &overrideReason.String
	}
	if latency.Valid {
		r.GenerationLatencyMS = &latency.Int64
	}
	if original.Valid && original.String != "" {
		r.OriginalContent = &OriginalContent{}
		if err := json.Unmarshal([]byte(original.String), r.OriginalContent); err != nil {
			return nil, fmt.Errorf("decoding original content: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if r.Metadata.ValidationWarnings == nil {
		r.Metadata.ValidationWarnings = []Warning{}
	}
	if r.ApprovedAt, err = parseTimePtr(approvedAt); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	if r.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
