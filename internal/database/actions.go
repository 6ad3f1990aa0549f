package database

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertAction appends an audit record and returns its ID. There is no
// update or delete counterpart.
func (s *store) InsertAction(ctx context.Context, a *OperatorAction) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO operator_actions (operator_id, action_type, recommendation_id, user_id, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.OperatorID, a.ActionType, a.RecommendationID, a.UserID, a.Reason, formatTime(a.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting operator action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading action id: %w", err)
	}
	a.ID = id
	return id, nil
}

// ActionsForRecommendation returns the audit trail of one recommendation, oldest first.
func (s *store) ActionsForRecommendation(ctx context.Context, recommendationID string) ([]OperatorAction, error) {
	return s.queryActions(ctx, `
		SELECT action_id, operator_id, action_type, recommendation_id, user_id, reason, timestamp
		FROM operator_actions WHERE recommendation_id = ? ORDER BY timestamp, action_id`, recommendationID)
}

// ActionsForUser returns every audit record touching a user's recommendations.
func (s *store) ActionsForUser(ctx context.Context, userID string) ([]OperatorAction, error) {
	return s.queryActions(ctx, `
		SELECT action_id, operator_id, action_type, recommendation_id, user_id, reason, timestamp
		FROM operator_actions WHERE user_id = ? ORDER BY timestamp, action_id`, userID)
}

func (s *store) queryActions(ctx context.Context, query string, arg string) ([]OperatorAction, error) {
	rows, err := s.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying operator actions: %w", err)
	}
	defer rows.Close()

	actions := []OperatorAction{}
	for rows.Next() {
		var a OperatorAction
		var reason sql.NullString
		var ts string
		if err := rows.Scan(&a.ID, &a.OperatorID, &a.ActionType, &a.RecommendationID, &a.UserID, &reason, &ts); err != nil {
			return nil, fmt.Errorf("scanning operator action: %w", err)
		}
		if reason.Valid {
			a.Reason = &reason.String
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
