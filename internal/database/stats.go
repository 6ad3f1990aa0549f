package database

import (
	"context"
	"database/sql"
	"fmt"
)

// GetStats returns aggregate counts for the status command and the operator dashboard.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		PersonaDistribution: map[string]int{},
		Recommendations:     map[string]int{},
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&st.TotalUsers); err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE consent_status = 1").Scan(&st.UsersWithConsent); err != nil {
		return nil, fmt.Errorf("counting consented users: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM operator_actions").Scan(&st.OperatorActions); err != nil {
		return nil, fmt.Errorf("counting operator actions: %w", err)
	}

	var avg sql.NullFloat64
	if err := db.conn.QueryRowContext(ctx,
		"SELECT AVG(generation_latency_ms) FROM recommendations WHERE generation_latency_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("averaging latency: %w", err)
	}
	st.AvgLatencyMS = avg.Float64

	if err := db.countInto(ctx, "SELECT persona_type, COUNT(*) FROM personas GROUP BY persona_type", st.PersonaDistribution); err != nil {
		return nil, fmt.Errorf("persona distribution: %w", err)
	}
	if err := db.countInto(ctx, "SELECT status, COUNT(*) FROM recommendations GROUP BY status", st.Recommendations); err != nil {
		return nil, fmt.Errorf("recommendation counts: %w", err)
	}
	return st, nil
}

func (db *DB) countInto(ctx context.Context, query string, into map[string]int) error {
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
