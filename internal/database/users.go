package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertUser inserts a user or updates their name and email. Consent is not
// touched; use SetConsent for that.
func (s *store) UpsertUser(ctx context.Context, u User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (user_id, full_name, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			full_name = excluded.full_name,
			email = excluded.email`,
		u.UserID, u.FullName, u.Email, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.UserID, err)
	}
	return nil
}

// GetUser returns a user by ID or ErrNotFound.
func (s *store) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT user_id, full_name, email, consent_status, consent_granted_at, consent_revoked_at, created_at
		FROM users WHERE user_id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", userID, err)
	}
	return u, nil
}

// ListUsers returns every user ordered by ID.
func (s *store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id, full_name, email, consent_status, consent_granted_at, consent_revoked_at, created_at
		FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetConsent records a consent grant or revocation. A call that does not
// change the current flag is a no-op and writes no history.
func (s *store) SetConsent(ctx context.Context, userID string, granted bool, at time.Time) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.ConsentStatus == granted && (u.ConsentGrantedAt != nil || u.ConsentRevokedAt != nil) {
		return nil
	}

	ts := formatTime(at)
	action := "revoked"
	query := `UPDATE users SET consent_status = 0, consent_revoked_at = ? WHERE user_id = ?`
	if granted {
		action = "granted"
		query = `UPDATE users SET consent_status = 1, consent_granted_at = ?, consent_revoked_at = NULL WHERE user_id = ?`
	}
	if _, err := s.q.ExecContext(ctx, query, ts, userID); err != nil {
		return fmt.Errorf("updating consent for %s: %w", userID, err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO consent_log (user_id, action, timestamp) VALUES (?, ?, ?)`,
		userID, action, ts,
	); err != nil {
		return fmt.Errorf("logging consent for %s: %w", userID, err)
	}
	return nil
}

// GetConsent returns the current consent flag and its history, oldest first.
func (s *store) GetConsent(ctx context.Context, userID string) (*Consent, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, action, timestamp FROM consent_log
		WHERE user_id = ? ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying consent history: %w", err)
	}
	defer rows.Close()

	c := &Consent{Granted: u.ConsentStatus, History: []ConsentEvent{}}
	for rows.Next() {
		var ev ConsentEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Action, &ts); err != nil {
			return nil, fmt.Errorf("scanning consent event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		c.History = append(c.History, ev)
	}
	return c, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(sc rowScanner) (*User, error) {
	var u User
	var consent int
	var granted, revoked sql.NullString
	var created string
	if err := sc.Scan(&u.UserID, &u.FullName, &u.Email, &consent, &granted, &revoked, &created); err != nil {
		return nil, err
	}
	u.ConsentStatus = consent == 1
	var err error
	if u.ConsentGrantedAt, err = parseTimePtr(granted); err != nil {
		return nil, err
	}
	if u.ConsentRevokedAt, err = parseTimePtr(revoked); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}
