package database

import (
	"context"
	"fmt"
	"time"
)

// TryClaim takes the generation claim for fingerprint on behalf of owner.
// An expired claim held by someone else is taken over. It reports whether
// the caller now holds the claim.
func (s *store) TryClaim(ctx context.Context, fingerprint, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO generation_claims (fingerprint, owner, claimed_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			owner = excluded.owner,
			claimed_at = excluded.claimed_at,
			expires_at = excluded.expires_at
		WHERE generation_claims.expires_at <= excluded.claimed_at`,
		fingerprint, owner, formatTime(now), formatTime(now.Add(ttl)),
	)
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", fingerprint, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", fingerprint, err)
	}
	return n > 0, nil
}

// ReleaseClaim drops the claim if owner still holds it.
func (s *store) ReleaseClaim(ctx context.Context, fingerprint, owner string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM generation_claims WHERE fingerprint = ? AND owner = ?`, fingerprint, owner)
	if err != nil {
		return fmt.Errorf("releasing claim %s: %w", fingerprint, err)
	}
	return nil
}
