package guardrail

import (
	"context"
	"errors"
	"fmt"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
)

// ConsentStore reads the external consent record.
type ConsentStore interface {
	GetConsent(ctx context.Context, userID string) (*database.Consent, error)
}

// ConsentGate fails closed: unknown users and users without consent are
// refused before any content is generated.
type ConsentGate struct {
	store ConsentStore
}

func NewConsentGate(store ConsentStore) *ConsentGate {
	return &ConsentGate{store: store}
}

func (g *ConsentGate) Check(ctx context.Context, userID string) error {
	c, err := g.store.GetConsent(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("user %q not found", userID)
	}
	if err != nil {
		return fmt.Errorf("reading consent for %s: %w", userID, err)
	}
	if !c.Granted {
		return apperr.ConsentDenied(userID)
	}
	return nil
}
