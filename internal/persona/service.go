package persona

import (
	"context"
	"errors"
	"fmt"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/logger"
)

// Store is the persistence the persona service needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (*database.User, error)
	GetSignals(ctx context.Context, userID string, windowDays int) (*database.UserSignals, error)
	UpsertPersona(ctx context.Context, pa *database.PersonaAssignment) error
	GetPersona(ctx context.Context, userID string, windowDays int) (*database.PersonaAssignment, error)
	UsersWithSignals(ctx context.Context, windowDays int) ([]string, error)
}

// Service loads signals, classifies and stores the assignment.
type Service struct {
	store Store
	log   *logger.Logger
}

func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, log: log.With("component", "persona")}
}

// Assign classifies (user, window) and upserts the result.
func (s *Service) Assign(ctx context.Context, userID string, windowDays int) (*database.PersonaAssignment, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.NotFound("user %q not found", userID)
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	signals, err := s.store.GetSignals(ctx, userID, windowDays)
	if errors.Is(err, database.ErrNotFound) {
		signals = nil
	} else if err != nil {
		return nil, fmt.Errorf("loading signals: %w", err)
	}

	pa, err := Classify(userID, windowDays, signals)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertPersona(ctx, pa); err != nil {
		return nil, fmt.Errorf("saving persona: %w", err)
	}

	s.log.Info("persona assigned",
		"user_id", userID,
		"window_days", windowDays,
		"persona", pa.Persona,
		"confidence", pa.Confidence,
		"fallback", pa.Reasoning.Fallback,
	)
	return pa, nil
}

// Get returns the stored assignment, or NotFound.
func (s *Service) Get(ctx context.Context, userID string, windowDays int) (*database.PersonaAssignment, error) {
	pa, err := s.store.GetPersona(ctx, userID, windowDays)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("no persona assigned to %q for %d days", userID, windowDays)
	}
	return pa, err
}

// AssignAll classifies every user with signals for the window. Users whose
// signals fail validation are logged and skipped; the returned map holds the
// per-persona counts of successful assignments.
func (s *Service) AssignAll(ctx context.Context, windowDays int) (map[string]int, error) {
	ids, err := s.store.UsersWithSignals(ctx, windowDays)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		pa, err := s.Assign(ctx, id, windowDays)
		if err != nil {
			if apperr.Is(err, apperr.KindValidation) {
				s.log.Warn("skipping user with malformed signals", "user_id", id, "error", err)
				continue
			}
			return counts, fmt.Errorf("assigning %s: %w", id, err)
		}
		counts[pa.Persona]++
	}
	return counts, nil
}
