// Package recommend serves recommendations for a (user, window) pair,
// generating them at most once per fingerprint while earlier ones await
// review.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/guardrail"
	"github.com/TobiSchelling/finpilot/internal/logger"
	"github.com/TobiSchelling/finpilot/internal/persona"
)

// Options tune claim handling and content selection.
type Options struct {
	ClaimTTL     time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	// GenerateTimeout bounds one shared generation, independent of the
	// callers waiting on it. Defaults to WaitTimeout + ClaimTTL.
	GenerateTimeout time.Duration
	IncludeOffers   bool
}

func (o Options) withDefaults() Options {
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 2 * time.Minute
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = o.WaitTimeout + o.ClaimTTL
	}
	return o
}

// Outcome is the result of GetOrGenerate.
type Outcome struct {
	UserID          string                    `json:"user_id"`
	WindowDays      int                       `json:"window_days"`
	Persona         string                    `json:"persona_type"`
	Recommendations []database.Recommendation `json:"recommendations"`
	Cached          bool                      `json:"cached"`
	LatencyMS       int64                     `json:"generation_latency_ms"`
}

// Service is the generation cache in front of the guardrail pipeline.
type Service struct {
	db       *database.DB
	personas *persona.Service
	pipeline *guardrail.Pipeline
	claimer  Claimer
	opts     Options
	log      *logger.Logger

	group singleflight.Group
}

// NewService wires the cache. A nil claimer uses the SQLite claim table.
func NewService(db *database.DB, personas *persona.Service, pipeline *guardrail.Pipeline, claimer Claimer, opts Options, log *logger.Logger) *Service {
	if claimer == nil {
		claimer = NewSQLiteClaimer(db)
	}
	return &Service{
		db:       db,
		personas: personas,
		pipeline: pipeline,
		claimer:  claimer,
		opts:     opts.withDefaults(),
		log:      log.With("component", "recommend"),
	}
}

// Fingerprint identifies the cache slot of (user, window).
func Fingerprint(userID string, windowDays int) string {
	return fmt.Sprintf("%s:%d", userID, windowDays)
}

// NewRecommendationID returns an id of the form rec_<16 hex chars>.
func NewRecommendationID() string {
	return "rec_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GetOrGenerate returns the pending recommendations for (user, window) when
// any exist, and otherwise generates and stores a new set. force skips the
// cache; earlier pending rows are left in place.
func (s *Service) GetOrGenerate(ctx context.Context, userID string, windowDays int, force bool) (*Outcome, error) {
	if windowDays <= 0 {
		return nil, apperr.Validation("window_days must be positive, got %d", windowDays)
	}
	start := time.Now()

	// Consent comes before any cache read so revoked users see nothing.
	if err := s.pipeline.CheckConsent(ctx, userID); err != nil {
		return nil, err
	}

	fp := Fingerprint(userID, windowDays)
	if !force {
		out, err := s.cached(ctx, userID, windowDays)
		if err != nil {
			return nil, err
		}
		if out != nil {
			out.LatencyMS = time.Since(start).Milliseconds()
			s.recordRun(ctx, fp, out)
			return out, nil
		}
	}

	key := fp
	if force {
		key += ":force"
	}
	// The shared work outlives any single caller; each caller only stops
	// waiting when its own context ends.
	ch := s.group.DoChan(key, func() (any, error) {
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.GenerateTimeout)
		defer cancel()
		return s.generate(genCtx, userID, windowDays, force)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	out := *res.Val.(*Outcome)
	if res.Shared {
		s.log.Debug("joined in-flight generation", "user_id", userID, "window_days", windowDays)
	}
	if !out.Cached {
		out.LatencyMS = time.Since(start).Milliseconds()
	}
	s.recordRun(ctx, fp, &out)
	return &out, nil
}

// cached returns the pending recommendations as a cached outcome, or nil.
func (s *Service) cached(ctx context.Context, userID string, windowDays int) (*Outcome, error) {
	recs, err := s.db.PendingForFingerprint(ctx, userID, windowDays)
	if err != nil {
		return nil, fmt.Errorf("reading cached recommendations: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &Outcome{
		UserID:          userID,
		WindowDays:      windowDays,
		Persona:         recs[0].PersonaType,
		Recommendations: recs,
		Cached:          true,
	}, nil
}

func (s *Service) generate(ctx context.Context, userID string, windowDays int, force bool) (*Outcome, error) {
	fp := Fingerprint(userID, windowDays)
	owner := uuid.NewString()

	out, err := s.acquire(ctx, userID, windowDays, owner, !force)
	if err != nil || out != nil {
		return out, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.claimer.Release(releaseCtx, fp, owner); err != nil {
			s.log.Warn("releasing generation claim", "fingerprint", fp, "error", err)
		}
	}()

	if !force {
		// Another process may have finished while we waited for the claim.
		if out, err := s.cached(ctx, userID, windowDays); err != nil || out != nil {
			return out, err
		}
	}

	pa, err := s.personas.Get(ctx, userID, windowDays)
	if apperr.Is(err, apperr.KindNotFound) {
		pa, err = s.personas.Assign(ctx, userID, windowDays)
	}
	if err != nil {
		return nil, err
	}

	signals, err := s.db.GetSignals(ctx, userID, windowDays)
	if errors.Is(err, database.ErrNotFound) {
		signals = nil
	} else if err != nil {
		return nil, fmt.Errorf("loading signals: %w", err)
	}

	res, err := s.pipeline.Run(ctx, guardrail.Request{
		UserID:        userID,
		WindowDays:    windowDays,
		Assignment:    pa,
		Signals:       signals,
		IncludeOffers: s.opts.IncludeOffers,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	latency := res.LatencyMS
	recs := make([]database.Recommendation, 0, len(res.Drafts))
	for _, d := range res.Drafts {
		body := d.Body
		recs = append(recs, database.Recommendation{
			ID:                  NewRecommendationID(),
			UserID:              userID,
			PersonaType:         pa.Persona,
			WindowDays:          windowDays,
			ContentType:         d.ContentType,
			Title:               d.Title,
			Body:                &body,
			Rationale:           d.Rationale,
			Status:              database.StatusPendingApproval,
			Metadata:            d.Metadata,
			GeneratedAt:         now,
			GenerationLatencyMS: &latency,
		})
	}

	err = s.db.InTx(ctx, func(tx *database.Tx) error {
		for i := range recs {
			if err := tx.InsertRecommendation(ctx, &recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing recommendations: %w", err)
	}

	s.log.Info("recommendations generated",
		"user_id", userID,
		"window_days", windowDays,
		"persona", pa.Persona,
		"count", len(recs),
		"latency_ms", latency,
	)
	return &Outcome{
		UserID:          userID,
		WindowDays:      windowDays,
		Persona:         pa.Persona,
		Recommendations: recs,
	}, nil
}

// acquire blocks until owner holds the generation claim. While waiting it
// polls the cache when checkCache is set and returns the cached outcome if
// the current holder produced one.
func (s *Service) acquire(ctx context.Context, userID string, windowDays int, owner string, checkCache bool) (*Outcome, error) {
	fp := Fingerprint(userID, windowDays)
	deadline := time.NewTimer(s.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := s.claimer.Claim(ctx, fp, owner, s.opts.ClaimTTL)
		if err != nil {
			return nil, fmt.Errorf("claiming generation: %w", err)
		}
		if ok {
			return nil, nil
		}
		if checkCache {
			if out, err := s.cached(ctx, userID, windowDays); err != nil || out != nil {
				return out, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, apperr.External(apperr.SubtypeTimeout, nil,
				"timed out after %s waiting for a concurrent generation of %s", s.opts.WaitTimeout, fp)
		case <-ticker.C:
		}
	}
}

// recordRun logs the call to generation_runs. Failures are only logged.
func (s *Service) recordRun(ctx context.Context, fp string, out *Outcome) {
	err := s.db.InsertGenerationRun(ctx, database.GenerationRun{
		Fingerprint:         fp,
		Cached:              out.Cached,
		RecommendationCount: len(out.Recommendations),
		LatencyMS:           out.LatencyMS,
	})
	if err != nil {
		s.log.Warn("recording generation run", "fingerprint", fp, "error", err)
	}
}
