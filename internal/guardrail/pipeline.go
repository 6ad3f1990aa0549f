package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/llm"
	"github.com/TobiSchelling/finpilot/internal/logger"
)

// MaxCandidates is the most education drafts kept from one generation.
const MaxCandidates = 5

// Extension keys reported by the generator that are never persisted.
var operationalExtensions = []string{"token_usage", "estimated_cost_usd"}

// Generator produces candidate content for a persona.
type Generator interface {
	Generate(ctx context.Context, persona string, gc llm.GenerationContext) ([]llm.Candidate, error)
}

// OfferSource supplies partner offers targeted at a persona.
type OfferSource interface {
	MatchEligibleOffers(ctx context.Context, persona string, profile Profile) ([]database.ProductOffer, error)
}

// Request is the input of one pipeline run.
type Request struct {
	UserID        string
	WindowDays    int
	Assignment    *database.PersonaAssignment
	Signals       *database.UserSignals
	IncludeOffers bool
}

// Draft is validated content ready to be stored as a recommendation.
type Draft struct {
	ContentType string
	Title       string
	Body        string
	Rationale   string
	Metadata    database.Metadata
}

// Result is the output of a successful run.
type Result struct {
	Drafts    []Draft
	LatencyMS int64
}

// Pipeline runs consent, generation, tone validation and disclosure, in
// that order, and adds eligible partner offers.
type Pipeline struct {
	consent   *ConsentGate
	generator Generator
	offers    OfferSource
	log       *logger.Logger
}

// NewPipeline wires the stages. offers may be nil to disable partner offers.
func NewPipeline(consent ConsentStore, generator Generator, offers OfferSource, log *logger.Logger) *Pipeline {
	return &Pipeline{
		consent:   NewConsentGate(consent),
		generator: generator,
		offers:    offers,
		log:       log.With("component", "guardrail"),
	}
}

// CheckConsent runs only the consent stage.
func (p *Pipeline) CheckConsent(ctx context.Context, userID string) error {
	return p.consent.Check(ctx, userID)
}

// Run executes every stage. Nothing is persisted here.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Assignment == nil {
		return nil, apperr.Validation("persona assignment is required")
	}
	if err := p.consent.Check(ctx, req.UserID); err != nil {
		return nil, err
	}

	gc := llm.GenerationContext{
		UserID:             req.UserID,
		WindowDays:         req.WindowDays,
		Persona:            req.Assignment.Persona,
		MatchedCriteria:    req.Assignment.Reasoning.MatchedCriteria(req.Assignment.Persona),
		MaxRecommendations: MaxCandidates,
	}
	if req.Signals != nil {
		gc.Signals = *req.Signals
	}

	start := time.Now()
	candidates, err := p.generator.Generate(ctx, req.Assignment.Persona, gc)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}

	valid := make([]llm.Candidate, 0, len(candidates))
	for i, c := range candidates {
		c.Title = strings.TrimSpace(c.Title)
		c.Body = strings.TrimSpace(c.Body)
		c.Rationale = strings.TrimSpace(c.Rationale)
		if c.Title == "" || c.Body == "" || c.Rationale == "" {
			p.log.Warn("dropping incomplete candidate", "user_id", req.UserID, "index", i)
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return nil, apperr.External(apperr.SubtypeMalformed, nil,
			"content generator returned no valid candidates (%d received)", len(candidates))
	}
	if len(valid) > MaxCandidates {
		valid = valid[:MaxCandidates]
	}

	res := &Result{LatencyMS: latency}
	for _, c := range valid {
		warnings := ValidateTone(c.Body)
		if len(warnings) > 0 {
			p.log.Warn("tone validation warnings", "user_id", req.UserID, "title", c.Title, "count", len(warnings))
		}
		res.Drafts = append(res.Drafts, Draft{
			ContentType: database.ContentEducation,
			Title:       c.Title,
			Body:        AppendDisclosure(c.Body),
			Rationale:   c.Rationale,
			Metadata: database.Metadata{
				ValidationWarnings: warnings,
				Extensions:         persistableExtensions(c),
			},
		})
	}

	if req.IncludeOffers && p.offers != nil {
		offerDrafts, err := p.offerDrafts(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Drafts = append(res.Drafts, offerDrafts...)
	}
	return res, nil
}

func (p *Pipeline) offerDrafts(ctx context.Context, req Request) ([]Draft, error) {
	profile := ProfileFromSignals(req.Signals)
	persona := req.Assignment.Persona

	offers, err := p.offers.MatchEligibleOffers(ctx, persona, profile)
	if err != nil {
		return nil, fmt.Errorf("matching partner offers: %w", err)
	}
	eligible, dropped := FilterEligible(offers, profile)
	for _, d := range dropped {
		p.log.Debug("offer filtered", "user_id", req.UserID, "offer_id", d.OfferID, "reason", d.Reason)
	}

	rationale := offerRationale(req.Assignment)
	var drafts []Draft
	for _, o := range eligible {
		body := strings.TrimSpace(o.Description)
		if body == "" {
			body = fmt.Sprintf("Explore %s from %s", o.Name, o.Provider)
		}
		drafts = append(drafts, Draft{
			ContentType: database.ContentPartnerOffer,
			Title:       o.Name,
			Body:        AppendDisclosure(body),
			Rationale:   rationale,
			Metadata: database.Metadata{
				ValidationWarnings: ValidateTone(body),
				PartnerOffer: &database.PartnerOfferData{
					OfferID:           o.OfferID,
					Provider:          o.Provider,
					Category:          o.Category,
					EligibilityReason: eligibilityReason(o, profile),
				},
			},
		})
	}
	return drafts, nil
}

// offerRationale cites the criteria that assigned the persona.
func offerRationale(pa *database.PersonaAssignment) string {
	matched := pa.Reasoning.MatchedCriteria(pa.Persona)
	if len(matched) == 0 {
		return fmt.Sprintf("Suggested for the %s persona (confidence %.2f)", pa.Persona, pa.Confidence)
	}
	parts := make([]string, 0, len(matched))
	for _, c := range matched {
		parts = append(parts, fmt.Sprintf("%s (observed %s)", c.Criterion, c.Value))
	}
	return fmt.Sprintf("Suggested because %s", strings.Join(parts, ", "))
}

// persistableExtensions drops operational accounting from the candidate's extras.
func persistableExtensions(c llm.Candidate) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	for k, v := range c.Extensions {
		if slices.Contains(operationalExtensions, k) {
			continue
		}
		if out == nil {
			out = make(map[string]json.RawMessage)
		}
		out[k] = v
	}
	return out
}
