package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/logger"
)

const systemPrompt = `You are a financial education assistant. You write short, supportive,
educational content. You never give individualized financial advice, never
shame the reader, and never tell the reader what they "need to" do. Prefer
phrases such as "you can", "consider" and "explore".

Respond with a JSON object of the form:
{"recommendations": [{"title": "...", "content": "...", "rationale": "..."}]}

"rationale" must cite at least one concrete signal value from the prompt.`

// MaxRecommendations is how many pieces the generator asks for.
const MaxRecommendations = 5

// GenerationContext is everything a prompt template may reference.
type GenerationContext struct {
	UserID             string
	WindowDays         int
	Persona            string
	Signals            database.UserSignals
	MatchedCriteria    []database.CriterionTrace
	MaxRecommendations int
}

// Candidate is one generated piece before guardrail validation.
// Extensions carries provider-reported extras such as token usage.
type Candidate struct {
	Title      string                     `json:"title"`
	Body       string                     `json:"content"`
	Rationale  string                     `json:"rationale"`
	Extensions map[string]json.RawMessage `json:"-"`
}

// Options tune the retry and rate behaviour of a Generator.
type Options struct {
	MaxTokens         int
	Timeout           time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	RequestsPerMinute int
}

// Generator turns a persona and user context into candidate content using a
// Provider, retrying transient failures with exponential backoff.
type Generator struct {
	provider  Provider
	templates *TemplateCache
	opts      Options
	limiter   *rate.Limiter
	log       *logger.Logger
}

func NewGenerator(provider Provider, templates *TemplateCache, opts Options, log *logger.Logger) *Generator {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1500
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return &Generator{
		provider:  provider,
		templates: templates,
		opts:      opts,
		limiter:   limiter,
		log:       log.With("component", "generator", "provider", provider.Name()),
	}
}

// Generate renders the persona prompt and calls the provider. Rate limits,
// timeouts, 5xx responses, unparseable output and replies without a single
// complete recommendation are retried up to MaxRetries times; auth failures
// and other 4xx responses are not. Incomplete candidates are dropped.
func (g *Generator) Generate(ctx context.Context, persona string, gc GenerationContext) ([]Candidate, error) {
	if gc.MaxRecommendations <= 0 {
		gc.MaxRecommendations = MaxRecommendations
	}
	prompt, err := g.render(persona, gc)
	if err != nil {
		return nil, err
	}

	attempt := 0
	op := func() ([]Candidate, error) {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		callCtx := ctx
		if g.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
			defer cancel()
		}

		start := time.Now()
		completion, err := g.provider.Generate(callCtx, Request{
			System:    systemPrompt,
			Prompt:    prompt,
			MaxTokens: g.opts.MaxTokens,
		})
		if err != nil {
			return nil, classify(err)
		}

		parsed, err := parseCandidates(completion.Text)
		if err != nil {
			err = apperr.External(apperr.SubtypeMalformed, err, "%s returned unparseable output", g.provider.Name())
			return nil, classify(err)
		}
		candidates := completeCandidates(parsed)
		if len(candidates) < len(parsed) {
			g.log.Warn("dropping incomplete candidates",
				"persona", persona, "attempt", attempt, "dropped", len(parsed)-len(candidates))
		}
		if len(candidates) == 0 {
			err = apperr.External(apperr.SubtypeMalformed, nil,
				"%s returned no complete recommendations (%d received)", g.provider.Name(), len(parsed))
			return nil, classify(err)
		}

		usage, _ := json.Marshal(completion.Usage)
		cost, _ := json.Marshal(estimateCostUSD(completion.Usage))
		for i := range candidates {
			candidates[i].Extensions = map[string]json.RawMessage{
				"token_usage":        usage,
				"estimated_cost_usd": cost,
			}
		}

		g.log.Info("generation complete",
			"persona", persona,
			"attempt", attempt,
			"candidates", len(candidates),
			"prompt_tokens", completion.Usage.PromptTokens,
			"completion_tokens", completion.Usage.CompletionTokens,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return candidates, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.InitialBackoff
	b.Multiplier = 2

	candidates, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Warn("generation attempt failed, retrying",
				"persona", persona, "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		// The final attempt's error comes back still wrapped when it was permanent.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return nil, err
	}
	return candidates, nil
}

// classify marks non-transient failures as permanent so backoff stops.
func classify(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Transient() {
		return err
	}
	return backoff.Permanent(err)
}

func (g *Generator) render(persona string, gc GenerationContext) (string, error) {
	tmpl, err := g.templates.Get(persona)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, err, "no prompt for persona %q", persona)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, gc); err != nil {
		return "", fmt.Errorf("rendering prompt for %q: %w", persona, err)
	}
	return buf.String(), nil
}

// parseCandidates accepts either {"recommendations": [...]} or a bare array.
func parseCandidates(text string) ([]Candidate, error) {
	var wrapped struct {
		Recommendations []Candidate `json:"recommendations"`
	}
	if err := ParseJSONResponse(text, &wrapped); err == nil && wrapped.Recommendations != nil {
		return wrapped.Recommendations, nil
	}
	var bare []Candidate
	if err := ParseJSONResponse(text, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}

// completeCandidates trims every field and keeps the candidates that have a
// title, content and rationale.
func completeCandidates(in []Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		c.Title = strings.TrimSpace(c.Title)
		c.Body = strings.TrimSpace(c.Body)
		c.Rationale = strings.TrimSpace(c.Rationale)
		if c.Title == "" || c.Body == "" || c.Rationale == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// estimateCostUSD uses gpt-4o-mini list prices per million tokens.
func estimateCostUSD(u Usage) float64 {
	return float64(u.PromptTokens)*0.15/1e6 + float64(u.CompletionTokens)*0.60/1e6
}
