// Package pipeline wires the recommendation engine from configuration and
// runs batch passes over every user with signals.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/approval"
	"github.com/TobiSchelling/finpilot/internal/catalog"
	"github.com/TobiSchelling/finpilot/internal/config"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/guardrail"
	"github.com/TobiSchelling/finpilot/internal/llm"
	"github.com/TobiSchelling/finpilot/internal/logger"
	"github.com/TobiSchelling/finpilot/internal/persona"
	"github.com/TobiSchelling/finpilot/internal/recommend"
)

// StepResult holds the result of a single batch step.
type StepResult struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Err     error  `json:"-"`
}

// Result holds the results of a full batch run.
type Result struct {
	WindowDays int          `json:"window_days"`
	Steps      []StepResult `json:"steps"`
}

// Pipeline holds the wired services. Callers outside the batch runner use
// the exported fields directly.
type Pipeline struct {
	Personas   *persona.Service
	Guardrails *guardrail.Pipeline
	Recommend  *recommend.Service
	Approval   *approval.Service
	Catalog    *catalog.Catalog

	cfg          *config.Config
	db           *database.DB
	log          *logger.Logger
	closeClaimer func() error
}

// New builds the engine with the content generator selected by cfg.
func New(ctx context.Context, cfg *config.Config, db *database.DB, log *logger.Logger) (*Pipeline, error) {
	templates, err := templateFS(cfg.Templates)
	if err != nil {
		return nil, err
	}
	gen := llm.NewGenerator(
		llm.CreateProvider(cfg.Generation, log),
		llm.NewTemplateCache(templates, cfg.Templates.TTL.Duration, cfg.Templates.MaxEntries),
		llm.Options{
			MaxTokens:         cfg.Generation.MaxTokens,
			Timeout:           cfg.Generation.Timeout.Duration,
			MaxRetries:        cfg.Generation.MaxRetries,
			InitialBackoff:    cfg.Generation.InitialBackoff.Duration,
			RequestsPerMinute: cfg.Generation.RequestsPerMinute,
		},
		log,
	)
	return NewWithGenerator(ctx, cfg, db, gen, log)
}

// NewWithGenerator builds the engine around an existing generator.
func NewWithGenerator(ctx context.Context, cfg *config.Config, db *database.DB, gen guardrail.Generator, log *logger.Logger) (*Pipeline, error) {
	claimer, closeClaimer, err := recommend.NewClaimer(ctx, cfg.Lock, db)
	if err != nil {
		return nil, fmt.Errorf("creating generation lock: %w", err)
	}

	cat := catalog.New(db, log)
	personas := persona.NewService(db, log)
	guardrails := guardrail.NewPipeline(db, gen, cat, log)
	rec := recommend.NewService(db, personas, guardrails, claimer, recommend.Options{
		ClaimTTL:      cfg.Lock.ClaimTTL.Duration,
		WaitTimeout:   cfg.Lock.WaitTimeout.Duration,
		IncludeOffers: cfg.Generation.IncludeOffers,
	}, log)

	return &Pipeline{
		Personas:     personas,
		Guardrails:   guardrails,
		Recommend:    rec,
		Approval:     approval.NewService(db, log),
		Catalog:      cat,
		cfg:          cfg,
		db:           db,
		log:          log.With("component", "pipeline"),
		closeClaimer: closeClaimer,
	}, nil
}

// Close releases the lock backend connection.
func (p *Pipeline) Close() error {
	return p.closeClaimer()
}

func templateFS(cfg config.Templates) (fs.FS, error) {
	if cfg.Dir == "" {
		return llm.BuiltinTemplates(), nil
	}
	if info, err := os.Stat(cfg.Dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("templates.dir %s is not a directory", cfg.Dir)
	}
	return os.DirFS(cfg.Dir), nil
}

// Run syncs the catalog, classifies every user with signals and generates
// recommendations for each of them. A failed user does not stop the batch.
func (p *Pipeline) Run(ctx context.Context, windowDays int) *Result {
	r := &Result{WindowDays: windowDays}

	if len(p.cfg.Catalog.Feeds) > 0 {
		r.Steps = append(r.Steps, p.runCatalog(ctx))
	}

	step := p.runClassify(ctx, windowDays)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	r.Steps = append(r.Steps, p.runGenerate(ctx, windowDays))
	return r
}

// DryRun reports what Run would do without generating anything.
func (p *Pipeline) DryRun(ctx context.Context, windowDays int) *Result {
	r := &Result{WindowDays: windowDays}

	if n := len(p.cfg.Catalog.Feeds); n > 0 {
		r.Steps = append(r.Steps, StepResult{
			Name:    "Catalog",
			Summary: fmt.Sprintf("[dry-run] %d partner feeds would be synced", n),
		})
	}

	users, err := p.db.UsersWithSignals(ctx, windowDays)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Classify", Err: err})
		return r
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("[dry-run] %d users with %d-day signals would be classified", len(users), windowDays),
	})

	var consented, cached int
	for _, id := range users {
		c, err := p.db.GetConsent(ctx, id)
		if err != nil || !c.Granted {
			continue
		}
		consented++
		pending, err := p.db.PendingForFingerprint(ctx, id, windowDays)
		if err == nil && len(pending) > 0 {
			cached++
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name: "Generate",
		Summary: fmt.Sprintf("[dry-run] %d users with consent: %d would be served from cache, %d would be generated",
			consented, cached, consented-cached),
	})
	return r
}

func (p *Pipeline) runCatalog(ctx context.Context) StepResult {
	p.log.Info("syncing partner catalog", "feeds", len(p.cfg.Catalog.Feeds))
	res, err := p.Catalog.Sync(ctx, p.cfg.Catalog.Feeds)
	if err != nil {
		return StepResult{Name: "Catalog", Err: err}
	}
	return StepResult{
		Name:    "Catalog",
		Summary: fmt.Sprintf("Synced %d offers from %d feeds (%d skipped, %d feeds failed)", res.Upserts, res.Feeds, res.Skipped, len(res.Failed)),
	}
}

func (p *Pipeline) runClassify(ctx context.Context, windowDays int) StepResult {
	p.log.Info("classifying users", "window_days", windowDays)
	counts, err := p.Personas.AssignAll(ctx, windowDays)
	if err != nil {
		return StepResult{Name: "Classify", Err: err}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("Assigned personas to %d users %v", total, counts),
	}
}

func (p *Pipeline) runGenerate(ctx context.Context, windowDays int) StepResult {
	p.log.Info("generating recommendations", "window_days", windowDays)
	users, err := p.db.UsersWithSignals(ctx, windowDays)
	if err != nil {
		return StepResult{Name: "Generate", Err: err}
	}

	var generated, cached, noConsent, failed int
	var errs []error
	for _, id := range users {
		if err := ctx.Err(); err != nil {
			return StepResult{Name: "Generate", Err: err}
		}
		out, err := p.Recommend.GetOrGenerate(ctx, id, windowDays, false)
		switch {
		case apperr.Is(err, apperr.KindConsentDenied):
			noConsent++
		case err != nil:
			failed++
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			p.log.Warn("generation failed", "user_id", id, "error", err)
		case out.Cached:
			cached++
		default:
			generated++
		}
	}

	step := StepResult{
		Name: "Generate",
		Summary: fmt.Sprintf("Generated for %d users, %d cached, %d without consent, %d failed",
			generated, cached, noConsent, failed),
	}
	if failed > 0 && generated == 0 && cached == 0 {
		step.Err = errors.Join(errs...)
	}
	return step
}
