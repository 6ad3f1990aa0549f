// Package catalog keeps the partner offer catalog in sync with partner feeds
// and serves persona-targeted offers to the guardrail pipeline.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/TobiSchelling/finpilot/internal/config"
	"github.com/TobiSchelling/finpilot/internal/database"
	"github.com/TobiSchelling/finpilot/internal/guardrail"
	"github.com/TobiSchelling/finpilot/internal/logger"
)

// Store is the persistence the catalog needs.
type Store interface {
	UpsertOffer(ctx context.Context, o database.ProductOffer) error
	ActiveOffers(ctx context.Context) ([]database.ProductOffer, error)
}

type source interface {
	Fetch(ctx context.Context, url, provider string) ([]database.ProductOffer, []string, error)
}

// SyncResult summarises one sync run.
type SyncResult struct {
	Feeds   int               `json:"feeds"`
	Upserts int               `json:"upserts"`
	Skipped int               `json:"skipped"`
	Failed  map[string]string `json:"failed,omitempty"`
	Sources map[string]int    `json:"sources"`
}

// Catalog reads and refreshes partner offers.
type Catalog struct {
	store  Store
	client *http.Client
	log    *logger.Logger
}

// New creates a Catalog.
func New(store Store, log *logger.Logger) *Catalog {
	return &Catalog{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.With("component", "catalog"),
	}
}

// Sync fetches every configured feed and upserts its offers. A failing feed
// is recorded in the result and does not stop the others.
func (c *Catalog) Sync(ctx context.Context, feeds []config.Feed) (*SyncResult, error) {
	r := &SyncResult{Sources: make(map[string]int)}
	rss := NewFeedParser(c.client)

	for _, f := range feeds {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Feeds++

		var src source = rss
		if f.Format == "json" {
			src = NewJSONClient(f.APIKeyEnv, c.client)
		}

		offers, skipped, err := src.Fetch(ctx, f.URL, f.Name)
		if err != nil {
			c.log.Warn("catalog feed failed", "url", f.URL, "error", err)
			if r.Failed == nil {
				r.Failed = make(map[string]string)
			}
			r.Failed[f.URL] = err.Error()
			continue
		}
		for _, reason := range skipped {
			c.log.Debug("offer skipped", "url", f.URL, "reason", reason)
		}
		r.Skipped += len(skipped)

		for _, o := range offers {
			if err := c.store.UpsertOffer(ctx, o); err != nil {
				return r, fmt.Errorf("storing offer %s: %w", o.OfferID, err)
			}
			r.Upserts++
			r.Sources[o.Provider]++
		}
		c.log.Info("catalog feed synced", "url", f.URL, "offers", len(offers), "skipped", len(skipped))
	}
	return r, nil
}

// MatchEligibleOffers returns active offers targeted at persona. An offer
// with no target personas is offered to everyone. Eligibility against the
// profile is left to the guardrail filter, which records drop reasons.
func (c *Catalog) MatchEligibleOffers(ctx context.Context, persona string, _ guardrail.Profile) ([]database.ProductOffer, error) {
	offers, err := c.store.ActiveOffers(ctx)
	if err != nil {
		return nil, err
	}
	var out []database.ProductOffer
	for _, o := range offers {
		if len(o.TargetPersonas) == 0 || slices.Contains(o.TargetPersonas, persona) {
			out = append(out, o)
		}
	}
	return out, nil
}
