package review

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/TobiSchelling/finpilot/internal/database"
)

const emptyQueue = "No recommendations awaiting review."

// Store lists recommendations.
type Store interface {
	ListRecommendations(ctx context.Context, f database.RecommendationFilter) ([]database.Recommendation, error)
}

// Digest is the markdown review queue handed to operators.
type Digest struct {
	WindowDays int    `json:"window_days"`
	Pending    int    `json:"pending"`
	Users      int    `json:"users"`
	Markdown   string `json:"markdown"`
}

// Build assembles the pending queue for a window, grouped by user. A zero
// window includes every window.
func Build(ctx context.Context, store Store, windowDays int) (*Digest, error) {
	recs, err := store.ListRecommendations(ctx, database.RecommendationFilter{
		WindowDays: windowDays,
		Status:     database.StatusPendingApproval,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending recommendations: %w", err)
	}

	byUser := make(map[string][]database.Recommendation)
	for _, r := range recs {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}

	return &Digest{
		WindowDays: windowDays,
		Pending:    len(recs),
		Users:      len(byUser),
		Markdown:   assemble(byUser),
	}, nil
}

func assemble(byUser map[string][]database.Recommendation) string {
	if len(byUser) == 0 {
		return emptyQueue
	}

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	var sections []string
	for _, u := range users {
		recs := byUser[u]
		section := fmt.Sprintf("## %s (%s, %d days)", u, recs[0].PersonaType, recs[0].WindowDays)
		for _, r := range recs {
			section += "\n\n" + item(r)
		}
		sections = append(sections, section)
	}
	return strings.Join(sections, "\n\n---\n\n")
}

func item(r database.Recommendation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", r.Title)
	fmt.Fprintf(&b, "`%s` · %s\n\n", r.ID, r.ContentType)
	if r.Body != nil {
		b.WriteString(*r.Body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "**Rationale:** %s", r.Rationale)

	if po := r.Metadata.PartnerOffer; po != nil {
		fmt.Fprintf(&b, "\n\n**Offer:** %s from %s (%s)", po.OfferID, po.Provider, po.EligibilityReason)
	}
	if len(r.Metadata.ValidationWarnings) > 0 {
		b.WriteString("\n\n**Warnings:**")
		for _, w := range r.Metadata.ValidationWarnings {
			fmt.Fprintf(&b, "\n- [%s] %s: %s", w.Severity, w.Category, w.Message)
		}
	}
	return b.String()
}
