package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertOffer inserts or replaces a partner offer.
func (s *store) UpsertOffer(ctx context.Context, o ProductOffer) error {
	personas := o.TargetPersonas
	if personas == nil {
		personas = []string{}
	}
	targets, err := json.Marshal(personas)
	if err != nil {
		return fmt.Errorf("encoding target personas: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO product_offers (offer_id, name, provider, category, description, target_personas,
			min_income, max_credit_utilization, requires_no_existing_savings,
			requires_no_existing_investment, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(offer_id) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			category = excluded.category,
			description = excluded.description,
			target_personas = excluded.target_personas,
			min_income = excluded.min_income,
			max_credit_utilization = excluded.max_credit_utilization,
			requires_no_existing_savings = excluded.requires_no_existing_savings,
			requires_no_existing_investment = excluded.requires_no_existing_investment,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		o.OfferID, o.Name, o.Provider, o.Category, o.Description, string(targets),
		o.MinIncome, o.MaxCreditUtilization, boolToInt(o.RequiresNoExistingSavings),
		boolToInt(o.RequiresNoExistingInvestment), boolToInt(o.Active), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upserting offer %s: %w", o.OfferID, err)
	}
	return nil
}

// ActiveOffers returns every active offer ordered by ID.
func (s *store) ActiveOffers(ctx context.Context) ([]ProductOffer, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT offer_id, name, provider, category, description, target_personas,
			min_income, max_credit_utilization, requires_no_existing_savings,
			requires_no_existing_investment, active
		FROM product_offers WHERE active = 1 ORDER BY offer_id`)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	defer rows.Close()

	var offers []ProductOffer
	for rows.Next() {
		var o ProductOffer
		var targets string
		var noSavings, noInvestment, active int
		if err := rows.Scan(&o.OfferID, &o.Name, &o.Provider, &o.Category, &o.Description, &targets,
			&o.MinIncome, &o.MaxCreditUtilization, &noSavings, &noInvestment, &active); err != nil {
			return nil, fmt.Errorf("scanning offer: %w", err)
		}
		if err := json.Unmarshal([]byte(targets), &o.TargetPersonas); err != nil {
			return nil, fmt.Errorf("decoding target personas of %s: %w", o.OfferID, err)
		}
		o.RequiresNoExistingSavings = noSavings == 1
		o.RequiresNoExistingInvestment = noInvestment == 1
		o.Active = active == 1
		offers = append(offers, o)
	}
	return offers, rows.Err()
}
