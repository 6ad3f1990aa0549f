package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/finpilot/internal/database"
)

// fixture is the YAML import format for seeding a database. Signals are
// produced upstream; this is how they enter finpilot.
type fixture struct {
	Users   []fixtureUser           `yaml:"users"`
	Signals []database.UserSignals  `yaml:"signals"`
	Offers  []database.ProductOffer `yaml:"offers"`
}

type fixtureUser struct {
	UserID   string `yaml:"user_id"`
	FullName string `yaml:"full_name"`
	Email    string `yaml:"email"`
	Consent  *bool  `yaml:"consent"`
}

type importCounts struct {
	users, signals, offers int
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	var fx fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parsing fixture %s: %w", path, err)
	}
	for i, u := range fx.Users {
		if u.UserID == "" {
			return nil, fmt.Errorf("fixture user %d: user_id is required", i)
		}
	}
	for i, s := range fx.Signals {
		if s.UserID == "" || s.WindowDays <= 0 {
			return nil, fmt.Errorf("fixture signals %d: user_id and a positive window_days are required", i)
		}
	}
	for i, o := range fx.Offers {
		if o.OfferID == "" || o.Name == "" {
			return nil, fmt.Errorf("fixture offer %d: offer_id and name are required", i)
		}
	}
	return &fx, nil
}

// apply writes the fixture in one transaction. Users without an explicit
// consent value keep their current consent state.
func (fx *fixture) apply(ctx context.Context, db *database.DB) (importCounts, error) {
	var n importCounts
	now := time.Now()
	err := db.InTx(ctx, func(tx *database.Tx) error {
		for _, u := range fx.Users {
			if err := tx.UpsertUser(ctx, database.User{UserID: u.UserID, FullName: u.FullName, Email: u.Email}); err != nil {
				return err
			}
			if u.Consent != nil {
				if err := tx.SetConsent(ctx, u.UserID, *u.Consent, now); err != nil {
					return err
				}
			}
			n.users++
		}
		for _, s := range fx.Signals {
			if err := tx.UpsertSignals(ctx, s); err != nil {
				return err
			}
			n.signals++
		}
		for _, o := range fx.Offers {
			if err := tx.UpsertOffer(ctx, o); err != nil {
				return err
			}
			n.offers++
		}
		return nil
	})
	if err != nil {
		return importCounts{}, fmt.Errorf("importing fixture: %w", err)
	}
	return n, nil
}
