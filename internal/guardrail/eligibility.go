package guardrail

import (
	"fmt"

	"github.com/TobiSchelling/finpilot/internal/database"
)

// balanceTransferMinUtilization: below this a balance transfer saves little.
const balanceTransferMinUtilization = 0.30

// Profile is the slice of a user's signals the eligibility rules read.
type Profile struct {
	AvgMonthlyIncome     float64
	AvgUtilization       float64
	HasSavingsAccount    bool
	HasInvestmentAccount bool
}

// ProfileFromSignals builds a Profile. Missing signals give the zero profile.
func ProfileFromSignals(s *database.UserSignals) Profile {
	if s == nil {
		return Profile{}
	}
	return Profile{
		AvgMonthlyIncome:     s.AvgMonthlyIncome,
		AvgUtilization:       s.AvgUtilization,
		HasSavingsAccount:    s.HasSavingsAccount,
		HasInvestmentAccount: s.InvestmentAccountDetected,
	}
}

// Dropped records why an offer was filtered out.
type Dropped struct {
	OfferID string `json:"offer_id"`
	Reason  string `json:"reason"`
}

// Eligible checks one offer. When it fails, reason says which rule failed.
func Eligible(o database.ProductOffer, p Profile) (bool, string) {
	if o.MinIncome > 0 && p.AvgMonthlyIncome < o.MinIncome {
		return false, fmt.Sprintf("income below minimum requirement ($%.2f < $%.2f)", p.AvgMonthlyIncome, o.MinIncome)
	}
	if o.MaxCreditUtilization > 0 && o.MaxCreditUtilization < 1.0 && p.AvgUtilization > o.MaxCreditUtilization {
		return false, fmt.Sprintf("credit utilization too high (%.1f%% > %.1f%%)", p.AvgUtilization*100, o.MaxCreditUtilization*100)
	}
	if o.RequiresNoExistingSavings && p.HasSavingsAccount {
		return false, "already has savings account"
	}
	if o.RequiresNoExistingInvestment && p.HasInvestmentAccount {
		return false, "already has investment account"
	}
	if o.Category == "balance_transfer" && p.AvgUtilization < balanceTransferMinUtilization {
		return false, fmt.Sprintf("balance transfer not beneficial at current utilization (%.1f%% < 30%%)", p.AvgUtilization*100)
	}
	return true, ""
}

// FilterEligible splits offers into the eligible ones, in input order, and
// the reasons the rest were dropped. It has no side effects.
func FilterEligible(offers []database.ProductOffer, p Profile) ([]database.ProductOffer, []Dropped) {
	var eligible []database.ProductOffer
	var dropped []Dropped
	for _, o := range offers {
		if ok, reason := Eligible(o, p); ok {
			eligible = append(eligible, o)
		} else {
			dropped = append(dropped, Dropped{OfferID: o.OfferID, Reason: reason})
		}
	}
	return eligible, dropped
}

// eligibilityReason summarises which rules an eligible offer satisfied.
func eligibilityReason(o database.ProductOffer, p Profile) string {
	reason := "meets all eligibility rules"
	if o.MinIncome > 0 {
		reason += fmt.Sprintf("; income $%.2f >= $%.2f", p.AvgMonthlyIncome, o.MinIncome)
	}
	if o.MaxCreditUtilization > 0 && o.MaxCreditUtilization < 1.0 {
		reason += fmt.Sprintf("; utilization %.1f%% <= %.1f%%", p.AvgUtilization*100, o.MaxCreditUtilization*100)
	}
	return reason
}
