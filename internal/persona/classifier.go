// Package persona assigns each user exactly one behavioral persona from their
// computed signals, using a fixed priority table.
package persona

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/TobiSchelling/finpilot/internal/apperr"
	"github.com/TobiSchelling/finpilot/internal/database"
)

// Classify evaluates the priority table against signals. A nil signals value
// yields the no-signals fallback. The result is a pure function of its
// inputs apart from AssignedAt.
func Classify(userID string, windowDays int, signals *database.UserSignals) (*database.PersonaAssignment, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if windowDays <= 0 {
		return nil, apperr.Validation("window_days must be positive, got %d", windowDays)
	}

	pa := &database.PersonaAssignment{
		UserID:     userID,
		WindowDays: windowDays,
		AssignedAt: time.Now().UTC(),
	}

	if signals == nil {
		pa.Persona = FallbackPersona
		pa.Confidence = FallbackNoSignals
		pa.Reasoning = database.Reasoning{
			Candidates: []database.CandidateTrace{},
			Fallback:   true,
			Reason:     "no signals computed for this user and window, fallback assignment",
		}
		return pa, nil
	}

	if err := validateSignals(userID, windowDays, signals); err != nil {
		return nil, err
	}

	candidates := make([]database.CandidateTrace, 0, len(rules))
	winner := -1
	for i, r := range rules {
		matched, criteria := r.evaluate(signals)
		candidates = append(candidates, database.CandidateTrace{
			Persona:  r.persona,
			Priority: r.weight(signals),
			Matched:  matched,
			Criteria: criteria,
		})
		if matched && winner < 0 {
			winner = i
		}
	}
	pa.Reasoning.Candidates = candidates

	if winner < 0 {
		pa.Persona = FallbackPersona
		pa.Confidence = FallbackNoMatch
		pa.Reasoning.Fallback = true
		pa.Reasoning.Reason = "no persona criteria matched, fallback assignment"
		return pa, nil
	}

	w := candidates[winner]
	pa.Persona = w.Persona
	pa.Confidence = w.Priority
	var matched []string
	for _, c := range w.Criteria {
		if c.Matched {
			matched = append(matched, fmt.Sprintf("%s (%s)", c.Criterion, c.Value))
		}
	}
	pa.Reasoning.Reason = fmt.Sprintf("matched %s: %s", w.Persona, strings.Join(matched, ", "))
	return pa, nil
}

// validateSignals rejects snapshots that cannot come from a correct feature
// pipeline. Nothing is clamped or guessed.
func validateSignals(userID string, windowDays int, s *database.UserSignals) error {
	if s.UserID != "" && s.UserID != userID {
		return apperr.Validation("signals belong to user %q, not %q", s.UserID, userID)
	}
	if s.WindowDays != 0 && s.WindowDays != windowDays {
		return apperr.Validation("signals cover %d days, not %d", s.WindowDays, windowDays)
	}

	type field struct {
		name        string
		value       float64
		nonNegative bool
	}
	fields := []field{
		{"monthly_recurring_spend", s.MonthlyRecurringSpend, true},
		{"subscription_spend_share", s.SubscriptionSpendShare, true},
		{"net_savings_inflow", s.NetSavingsInflow, false},
		{"savings_growth_rate", s.SavingsGrowthRate, false},
		{"emergency_fund_months", s.EmergencyFundMonths, true},
		{"savings_balance", s.SavingsBalance, true},
		{"avg_utilization", s.AvgUtilization, true},
		{"max_utilization", s.MaxUtilization, true},
		{"cash_flow_buffer_months", s.CashFlowBufferMonths, false},
		{"avg_monthly_income", s.AvgMonthlyIncome, true},
	}
	if s.IncomeVariability != nil {
		fields = append(fields, field{"income_variability", *s.IncomeVariability, true})
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return apperr.Validation("signal %s is not a finite number", f.name)
		}
		if f.nonNegative && f.value < 0 {
			return apperr.Validation("signal %s must not be negative, got %v", f.name, f.value)
		}
	}
	if s.RecurringMerchants < 0 {
		return apperr.Validation("signal recurring_merchants must not be negative, got %d", s.RecurringMerchants)
	}
	if s.MedianPayGapDays != nil && *s.MedianPayGapDays < 0 {
		return apperr.Validation("signal median_pay_gap_days must not be negative, got %d", *s.MedianPayGapDays)
	}
	if s.SubscriptionSpendShare > 1 {
		return apperr.Validation("signal subscription_spend_share must be within [0,1], got %v", s.SubscriptionSpendShare)
	}
	if s.AvgUtilization > s.MaxUtilization {
		return apperr.Validation("avg_utilization %v exceeds max_utilization %v", s.AvgUtilization, s.MaxUtilization)
	}
	return nil
}
