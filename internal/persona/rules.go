package persona

import (
	"fmt"

	"github.com/TobiSchelling/finpilot/internal/database"
)

// Confidence of the fallback assignment. Both sit below the lowest rule weight.
const (
	FallbackNoSignals = 0.10
	FallbackNoMatch   = 0.20
)

// FallbackPersona is assigned when no rule matches.
const FallbackPersona = database.PersonaSavingsBuilder

// rule is one row of the priority table. weight may depend on the signals,
// but must stay strictly between the weights of its neighbours.
type rule struct {
	persona  string
	weight   func(s *database.UserSignals) float64
	evaluate func(s *database.UserSignals) (bool, []database.CriterionTrace)
}

// rules is the priority table, highest first.
var rules = []rule{
	{
		persona: database.PersonaWealthBuilder,
		weight:  fixed(1.00),
		evaluate: func(s *database.UserSignals) (bool, []database.CriterionTrace) {
			c := []database.CriterionTrace{
				crit("avg_monthly_income > 10000", s.AvgMonthlyIncome > 10000, money(s.AvgMonthlyIncome)),
				crit("savings_balance > 25000", s.SavingsBalance > 25000, money(s.SavingsBalance)),
				crit("max_utilization <= 0.20", s.MaxUtilization <= 0.20, pct(s.MaxUtilization)),
				crit("no overdraft or late fees", !s.HasOverdraftOrLateFees, flag(s.HasOverdraftOrLateFees)),
				crit("investment account detected", s.InvestmentAccountDetected, flag(s.InvestmentAccountDetected)),
			}
			return allMatched(c), c
		},
	},
	{
		persona: database.PersonaHighUtilization,
		weight: func(s *database.UserSignals) float64 {
			if s.MaxUtilization >= 0.80 {
				return 0.95
			}
			return 0.80
		},
		evaluate: func(s *database.UserSignals) (bool, []database.CriterionTrace) {
			c := []database.CriterionTrace{
				crit("max_utilization >= 0.50", s.MaxUtilization >= 0.50, pct(s.MaxUtilization)),
				crit("interest_charges_present", s.InterestChargesPresent, flag(s.InterestChargesPresent)),
				crit("minimum_payment_only", s.MinimumPaymentOnly, flag(s.MinimumPaymentOnly)),
				crit("any_overdue", s.AnyOverdue, flag(s.AnyOverdue)),
			}
			return anyMatched(c), c
		},
	},
	{
		persona: database.PersonaSavingsBuilder,
		weight:  fixed(0.70),
		evaluate: func(s *database.UserSignals) (bool, []database.CriterionTrace) {
			growth := s.SavingsGrowthRate >= 0.02
			inflow := s.NetSavingsInflow >= 200
			lowUtil := s.AvgUtilization < 0.30
			c := []database.CriterionTrace{
				crit("savings_growth_rate >= 0.02", growth, pct(s.SavingsGrowthRate)),
				crit("net_savings_inflow >= 200", inflow, money(s.NetSavingsInflow)),
				crit("avg_utilization < 0.30", lowUtil, pct(s.AvgUtilization)),
			}
			return (growth || inflow) && lowUtil, c
		},
	},
	{
		persona: database.PersonaVariableIncome,
		weight:  fixed(0.60),
		evaluate: func(s *database.UserSignals) (bool, []database.CriterionTrace) {
			gapValue := "null"
			longGap := false
			if s.MedianPayGapDays != nil {
				gapValue = fmt.Sprintf("%d", *s.MedianPayGapDays)
				longGap = *s.MedianPayGapDays > 45
			}
			c := []database.CriterionTrace{
				crit("median_pay_gap_days > 45", longGap, gapValue),
				crit("cash_flow_buffer_months < 1", s.CashFlowBufferMonths < 1, fmt.Sprintf("%.2f", s.CashFlowBufferMonths)),
			}
			return allMatched(c), c
		},
	},
	{
		persona: database.PersonaSubscriptionHeavy,
		weight:  fixed(0.50),
		evaluate: func(s *database.UserSignals) (bool, []database.CriterionTrace) {
			many := s.RecurringMerchants >= 3
			spend := s.MonthlyRecurringSpend >= 50
			share := s.SubscriptionSpendShare >= 0.10
			c := []database.CriterionTrace{
				crit("recurring_merchants >= 3", many, fmt.Sprintf("%d", s.RecurringMerchants)),
				crit("monthly_recurring_spend >= 50", spend, money(s.MonthlyRecurringSpend)),
				crit("subscription_spend_share >= 0.10", share, pct(s.SubscriptionSpendShare)),
			}
			return many && (spend || share), c
		},
	},
}

func fixed(w float64) func(*database.UserSignals) float64 {
	return func(*database.UserSignals) float64 { return w }
}

func crit(name string, matched bool, value string) database.CriterionTrace {
	return database.CriterionTrace{Criterion: name, Matched: matched, Value: value}
}

func allMatched(c []database.CriterionTrace) bool {
	for _, ct := range c {
		if !ct.Matched {
			return false
		}
	}
	return true
}

func anyMatched(c []database.CriterionTrace) bool {
	for _, ct := range c {
		if ct.Matched {
			return true
		}
	}
	return false
}

func money(v float64) string { return fmt.Sprintf("%.2f", v) }
func pct(v float64) string   { return fmt.Sprintf("%.2f%%", v*100) }

func flag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
