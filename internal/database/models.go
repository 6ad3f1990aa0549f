package database

import (
	"encoding/json"
	"time"
)

// Persona labels, in classifier priority order.
const (
	PersonaWealthBuilder     = "wealth_builder"
	PersonaHighUtilization   = "high_utilization"
	PersonaSavingsBuilder    = "savings_builder"
	PersonaVariableIncome    = "variable_income"
	PersonaSubscriptionHeavy = "subscription_heavy"
)

// Recommendation statuses. No other values are ever persisted.
const (
	StatusPendingApproval = "pending_approval"
	StatusApproved        = "approved"
	StatusOverridden      = "overridden"
	StatusRejected        = "rejected"
)

const (
	ContentEducation    = "education"
	ContentPartnerOffer = "partner_offer"
)

// Operator action types.
const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionOverride = "override"
)

// Validation warning severities.
const (
	SeverityCritical = "critical"
	SeverityNotable  = "notable"
)

// User is a customer known to the consent store.
type User struct {
	UserID           string     `json:"user_id"`
	FullName         string     `json:"full_name"`
	Email            string     `json:"email"`
	ConsentStatus    bool       `json:"consent_status"`
	ConsentGrantedAt *time.Time `json:"consent_granted_at,omitempty"`
	ConsentRevokedAt *time.Time `json:"consent_revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ConsentEvent is one entry of a user's consent history.
type ConsentEvent struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"` // "granted" or "revoked"
	Timestamp time.Time `json:"timestamp"`
}

// Consent is the current consent flag plus its history, oldest first.
type Consent struct {
	Granted bool           `json:"granted"`
	History []ConsentEvent `json:"history"`
}

// UserSignals is a computed behavioral feature snapshot for one observation window.
type UserSignals struct {
	UserID     string    `json:"user_id" yaml:"user_id"`
	WindowDays int       `json:"window_days" yaml:"window_days"`
	ComputedAt time.Time `json:"computed_at" yaml:"computed_at"`

	RecurringMerchants     int     `json:"recurring_merchants" yaml:"recurring_merchants"`
	MonthlyRecurringSpend  float64 `json:"monthly_recurring_spend" yaml:"monthly_recurring_spend"`
	SubscriptionSpendShare float64 `json:"subscription_spend_share" yaml:"subscription_spend_share"`

	NetSavingsInflow    float64 `json:"net_savings_inflow" yaml:"net_savings_inflow"`
	SavingsGrowthRate   float64 `json:"savings_growth_rate" yaml:"savings_growth_rate"`
	EmergencyFundMonths float64 `json:"emergency_fund_months" yaml:"emergency_fund_months"`
	SavingsBalance      float64 `json:"savings_balance" yaml:"savings_balance"`

	AvgUtilization         float64 `json:"avg_utilization" yaml:"avg_utilization"`
	MaxUtilization         float64 `json:"max_utilization" yaml:"max_utilization"`
	MinimumPaymentOnly     bool    `json:"minimum_payment_only" yaml:"minimum_payment_only"`
	InterestChargesPresent bool    `json:"interest_charges_present" yaml:"interest_charges_present"`
	AnyOverdue             bool    `json:"any_overdue" yaml:"any_overdue"`

	PayrollDetected      bool     `json:"payroll_detected" yaml:"payroll_detected"`
	MedianPayGapDays     *int     `json:"median_pay_gap_days,omitempty" yaml:"median_pay_gap_days"`
	IncomeVariability    *float64 `json:"income_variability,omitempty" yaml:"income_variability"`
	CashFlowBufferMonths float64  `json:"cash_flow_buffer_months" yaml:"cash_flow_buffer_months"`
	AvgMonthlyIncome     float64  `json:"avg_monthly_income" yaml:"avg_monthly_income"`

	InvestmentAccountDetected bool `json:"investment_account_detected" yaml:"investment_account_detected"`
	HasSavingsAccount         bool `json:"has_savings_account" yaml:"has_savings_account"`
	HasOverdraftOrLateFees    bool `json:"has_overdraft_or_late_fees" yaml:"has_overdraft_or_late_fees"`
}

// CriterionTrace records one predicate term and the signal value it saw.
type CriterionTrace struct {
	Criterion string `json:"criterion"`
	Matched   bool   `json:"matched"`
	Value     string `json:"value"`
}

// CandidateTrace is the evaluation of one persona predicate.
type CandidateTrace struct {
	Persona  string           `json:"persona"`
	Priority float64          `json:"priority"`
	Matched  bool             `json:"matched"`
	Criteria []CriterionTrace `json:"criteria"`
}

// Reasoning explains a persona assignment.
type Reasoning struct {
	Candidates []CandidateTrace `json:"candidates"`
	Fallback   bool             `json:"fallback"`
	Reason     string           `json:"reason"`
}

// MatchedCriteria returns the matched criteria of the winning candidate.
func (r Reasoning) MatchedCriteria(persona string) []CriterionTrace {
	for _, c := range r.Candidates {
		if c.Persona != persona || !c.Matched {
			continue
		}
		var out []CriterionTrace
		for _, crit := range c.Criteria {
			if crit.Matched {
				out = append(out, crit)
			}
		}
		return out
	}
	return nil
}

// PersonaAssignment is the classifier output for (user, window).
type PersonaAssignment struct {
	UserID     string    `json:"user_id"`
	WindowDays int       `json:"window_days"`
	Persona    string    `json:"persona_type"`
	Confidence float64   `json:"confidence_score"`
	AssignedAt time.Time `json:"assigned_at"`
	Reasoning  Reasoning `json:"reasoning"`
}

// Warning is one tone/safety validation finding.
type Warning struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// PartnerOfferData is attached to partner_offer recommendations.
type PartnerOfferData struct {
	OfferID           string `json:"offer_id"`
	Provider          string `json:"provider"`
	Category          string `json:"category"`
	EligibilityReason string `json:"eligibility_reason"`
}

// Metadata is the structured metadata column of a recommendation.
type Metadata struct {
	ValidationWarnings []Warning                  `json:"validation_warnings"`
	PartnerOffer       *PartnerOfferData          `json:"partner_offer,omitempty"`
	RejectionReason    string                     `json:"rejection_reason,omitempty"`
	Extensions         map[string]json.RawMessage `json:"extensions,omitempty"`
}

// OriginalContent is the snapshot taken when an operator overrides content.
type OriginalContent struct {
	OriginalTitle string    `json:"original_title"`
	OriginalBody  *string   `json:"original_body"`
	OverriddenAt  time.Time `json:"overridden_at"`
}

// Recommendation is a generated piece of content moving through approval.
type Recommendation struct {
	ID                  string           `json:"recommendation_id"`
	UserID              string           `json:"user_id"`
	PersonaType         string           `json:"persona_type"`
	WindowDays          int              `json:"window_days"`
	ContentType         string           `json:"content_type"`
	Title               string           `json:"title"`
	Body                *string          `json:"body"`
	Rationale           string           `json:"rationale"`
	Status              string           `json:"status"`
	ApprovedBy          *string          `json:"approver_id"`
	ApprovedAt          *time.Time       `json:"approved_at"`
	OverrideReason      *string          `json:"override_reason"`
	OriginalContent     *OriginalContent `json:"original_content"`
	Metadata            Metadata         `json:"metadata"`
	GeneratedAt         time.Time        `json:"generated_at"`
	GenerationLatencyMS *int64           `json:"generation_latency_ms"`
	ExpiresAt           *time.Time       `json:"expires_at"`
}

// Visible reports whether the end user may see the recommendation.
func (r *Recommendation) Visible() bool {
	return r.Status == StatusApproved || r.Status == StatusOverridden
}

// OperatorAction is one append-only audit record.
type OperatorAction struct {
	ID               int64     `json:"action_id"`
	OperatorID       string    `json:"operator_id"`
	ActionType       string    `json:"action_type"`
	RecommendationID string    `json:"recommendation_id"`
	UserID           string    `json:"user_id"`
	Reason           *string   `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
}

// ProductOffer is a partner product with eligibility rules.
type ProductOffer struct {
	OfferID                      string   `json:"offer_id" yaml:"offer_id"`
	Name                         string   `json:"name" yaml:"name"`
	Provider                     string   `json:"provider" yaml:"provider"`
	Category                     string   `json:"category" yaml:"category"`
	Description                  string   `json:"description" yaml:"description"`
	TargetPersonas               []string `json:"target_personas" yaml:"target_personas"`
	MinIncome                    float64  `json:"min_income" yaml:"min_income"`
	MaxCreditUtilization         float64  `json:"max_credit_utilization" yaml:"max_credit_utilization"`
	RequiresNoExistingSavings    bool     `json:"requires_no_existing_savings" yaml:"requires_no_existing_savings"`
	RequiresNoExistingInvestment bool     `json:"requires_no_existing_investment" yaml:"requires_no_existing_investment"`
	Active                       bool     `json:"active" yaml:"active"`
}

// GenerationRun is a best-effort log row of one get-or-generate call.
type GenerationRun struct {
	ID                  int64
	Fingerprint         string
	Cached              bool
	RecommendationCount int
	LatencyMS           int64
	CreatedAt           time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalUsers          int            `json:"total_users"`
	UsersWithConsent    int            `json:"users_with_consent"`
	PersonaDistribution map[string]int `json:"persona_distribution"`
	Recommendations     map[string]int `json:"recommendations"`
	OperatorActions     int            `json:"operator_actions"`
	AvgLatencyMS        float64        `json:"avg_latency_ms"`
}
