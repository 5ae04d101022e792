package storage

import "time"

// TransactionType distinguishes money in from money out.
type TransactionType string

const (
	TransactionTypeExpense TransactionType = "expense"
	TransactionTypeIncome  TransactionType = "income"
)

// Frequency is the billing cadence of a subscription.
type Frequency string

const (
	FrequencyWeekly     Frequency = "weekly"
	FrequencyBiweekly   Frequency = "biweekly"
	FrequencyMonthly    Frequency = "monthly"
	FrequencyQuarterly  Frequency = "quarterly"
	FrequencySemiAnnual Frequency = "semiAnnual"
	FrequencyAnnual     Frequency = "annual"
)

// CandidateStatus is the lifecycle state of a detected candidate.
type CandidateStatus string

const (
	CandidateStatusPending   CandidateStatus = "pending"
	CandidateStatusAccepted  CandidateStatus = "accepted"
	CandidateStatusDismissed CandidateStatus = "dismissed"
)

// LinkStatus is the state of a transaction-subscription association.
type LinkStatus string

const (
	LinkStatusActive   LinkStatus = "active"
	LinkStatusUnlinked LinkStatus = "unlinked"
)

// MatchSource records how a link came to exist.
type MatchSource string

const (
	MatchSourceRule   MatchSource = "rule"
	MatchSourceManual MatchSource = "manual"
)

// CategorySourceSubscription marks a category applied automatically by a
// subscription match, as opposed to one the user picked.
const CategorySourceSubscription = "subscription"

// Transaction is a ledger row. Amounts are integer minor currency units
// (cents); expenses carry their natural sign from the importing system, so
// consumers work with absolute values.
type Transaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	AccountID      string          `json:"account_id"`
	Amount         int64           `json:"amount"`
	CurrencyCode   string          `json:"currency_code"`
	Note           string          `json:"note"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Type           TransactionType `json:"type"`
	IsTransfer     bool            `json:"is_transfer"`
	RefundLinked   bool            `json:"refund_linked"`
	CategoryID     string          `json:"category_id,omitempty"`
	CategorySource string          `json:"category_source,omitempty"`
}

// MatchingRule is one condition on a subscription. Field decides which
// operator and value fields are meaningful:
//
//   - note / contains_any: Values holds the substrings
//   - amount / between: MinAmount, MaxAmount, CurrencyCode
//   - transactionType / equals, accountId / equals: Value
//
// Rules are stored as a JSON array on the subscription row. A rule whose
// shape does not fit its field evaluates as non-matching rather than failing.
type MatchingRule struct {
	Field        string   `json:"field"`
	Operator     string   `json:"operator"`
	Values       []string `json:"values,omitempty"`
	MinAmount    *int64   `json:"min_amount,omitempty"`
	MaxAmount    *int64   `json:"max_amount,omitempty"`
	CurrencyCode string   `json:"currency_code,omitempty"`
	Value        string   `json:"value,omitempty"`
}

// Rule field names.
const (
	RuleFieldNote            = "note"
	RuleFieldAmount          = "amount"
	RuleFieldTransactionType = "transactionType"
	RuleFieldAccountID       = "accountId"
)

// Rule operators.
const (
	RuleOpContainsAny = "contains_any"
	RuleOpBetween     = "between"
	RuleOpEquals      = "equals"
)

// Subscription is a user-declared recurring payment with matching rules.
// All rules must hold for a transaction to match.
type Subscription struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Name             string         `json:"name"`
	ExpectedAmount   *int64         `json:"expected_amount,omitempty"`
	ExpectedCurrency string         `json:"expected_currency,omitempty"`
	Frequency        Frequency      `json:"frequency"`
	AccountID        string         `json:"account_id,omitempty"`
	CategoryID       string         `json:"category_id,omitempty"`
	Rules            []MatchingRule `json:"rules"`
	Active           bool           `json:"active"`
	CreatedAt        time.Time      `json:"created_at"`
}

// AmountRule returns the subscription's amount/between rule, or nil if it
// only carries other rule kinds.
func (s *Subscription) AmountRule() *MatchingRule {
	for i := range s.Rules {
		if s.Rules[i].Field == RuleFieldAmount && s.Rules[i].Operator == RuleOpBetween {
			return &s.Rules[i]
		}
	}
	return nil
}

// SubscriptionCandidate is a detected-but-unconfirmed recurring pattern.
type SubscriptionCandidate struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	SuggestedName        string          `json:"suggested_name"`
	Frequency            Frequency       `json:"frequency"`
	AverageAmount        int64           `json:"average_amount"`
	CurrencyCode         string          `json:"currency_code"`
	AccountID            string          `json:"account_id,omitempty"`
	SampleTransactionIDs []string        `json:"sample_transaction_ids"`
	OccurrenceCount      int             `json:"occurrence_count"`
	Confidence           float64         `json:"confidence"`
	MedianIntervalDays   float64         `json:"median_interval_days"`
	Status               CandidateStatus `json:"status"`
	DetectedAt           time.Time       `json:"detected_at"`
	LastOccurrenceAt     time.Time       `json:"last_occurrence_at"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
	SubscriptionID       string          `json:"subscription_id,omitempty"`
}

// SubscriptionLink associates a transaction with a subscription. For any
// transaction id, at most one row across all subscriptions may be active at
// a time; unlinking flips status instead of deleting so history survives.
type SubscriptionLink struct {
	ID             string      `json:"id"`
	SubscriptionID string      `json:"subscription_id"`
	TransactionID  string      `json:"transaction_id"`
	Status         LinkStatus  `json:"status"`
	MatchSource    MatchSource `json:"match_source"`
	MatchedAt      time.Time   `json:"matched_at"`
}

// DetectionRun records when candidate detection last ran for a user, backing
// the cooldown across process restarts.
type DetectionRun struct {
	UserID string    `json:"user_id"`
	RanAt  time.Time `json:"ran_at"`
}
