package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Feedback values a user can attach to an alert.
const (
	FeedbackHelpful    = "helpful"
	FeedbackNotHelpful = "not_helpful"
)

// PriceCheck is one poll cycle's captured prices and short-window deltas.
// Immutable once written; the next cycle reads it back to compute deltas.
type PriceCheck struct {
	Timestamp time.Time
	Prices    map[string]decimal.Decimal
	Changes   map[string]decimal.Decimal
}

// DecisionRecord is the audit trail of one oracle consultation.
type DecisionRecord struct {
	Timestamp      time.Time
	Coin           string
	PriceChangePct decimal.Decimal
	ShouldAlert    bool
	Reason         string
	Confidence     int
}

// AlertRecord captures a delivered (or at least persisted) alert.
// Feedback is the only mutable field, set via the Telegram callback path.
type AlertRecord struct {
	ID         int64
	Timestamp  time.Time
	Coin       string
	Price      decimal.Decimal
	ChangePct  decimal.Decimal
	Reason     string
	Confidence int
	Feedback   *string
	FeedbackAt *time.Time
}

// FeedbackEntry is one feedback-bearing alert, as fed to the oracle context.
type FeedbackEntry struct {
	Coin       string
	ChangePct  decimal.Decimal
	Feedback   string
	Confidence int
}

// FeedbackStats aggregates helpful/not-helpful counts.
type FeedbackStats struct {
	Total      int
	Helpful    int
	NotHelpful int
}
