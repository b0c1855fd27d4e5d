package analyzer

import (
	"context"

	"github.com/shopspring/decimal"
)

// FeedbackSummary aggregates recent user reactions for oracle context.
type FeedbackSummary struct {
	Helpful    int
	NotHelpful int
}

// AnalysisInput carries everything the judgment model sees for one coin:
// all tracked prices, both delta windows, and the feedback tally.
type AnalysisInput struct {
	Coins       []string
	Prices      map[string]decimal.Decimal
	ShortDeltas map[string]decimal.Decimal
	LongDeltas  map[string]decimal.Decimal
	Feedback    FeedbackSummary
}

// Verdict is the model's structured alert decision.
type Verdict struct {
	ShouldAlert bool   `json:"should_alert"`
	Coin        string `json:"coin"`
	Reason      string `json:"reason"`
	Confidence  int    `json:"confidence"`
	Message     string `json:"message"`
}

// Analyzer decides whether a price movement warrants alerting the user.
// Each call is independent; implementations carry no session state.
type Analyzer interface {
	Analyze(ctx context.Context, input AnalysisInput) (*Verdict, error)
}
