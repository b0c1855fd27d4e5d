package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// CoinPrice is one instrument's spot price and provider-reported 24h change.
type CoinPrice struct {
	Price     decimal.Decimal
	Change24h decimal.Decimal
}

// PriceFetcher retrieves current prices for a set of tracked instruments.
// Implementations absorb their own retry policy; a returned error means the
// operation is exhausted for this cycle.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, coins []string) (map[string]CoinPrice, error)
}
