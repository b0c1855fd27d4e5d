package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const simplePricePath = "/simple/price"

// CoinGeckoOptions parameterise the price fetcher.
type CoinGeckoOptions struct {
	BaseURL        string
	Currency       string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	UserAgent      string
}

// CoinGecko fetches spot prices from the CoinGecko simple price API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinGecko constructs a CoinGecko price fetcher.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "price_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchPrices retrieves current prices and 24h changes for the given coins.
// Up to MaxAttempts tries with doubling backoff; instruments missing from the
// provider response come back zero-valued so delta math treats them as stale.
func (c *CoinGecko) FetchPrices(ctx context.Context, coins []string) (map[string]CoinPrice, error) {
	if len(coins) == 0 {
		return nil, fmt.Errorf("no coins requested")
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		prices, err := c.fetchOnce(ctx, coins)
		if err == nil {
			return prices, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("price fetch attempt failed")

		if attempt < c.opts.MaxAttempts {
			delay := c.opts.RetryBaseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, fmt.Errorf("fetch prices after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

func (c *CoinGecko) fetchOnce(ctx context.Context, coins []string) (map[string]CoinPrice, error) {
	params := url.Values{}
	params.Set("ids", strings.Join(coins, ","))
	params.Set("vs_currencies", c.opts.Currency)
	params.Set("include_24hr_change", "true")

	endpoint := c.baseURL + simplePricePath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coingecko api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var raw map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode price payload: %w", err)
	}

	changeKey := c.opts.Currency + "_24h_change"
	prices := make(map[string]CoinPrice, len(coins))
	for _, coin := range coins {
		entry, ok := raw[coin]
		if !ok {
			c.logger.Warn().Str("coin", coin).Msg("price data missing for coin")
			prices[coin] = CoinPrice{}
			continue
		}
		prices[coin] = CoinPrice{
			Price:     numberToDecimal(entry[c.opts.Currency]),
			Change24h: numberToDecimal(entry[changeKey]),
		}
	}

	return prices, nil
}

func numberToDecimal(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ PriceFetcher = (*CoinGecko)(nil)
