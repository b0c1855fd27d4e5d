package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFetchPricesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("include_24hr_change"); got != "true" {
			t.Fatalf("应请求 24h 涨跌幅, 实际参数 %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"bitcoin": {"usd": 50000.5, "usd_24h_change": 2.3},
			"ethereum": {"usd": 3000, "usd_24h_change": -1.2}
		}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	prices, err := cg.FetchPrices(context.Background(), []string{"bitcoin", "ethereum", "solana"})
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}

	if !prices["bitcoin"].Price.Equal(decimal.NewFromFloat(50000.5)) {
		t.Fatalf("bitcoin 价格不正确: %s", prices["bitcoin"].Price)
	}
	if !prices["ethereum"].Change24h.Equal(decimal.NewFromFloat(-1.2)) {
		t.Fatalf("ethereum 24h 涨跌幅不正确: %s", prices["ethereum"].Change24h)
	}
	// solana absent from the response: zero-valued entry, not an error
	if !prices["solana"].Price.IsZero() {
		t.Fatalf("缺失币种应返回零值, 实际 %s", prices["solana"].Price)
	}
}

func TestFetchPricesRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{
		BaseURL:        srv.URL,
		Timeout:        time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}, noopLogger())

	if _, err := cg.FetchPrices(context.Background(), []string{"bitcoin"}); err == nil {
		t.Fatal("连续失败应返回错误")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchPricesRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"bitcoin": {"usd": 1, "usd_24h_change": 0}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(CoinGeckoOptions{
		BaseURL:        srv.URL,
		Timeout:        time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
	}, noopLogger())

	prices, err := cg.FetchPrices(context.Background(), []string{"bitcoin"})
	if err != nil {
		t.Fatalf("第二次尝试成功后不应报错: %v", err)
	}
	if !prices["bitcoin"].Price.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("价格不正确: %s", prices["bitcoin"].Price)
	}
}

func TestFetchPricesEmptyCoins(t *testing.T) {
	cg := NewCoinGecko(CoinGeckoOptions{}, noopLogger())
	if _, err := cg.FetchPrices(context.Background(), nil); err == nil {
		t.Fatal("空币种列表应返回错误")
	}
}
