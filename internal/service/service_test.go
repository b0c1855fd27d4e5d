package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/NotShabz2004/tradesignal/internal/alerting"
	"github.com/NotShabz2004/tradesignal/internal/analyzer"
	"github.com/NotShabz2004/tradesignal/internal/config"
	"github.com/NotShabz2004/tradesignal/internal/fetcher"
	"github.com/NotShabz2004/tradesignal/internal/storage"
)

var testCoins = []string{"bitcoin", "ethereum", "solana"}

type staticFetcher struct {
	prices map[string]fetcher.CoinPrice
	err    error
}

func (f *staticFetcher) FetchPrices(ctx context.Context, coins []string) (map[string]fetcher.CoinPrice, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prices, nil
}

type memoryStore struct {
	checks    []storage.PriceCheck
	decisions []storage.DecisionRecord
	alerts    []storage.AlertRecord
	nextID    int64
	feedback  []storage.FeedbackEntry
}

func (m *memoryStore) SavePriceCheck(ctx context.Context, check storage.PriceCheck) error {
	m.checks = append(m.checks, check)
	return nil
}

func (m *memoryStore) LastPriceCheck(ctx context.Context) (*storage.PriceCheck, error) {
	if len(m.checks) == 0 {
		return nil, nil
	}
	check := m.checks[len(m.checks)-1]
	return &check, nil
}

func (m *memoryStore) SaveDecision(ctx context.Context, decision storage.DecisionRecord) error {
	m.decisions = append(m.decisions, decision)
	return nil
}

func (m *memoryStore) SaveAlert(ctx context.Context, alert storage.AlertRecord) (int64, error) {
	m.nextID++
	alert.ID = m.nextID
	m.alerts = append(m.alerts, alert)
	return alert.ID, nil
}

func (m *memoryStore) SetAlertFeedback(ctx context.Context, id int64, value string) error {
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			v := value
			now := time.Now().UTC()
			m.alerts[i].Feedback = &v
			m.alerts[i].FeedbackAt = &now
			return nil
		}
	}
	return storage.ErrUnknownAlert
}

func (m *memoryStore) RecentFeedback(ctx context.Context, limit int) ([]storage.FeedbackEntry, error) {
	return m.feedback, nil
}

func (m *memoryStore) RecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	return m.alerts, nil
}

func (m *memoryStore) FeedbackStats(ctx context.Context) (storage.FeedbackStats, error) {
	return storage.FeedbackStats{}, nil
}

// scriptedOracle returns its verdicts (or errors) in call order.
type scriptedOracle struct {
	verdicts []*analyzer.Verdict
	errs     []error
	calls    int
	inputs   []analyzer.AnalysisInput
}

func (o *scriptedOracle) Analyze(ctx context.Context, input analyzer.AnalysisInput) (*analyzer.Verdict, error) {
	idx := o.calls
	o.calls++
	o.inputs = append(o.inputs, input)
	if idx < len(o.errs) && o.errs[idx] != nil {
		return nil, o.errs[idx]
	}
	if idx < len(o.verdicts) {
		return o.verdicts[idx], nil
	}
	return nil, errors.New("no scripted verdict")
}

type recordingNotifier struct {
	sent    []alerting.Alert
	sendErr error
}

func (n *recordingNotifier) SendAlert(ctx context.Context, alert alerting.Alert) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, alert)
	return nil
}

func (n *recordingNotifier) Announce(ctx context.Context, text string) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Monitor: config.MonitorConfig{
			Interval:      10 * time.Minute,
			ThresholdPct:  0.1,
			Coins:         testCoins,
			FeedbackLimit: 10,
		},
	}
}

func newTestService(f fetcher.PriceFetcher, store *memoryStore, oracle analyzer.Analyzer, notifier alerting.Notifier) *Service {
	return New(testConfig(), nil, f, store, store, store, oracle, notifier, zerolog.Nop())
}

func pricesOf(btc, eth, sol float64) map[string]fetcher.CoinPrice {
	return map[string]fetcher.CoinPrice{
		"bitcoin":  {Price: decimal.NewFromFloat(btc), Change24h: decimal.NewFromFloat(1.5)},
		"ethereum": {Price: decimal.NewFromFloat(eth), Change24h: decimal.NewFromFloat(-0.5)},
		"solana":   {Price: decimal.NewFromFloat(sol), Change24h: decimal.Zero},
	}
}

func seedCheck(store *memoryStore, btc, eth, sol float64) {
	store.checks = append(store.checks, storage.PriceCheck{
		Timestamp: time.Now().UTC().Add(-10 * time.Minute),
		Prices: map[string]decimal.Decimal{
			"bitcoin":  decimal.NewFromFloat(btc),
			"ethereum": decimal.NewFromFloat(eth),
			"solana":   decimal.NewFromFloat(sol),
		},
		Changes: map[string]decimal.Decimal{
			"bitcoin": decimal.Zero, "ethereum": decimal.Zero, "solana": decimal.Zero,
		},
	})
}

func TestCycleAlertsOnSignificantChange(t *testing.T) {
	store := &memoryStore{}
	seedCheck(store, 50000, 3000, 150)

	oracle := &scriptedOracle{verdicts: []*analyzer.Verdict{
		{ShouldAlert: true, Coin: "bitcoin", Reason: "breakout", Confidence: 85, Message: "BTC moving"},
	}}
	notifier := &recordingNotifier{}
	// BTC 50000 -> 50100 is +0.20%, above the 0.1% threshold; ETH/SOL unchanged
	svc := newTestService(&staticFetcher{prices: pricesOf(50100, 3000, 150)}, store, oracle, notifier)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle 不应报错: %v", err)
	}

	if len(store.checks) != 2 {
		t.Fatalf("应追加一条 price check, 实际 %d", len(store.checks))
	}
	delta := store.checks[1].Changes["bitcoin"]
	if !delta.Equal(decimal.NewFromFloat(0.2)) {
		t.Fatalf("expected bitcoin delta 0.2, got %s", delta)
	}

	if oracle.calls != 1 {
		t.Fatalf("只有 bitcoin 显著, oracle 应被调用一次, 实际 %d", oracle.calls)
	}
	if len(store.decisions) != 1 || !store.decisions[0].ShouldAlert {
		t.Fatalf("decision 持久化不正确: %#v", store.decisions)
	}
	if len(store.alerts) != 1 || store.alerts[0].Coin != "bitcoin" {
		t.Fatalf("alert 持久化不正确: %#v", store.alerts)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].ID != store.alerts[0].ID {
		t.Fatalf("通知应携带持久化的 alert id: %#v", notifier.sent)
	}
}

func TestCycleNoPriorCheckYieldsZeroDeltas(t *testing.T) {
	store := &memoryStore{}
	oracle := &scriptedOracle{}
	notifier := &recordingNotifier{}
	svc := newTestService(&staticFetcher{prices: pricesOf(50100, 3000, 150)}, store, oracle, notifier)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle 不应报错: %v", err)
	}

	if len(store.checks) != 1 {
		t.Fatal("没有前序数据也应保存 price check")
	}
	for _, coin := range testCoins {
		if !store.checks[0].Changes[coin].IsZero() {
			t.Fatalf("无前序数据时 delta 应为 0: %s", coin)
		}
	}
	if oracle.calls != 0 {
		t.Fatal("零 delta 不应触发 oracle")
	}
}

func TestCycleZeroPriorPriceYieldsZeroDelta(t *testing.T) {
	store := &memoryStore{}
	seedCheck(store, 0, 3000, 150)

	oracle := &scriptedOracle{}
	svc := newTestService(&staticFetcher{prices: pricesOf(50100, 3000, 150)}, store, oracle, &recordingNotifier{})

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle 不应报错: %v", err)
	}
	if !store.checks[1].Changes["bitcoin"].IsZero() {
		t.Fatalf("前序价格为 0 时 delta 应为 0, 实际 %s", store.checks[1].Changes["bitcoin"])
	}
}

func TestCycleFetchFailureWritesNothing(t *testing.T) {
	store := &memoryStore{}
	oracle := &scriptedOracle{}
	svc := newTestService(&staticFetcher{err: errors.New("api down")}, store, oracle, &recordingNotifier{})

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("fetch 失败应跳过本周期而非报错: %v", err)
	}
	if len(store.checks)+len(store.decisions)+len(store.alerts) != 0 {
		t.Fatal("fetch 失败后不应有任何写入")
	}
	if oracle.calls != 0 {
		t.Fatal("fetch 失败后不应调用 oracle")
	}
}

func TestCyclePerCoinIsolation(t *testing.T) {
	store := &memoryStore{}
	seedCheck(store, 50000, 3000, 150)

	// bitcoin and ethereum both significant; first judgment fails
	oracle := &scriptedOracle{
		errs: []error{errors.New("model unavailable"), nil},
		verdicts: []*analyzer.Verdict{
			nil,
			{ShouldAlert: true, Coin: "ethereum", Reason: "drop", Confidence: 70, Message: "ETH falling"},
		},
	}
	notifier := &recordingNotifier{}
	svc := newTestService(&staticFetcher{prices: pricesOf(50100, 2990, 150)}, store, oracle, notifier)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle 不应报错: %v", err)
	}

	if oracle.calls != 2 {
		t.Fatalf("两个显著币种应各自咨询一次, 实际 %d", oracle.calls)
	}
	if len(store.decisions) != 1 || store.decisions[0].Coin != "ethereum" {
		t.Fatalf("bitcoin 失败不应影响 ethereum: %#v", store.decisions)
	}
	if len(store.alerts) != 1 || store.alerts[0].Coin != "ethereum" {
		t.Fatalf("alert 应只属于 ethereum: %#v", store.alerts)
	}
}

func TestCycleDecisionWithoutAlert(t *testing.T) {
	store := &memoryStore{}
	seedCheck(store, 50000, 3000, 150)

	oracle := &scriptedOracle{verdicts: []*analyzer.Verdict{
		{ShouldAlert: false, Coin: "bitcoin", Reason: "noise", Confidence: 30, Message: ""},
	}}
	notifier := &recordingNotifier{}
	svc := newTestService(&staticFetcher{prices: pricesOf(50100, 3000, 150)}, store, oracle, notifier)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle 不应报错: %v", err)
	}

	if len(store.decisions) != 1 || store.decisions[0].ShouldAlert {
		t.Fatalf("should_alert=false 的 decision 也应持久化: %#v", store.decisions)
	}
	if len(store.alerts) != 0 || len(notifier.sent) != 0 {
		t.Fatal("should_alert=false 不应产生 alert 或通知")
	}
}

func TestCycleThresholdBoundaryInclusive(t *testing.T) {
	store := &memoryStore{}
	seedCheck(store, 1000, 3000, 150)

	oracle := &scriptedOracle{verdicts: []*analyzer.Verdict{
		{ShouldAlert: false, Coin: "bitcoin", Reason: "boundary", Confidence: 50, Message: ""},
	}}
	// 1000 -> 1001 is exactly +0.1%, equal to the threshold: included
	svc := newTestService(&staticFetcher{prices: pricesOf(1001, 3000, 150)}, store, oracle, &recordingNotifier{})

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle 不应报错: %v", err)
	}
	if oracle.calls != 1 {
		t.Fatalf("delta 恰好等于阈值时应触发 oracle, calls=%d", oracle.calls)
	}
}

func TestCycleNotifyFailureKeepsAlertRow(t *testing.T) {
	store := &memoryStore{}
	seedCheck(store, 50000, 3000, 150)

	oracle := &scriptedOracle{verdicts: []*analyzer.Verdict{
		{ShouldAlert: true, Coin: "bitcoin", Reason: "breakout", Confidence: 85, Message: ""},
	}}
	notifier := &recordingNotifier{sendErr: errors.New("telegram down")}
	svc := newTestService(&staticFetcher{prices: pricesOf(50100, 3000, 150)}, store, oracle, notifier)

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("通知失败不应令周期报错: %v", err)
	}
	if len(store.alerts) != 1 {
		t.Fatal("通知失败不应回滚已持久化的 alert")
	}
}

func TestCycleFeedbackSummaryReachesOracle(t *testing.T) {
	store := &memoryStore{
		feedback: []storage.FeedbackEntry{
			{Coin: "bitcoin", Feedback: storage.FeedbackHelpful},
			{Coin: "bitcoin", Feedback: storage.FeedbackHelpful},
			{Coin: "ethereum", Feedback: storage.FeedbackNotHelpful},
		},
	}
	seedCheck(store, 50000, 3000, 150)

	oracle := &scriptedOracle{verdicts: []*analyzer.Verdict{
		{ShouldAlert: false, Coin: "bitcoin", Reason: "r", Confidence: 40, Message: ""},
	}}
	svc := newTestService(&staticFetcher{prices: pricesOf(50100, 3000, 150)}, store, oracle, &recordingNotifier{})

	if err := svc.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle 不应报错: %v", err)
	}
	if len(oracle.inputs) != 1 {
		t.Fatal("oracle 应被调用一次")
	}
	summary := oracle.inputs[0].Feedback
	if summary.Helpful != 2 || summary.NotHelpful != 1 {
		t.Fatalf("反馈汇总不正确: %+v", summary)
	}
}

type panickyFetcher struct{}

func (panickyFetcher) FetchPrices(ctx context.Context, coins []string) (map[string]fetcher.CoinPrice, error) {
	panic("unexpected")
}

func TestRunCycleRecoversPanics(t *testing.T) {
	store := &memoryStore{}
	svc := newTestService(panickyFetcher{}, store, &scriptedOracle{}, &recordingNotifier{})

	err := svc.RunCycle(context.Background())
	if err == nil {
		t.Fatal("panic 应被捕获并转换为错误")
	}
}

func TestFeedbackIdempotence(t *testing.T) {
	store := &memoryStore{}
	id, err := store.SaveAlert(context.Background(), storage.AlertRecord{Coin: "bitcoin"})
	if err != nil {
		t.Fatalf("SaveAlert 失败: %v", err)
	}

	if err := store.SetAlertFeedback(context.Background(), id, storage.FeedbackHelpful); err != nil {
		t.Fatalf("首次反馈应成功: %v", err)
	}
	if err := store.SetAlertFeedback(context.Background(), id, storage.FeedbackHelpful); err != nil {
		t.Fatalf("重复同值反馈应等价于一次: %v", err)
	}
	if got := *store.alerts[0].Feedback; got != storage.FeedbackHelpful {
		t.Fatalf("反馈值不正确: %s", got)
	}
}
