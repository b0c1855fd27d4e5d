package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/NotShabz2004/tradesignal/internal/alerting"
	"github.com/NotShabz2004/tradesignal/internal/analyzer"
	"github.com/NotShabz2004/tradesignal/internal/config"
	"github.com/NotShabz2004/tradesignal/internal/fetcher"
	"github.com/NotShabz2004/tradesignal/internal/scheduler"
	"github.com/NotShabz2004/tradesignal/internal/storage"
)

var decHundred = decimal.NewFromInt(100)

// Service orchestrates the decision loop: fetch prices, compute deltas,
// filter significance, consult the judgment model, persist, notify.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   fetcher.PriceFetcher
	checks    storage.PriceCheckStore
	decisions storage.DecisionStore
	alerts    storage.AlertStore
	oracle    analyzer.Analyzer
	notifier  alerting.Notifier
	logger    zerolog.Logger

	coins         []string
	threshold     decimal.Decimal
	feedbackLimit int
}

// New constructs the monitoring service.
func New(cfg *config.Config, sched *scheduler.Scheduler, priceFetcher fetcher.PriceFetcher, checks storage.PriceCheckStore, decisions storage.DecisionStore, alerts storage.AlertStore, oracle analyzer.Analyzer, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:     sched,
		fetcher:       priceFetcher,
		checks:        checks,
		decisions:     decisions,
		alerts:        alerts,
		oracle:        oracle,
		notifier:      notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		coins:         cfg.Monitor.Coins,
		threshold:     decimal.NewFromFloat(cfg.Monitor.ThresholdPct),
		feedbackLimit: cfg.Monitor.FeedbackLimit,
	}
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.RunCycle)
}

// RunCycle 执行单个检查周期。Unexpected failures are converted to an error
// at this boundary so the scheduler can apply its cooldown instead of the
// process dying.
func (s *Service) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return s.runCycle(ctx)
}

func (s *Service) runCycle(ctx context.Context) error {
	now := time.Now().UTC()

	prices, err := s.fetcher.FetchPrices(ctx, s.coins)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// adapter retries are exhausted; skip this cycle without writing
		s.logger.Warn().Err(err).Msg("skipping check, price fetch failed")
		return nil
	}

	shortDeltas := s.computeShortDeltas(ctx, prices)
	longDeltas := make(map[string]decimal.Decimal, len(s.coins))
	priceMap := make(map[string]decimal.Decimal, len(s.coins))
	for _, coin := range s.coins {
		priceMap[coin] = prices[coin].Price
		longDeltas[coin] = prices[coin].Change24h
	}

	// every cycle contributes a data point, significant or not; otherwise
	// the next cycle has no baseline for its delta
	check := storage.PriceCheck{Timestamp: now, Prices: priceMap, Changes: shortDeltas}
	if err := s.checks.SavePriceCheck(ctx, check); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist price check")
	}

	s.logPrices(priceMap, shortDeltas)

	significant := make([]string, 0, len(s.coins))
	for _, coin := range s.coins {
		if shortDeltas[coin].Abs().GreaterThanOrEqual(s.threshold) {
			significant = append(significant, coin)
		}
	}
	if len(significant) == 0 {
		s.logger.Debug().Msg("no significant price changes detected")
		return nil
	}

	input := analyzer.AnalysisInput{
		Coins:       s.coins,
		Prices:      priceMap,
		ShortDeltas: shortDeltas,
		LongDeltas:  longDeltas,
		Feedback:    s.feedbackSummary(ctx),
	}

	for _, coin := range significant {
		s.judgeCoin(ctx, coin, input, now)
	}

	return nil
}

// judgeCoin consults the model for one significant coin. Failures here are
// isolated: the other coins of the same cycle are unaffected.
func (s *Service) judgeCoin(ctx context.Context, coin string, input analyzer.AnalysisInput, now time.Time) {
	verdict, err := s.oracle.Analyze(ctx, input)
	if err != nil {
		s.logger.Warn().Err(err).Str("coin", coin).Msg("failed to get judgment for coin")
		return
	}

	change := input.ShortDeltas[coin]

	decision := storage.DecisionRecord{
		Timestamp:      now,
		Coin:           coin,
		PriceChangePct: change,
		ShouldAlert:    verdict.ShouldAlert,
		Reason:         verdict.Reason,
		Confidence:     verdict.Confidence,
	}
	if err := s.decisions.SaveDecision(ctx, decision); err != nil {
		s.logger.Error().Err(err).Str("coin", coin).Msg("failed to persist decision")
	}

	if !verdict.ShouldAlert {
		s.logger.Info().Str("coin", coin).Int("confidence", verdict.Confidence).Msg("judgment declined to alert")
		return
	}

	record := storage.AlertRecord{
		Timestamp:  now,
		Coin:       coin,
		Price:      input.Prices[coin],
		ChangePct:  change,
		Reason:     verdict.Reason,
		Confidence: verdict.Confidence,
	}
	alertID, err := s.alerts.SaveAlert(ctx, record)
	if err != nil {
		// without a persisted id there is no feedback routing key, so
		// delivery is skipped too
		s.logger.Error().Err(err).Str("coin", coin).Msg("failed to persist alert")
		return
	}

	note := alerting.Alert{
		ID:         alertID,
		Coin:       coin,
		Price:      input.Prices[coin],
		ChangePct:  change,
		Reason:     verdict.Reason,
		Confidence: verdict.Confidence,
	}
	if err := s.notifier.SendAlert(ctx, note); err != nil {
		// the alert row stands as the record of the judgment; delivery
		// is best effort
		s.logger.Error().Err(err).Int64("alert_id", alertID).Msg("failed to dispatch alert")
		return
	}

	s.logger.Info().Int64("alert_id", alertID).
		Str("coin", coin).
		Str("change_pct", change.StringFixed(2)).
		Msg("alert sent")
}

// computeShortDeltas derives percentage change against the previous check.
// Delta is zero when no prior check exists or the prior price is non-positive.
func (s *Service) computeShortDeltas(ctx context.Context, prices map[string]fetcher.CoinPrice) map[string]decimal.Decimal {
	deltas := make(map[string]decimal.Decimal, len(s.coins))
	for _, coin := range s.coins {
		deltas[coin] = decimal.Zero
	}

	last, err := s.checks.LastPriceCheck(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load previous price check")
		return deltas
	}
	if last == nil {
		s.logger.Info().Msg("no previous price check found, skipping change calculation")
		return deltas
	}

	for _, coin := range s.coins {
		prev := last.Prices[coin]
		if prev.Sign() <= 0 {
			continue
		}
		current := prices[coin].Price
		deltas[coin] = current.Sub(prev).Div(prev).Mul(decHundred)
	}
	return deltas
}

func (s *Service) feedbackSummary(ctx context.Context) analyzer.FeedbackSummary {
	entries, err := s.alerts.RecentFeedback(ctx, s.feedbackLimit)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load recent feedback")
		return analyzer.FeedbackSummary{}
	}

	var summary analyzer.FeedbackSummary
	for _, entry := range entries {
		switch entry.Feedback {
		case storage.FeedbackHelpful:
			summary.Helpful++
		case storage.FeedbackNotHelpful:
			summary.NotHelpful++
		}
	}
	return summary
}

func (s *Service) logPrices(prices, deltas map[string]decimal.Decimal) {
	event := s.logger.Info()
	for _, coin := range s.coins {
		event = event.
			Str(coin+"_price", prices[coin].StringFixed(2)).
			Str(coin+"_change_pct", deltas[coin].StringFixed(2))
	}
	event.Msg("price check recorded")
}
