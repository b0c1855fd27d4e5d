package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/NotShabz2004/tradesignal/internal/alerting"
	"github.com/NotShabz2004/tradesignal/internal/analyzer"
	"github.com/NotShabz2004/tradesignal/internal/config"
	"github.com/NotShabz2004/tradesignal/internal/fetcher"
	"github.com/NotShabz2004/tradesignal/internal/scheduler"
	"github.com/NotShabz2004/tradesignal/internal/service"
	"github.com/NotShabz2004/tradesignal/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.PriceFetcher {
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:        a.Config.CoinGecko.BaseURL,
		Currency:       a.Config.Monitor.Currency,
		Timeout:        a.Config.CoinGecko.RequestTimeout,
		MaxAttempts:    a.Config.CoinGecko.MaxAttempts,
		RetryBaseDelay: a.Config.CoinGecko.RetryBaseDelay,
		UserAgent:      a.Config.CoinGecko.UserAgent,
	}, a.Logger)
}

func (a *App) newAnalyzer() analyzer.Analyzer {
	return analyzer.NewGemini(analyzer.GeminiOptions{
		APIKey:      a.Config.Gemini.APIKey,
		Model:       a.Config.Gemini.Model,
		BaseURL:     a.Config.Gemini.BaseURL,
		Timeout:     a.Config.Gemini.RequestTimeout,
		MaxAttempts: a.Config.Gemini.MaxAttempts,
	}, a.Logger)
}

func (a *App) newNotifier() *alerting.TelegramNotifier {
	return alerting.NewTelegramNotifier(alerting.TelegramOptions{
		BotToken:    a.Config.Telegram.BotToken,
		ChatID:      a.Config.Telegram.ChatID,
		APIBase:     a.Config.Telegram.APIBase,
		Timeout:     a.Config.Telegram.RequestTimeout,
		MaxAttempts: a.Config.Telegram.MaxAttempts,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Config.Monitor.Coins)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:        a.Config.Monitor.Interval,
		FailureCooldown: a.Config.Monitor.FailureCooldown,
	}, a.Logger)

	notifier := a.newNotifier()
	svc := service.New(a.Config, sched, a.newFetcher(), store, store, store, a.newAnalyzer(), notifier, a.Logger)

	poller := alerting.NewFeedbackPoller(alerting.PollerOptions{
		BotToken:    a.Config.Telegram.BotToken,
		APIBase:     a.Config.Telegram.APIBase,
		PollTimeout: a.Config.Telegram.PollTimeout,
	}, store, a.Logger)

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("feedback poller terminated with error")
		}
	}()

	if err := notifier.Announce(ctx, startupMessage(a.Config)); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to send startup message")
	}

	a.Logger.Info().
		Dur("interval", a.Config.Monitor.Interval).
		Float64("threshold_pct", a.Config.Monitor.ThresholdPct).
		Strs("coins", a.Config.Monitor.Coins).
		Msg("starting monitoring service")

	err = svc.Run(ctx)
	<-pollerDone

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func startupMessage(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.Monitor.Coins))
	for _, coin := range cfg.Monitor.Coins {
		if coin == "" {
			continue
		}
		names = append(names, strings.ToUpper(coin[:1])+coin[1:])
	}
	return fmt.Sprintf("🚀 TradeSignal Monitor started!\n\nMonitoring %s every %s.",
		strings.Join(names, ", "), cfg.Monitor.Interval)
}
