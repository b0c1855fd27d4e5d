package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrUnknownAlert indicates a feedback update referenced a missing alert id.
	ErrUnknownAlert = errors.New("storage: unknown alert id")
)

// The price_checks columns are positional: the store is constructed with an
// ordered coin list and price_1/change_1 always belong to the first coin in
// that list. Changing the tracked set is a schema migration.
const (
	insertPriceCheckSQL = `INSERT INTO price_checks (
        checked_at,
        price_1, price_2, price_3,
        change_1, change_2, change_3
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	lastPriceCheckSQL = `SELECT
        checked_at,
        price_1, price_2, price_3,
        change_1, change_2, change_3
    FROM price_checks
    ORDER BY checked_at DESC
    LIMIT 1;`

	insertDecisionSQL = `INSERT INTO decisions (
        decided_at, coin, price_change, should_alert, reason, confidence
    ) VALUES ($1,$2,$3,$4,$5,$6);`

	insertAlertSQL = `INSERT INTO alerts (
        created_at, coin, price, change_pct, reason, confidence
    ) VALUES ($1,$2,$3,$4,$5,$6)
    RETURNING id;`

	setAlertFeedbackSQL = `UPDATE alerts
    SET user_feedback = $2, feedback_at = $3
    WHERE id = $1;`

	recentFeedbackSQL = `SELECT coin, change_pct, user_feedback, confidence
    FROM alerts
    WHERE user_feedback IS NOT NULL
    ORDER BY created_at DESC
    LIMIT $1;`

	recentAlertsSQL = `SELECT
        id, created_at, coin, price, change_pct, reason, confidence,
        user_feedback, feedback_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	feedbackStatsSQL = `SELECT
        COUNT(*),
        COUNT(*) FILTER (WHERE user_feedback = 'helpful'),
        COUNT(*) FILTER (WHERE user_feedback = 'not_helpful')
    FROM alerts
    WHERE user_feedback IS NOT NULL;`
)

// PriceCheckStore persists poll snapshots and serves the previous one back.
type PriceCheckStore interface {
	SavePriceCheck(ctx context.Context, check PriceCheck) error
	LastPriceCheck(ctx context.Context) (*PriceCheck, error)
}

// DecisionStore records oracle verdicts.
type DecisionStore interface {
	SaveDecision(ctx context.Context, decision DecisionRecord) error
}

// AlertStore records sent alerts and their user feedback.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert AlertRecord) (int64, error)
	SetAlertFeedback(ctx context.Context, id int64, value string) error
	RecentFeedback(ctx context.Context, limit int) ([]FeedbackEntry, error)
	RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	FeedbackStats(ctx context.Context) (FeedbackStats, error)
}

// Store aggregates access to price checks, decisions, and alerts.
type Store struct {
	pool  *pgxpool.Pool
	coins []string
}

// NewStore wires a pgx pool into a Store. The coin order fixes the mapping
// between tracked instruments and the positional price_checks columns.
func NewStore(pool *pgxpool.Pool, coins []string) *Store {
	return &Store{pool: pool, coins: coins}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SavePriceCheck persists one cycle's snapshot.
func (s *Store) SavePriceCheck(ctx context.Context, check PriceCheck) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(s.coins) != 3 {
		return fmt.Errorf("store configured with %d coins, want 3", len(s.coins))
	}

	args := make([]interface{}, 0, 7)
	args = append(args, check.Timestamp)
	for _, coin := range s.coins {
		args = append(args, check.Prices[coin].String())
	}
	for _, coin := range s.coins {
		args = append(args, check.Changes[coin].String())
	}

	if _, execErr := pool.Exec(ctx, insertPriceCheckSQL, args...); execErr != nil {
		return fmt.Errorf("insert price check: %w", execErr)
	}
	return nil
}

// LastPriceCheck returns the most recent snapshot, or nil when none exists.
func (s *Store) LastPriceCheck(ctx context.Context) (*PriceCheck, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		ts      time.Time
		prices  [3]string
		changes [3]string
	)
	row := pool.QueryRow(ctx, lastPriceCheckSQL)
	if scanErr := row.Scan(&ts, &prices[0], &prices[1], &prices[2], &changes[0], &changes[1], &changes[2]); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last price check: %w", scanErr)
	}

	check := PriceCheck{
		Timestamp: ts,
		Prices:    make(map[string]decimal.Decimal, 3),
		Changes:   make(map[string]decimal.Decimal, 3),
	}
	for i, coin := range s.coins {
		price, convErr := decimal.NewFromString(prices[i])
		if convErr != nil {
			return nil, fmt.Errorf("parse price for %s: %w", coin, convErr)
		}
		change, convErr := decimal.NewFromString(changes[i])
		if convErr != nil {
			return nil, fmt.Errorf("parse change for %s: %w", coin, convErr)
		}
		check.Prices[coin] = price
		check.Changes[coin] = change
	}
	return &check, nil
}

// SaveDecision records an oracle verdict regardless of its outcome.
func (s *Store) SaveDecision(ctx context.Context, decision DecisionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertDecisionSQL,
		decision.Timestamp,
		decision.Coin,
		decision.PriceChangePct.String(),
		decision.ShouldAlert,
		decision.Reason,
		decision.Confidence,
	); execErr != nil {
		return fmt.Errorf("insert decision: %w", execErr)
	}
	return nil
}

// SaveAlert persists an alert and returns its generated id, the feedback
// routing key for the lifetime of the row.
func (s *Store) SaveAlert(ctx context.Context, alert AlertRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Timestamp,
		alert.Coin,
		alert.Price.String(),
		alert.ChangePct.String(),
		alert.Reason,
		alert.Confidence,
	)
	if scanErr := row.Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert alert: %w", scanErr)
	}
	return id, nil
}

// SetAlertFeedback attaches user feedback to an alert. Last write wins; a
// single-row UPDATE cannot race destructively with cycle writes because
// feedback only targets rows persisted before notification was attempted.
func (s *Store) SetAlertFeedback(ctx context.Context, id int64, value string) error {
	if value != FeedbackHelpful && value != FeedbackNotHelpful {
		return fmt.Errorf("invalid feedback value %q", value)
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, setAlertFeedbackSQL, id, value, time.Now().UTC())
	if execErr != nil {
		return fmt.Errorf("set alert feedback: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUnknownAlert
	}
	return nil
}

// RecentFeedback lists the newest feedback-bearing alerts.
func (s *Store) RecentFeedback(ctx context.Context, limit int) ([]FeedbackEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentFeedbackSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent feedback: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]FeedbackEntry, 0, limit)
	for rows.Next() {
		var (
			entry     FeedbackEntry
			changeStr string
		)
		if err := rows.Scan(&entry.Coin, &changeStr, &entry.Feedback, &entry.Confidence); err != nil {
			return nil, err
		}
		change, convErr := decimal.NewFromString(changeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse change pct: %w", convErr)
		}
		entry.ChangePct = change
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// RecentAlerts lists the most recent alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// FeedbackStats tallies helpful vs not-helpful across all alerts.
func (s *Store) FeedbackStats(ctx context.Context) (FeedbackStats, error) {
	pool, err := s.getPool()
	if err != nil {
		return FeedbackStats{}, err
	}
	var stats FeedbackStats
	if scanErr := pool.QueryRow(ctx, feedbackStatsSQL).Scan(&stats.Total, &stats.Helpful, &stats.NotHelpful); scanErr != nil {
		return FeedbackStats{}, fmt.Errorf("feedback stats: %w", scanErr)
	}
	return stats, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec        AlertRecord
		priceStr   string
		changeStr  string
		feedback   sql.NullString
		feedbackAt sql.NullTime
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Timestamp,
		&rec.Coin,
		&priceStr,
		&changeStr,
		&rec.Reason,
		&rec.Confidence,
		&feedback,
		&feedbackAt,
	); err != nil {
		return AlertRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse price: %w", err)
	}
	change, err := decimal.NewFromString(changeStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse change pct: %w", err)
	}
	rec.Price = price
	rec.ChangePct = change

	if feedback.Valid {
		value := feedback.String
		rec.Feedback = &value
	}
	if feedbackAt.Valid {
		ts := feedbackAt.Time
		rec.FeedbackAt = &ts
	}

	return rec, nil
}

var _ PriceCheckStore = (*Store)(nil)
var _ DecisionStore = (*Store)(nil)
var _ AlertStore = (*Store)(nil)
