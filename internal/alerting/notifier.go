package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Alert 封装一条待推送的告警。
type Alert struct {
	ID         int64
	Coin       string
	Price      decimal.Decimal
	ChangePct  decimal.Decimal
	Reason     string
	Confidence int
}

// Notifier 定义告警输送接口。
type Notifier interface {
	SendAlert(ctx context.Context, alert Alert) error
	Announce(ctx context.Context, text string) error
}

// TelegramOptions parameterise the Telegram channel.
type TelegramOptions struct {
	BotToken       string
	ChatID         string
	APIBase        string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 推送消息并附带反馈按钮。
type TelegramNotifier struct {
	opts    TelegramOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		opts:    opts,
		baseURL: strings.TrimRight(opts.APIBase, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger.With().Str("component", "alert_telegram").Logger(),
	}
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type sendMessagePayload struct {
	ChatID      string                `json:"chat_id"`
	Text        string                `json:"text"`
	ReplyMarkup *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendAlert 推送告警并附带 helpful / not helpful 两个互斥按钮。
// 重试耗尽后返回错误；已持久化的告警记录不会回滚。
func (n *TelegramNotifier) SendAlert(ctx context.Context, alert Alert) error {
	payload := sendMessagePayload{
		ChatID: n.opts.ChatID,
		Text:   renderAlertMessage(alert),
		ReplyMarkup: &inlineKeyboardMarkup{
			InlineKeyboard: [][]inlineKeyboardButton{{
				{Text: "👍 Helpful", CallbackData: EncodeFeedbackToken(alert.ID, FeedbackHelpful)},
				{Text: "👎 Not Helpful", CallbackData: EncodeFeedbackToken(alert.ID, FeedbackNotHelpful)},
			}},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= n.opts.MaxAttempts; attempt++ {
		err := n.call(ctx, "sendMessage", payload, nil)
		if err == nil {
			n.logger.Info().Int64("alert_id", alert.ID).
				Str("coin", alert.Coin).
				Msg("告警已发送 (Telegram)")
			return nil
		}
		lastErr = err
		n.logger.Warn().Err(err).Int("attempt", attempt).Int64("alert_id", alert.ID).Msg("send attempt failed")

		if attempt < n.opts.MaxAttempts {
			delay := n.opts.RetryBaseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("send alert after %d attempts: %w", n.opts.MaxAttempts, lastErr)
}

// Announce 发送一条普通文本消息（启动/停机提示），单次尝试。
func (n *TelegramNotifier) Announce(ctx context.Context, text string) error {
	return n.call(ctx, "sendMessage", sendMessagePayload{ChatID: n.opts.ChatID, Text: text}, nil)
}

// call performs one Bot API method invocation and checks the ok envelope.
func (n *TelegramNotifier) call(ctx context.Context, method string, payload interface{}, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.opts.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram 返回 ok=false (%s)", method)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode telegram result: %w", err)
		}
	}
	return nil
}

var coinSymbols = map[string]string{
	"bitcoin":  "₿",
	"ethereum": "Ξ",
	"solana":   "◎",
}

func renderAlertMessage(alert Alert) string {
	symbol, ok := coinSymbols[alert.Coin]
	if !ok {
		symbol = "🚀"
	}
	trend := "📉"
	if alert.ChangePct.Sign() > 0 {
		trend = "📈"
	}

	name := alert.Coin
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s %s Alert!\n\n", symbol, name))
	builder.WriteString(fmt.Sprintf("Price: $%s\n", alert.Price.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Change: %s %s%%\n", trend, alert.ChangePct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Confidence: %d%%\n\n", alert.Confidence))
	builder.WriteString(fmt.Sprintf("Reason: %s", alert.Reason))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
