package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/NotShabz2004/tradesignal/internal/storage"
)

// FeedbackRecorder is the slice of the store the inbound path needs.
type FeedbackRecorder interface {
	SetAlertFeedback(ctx context.Context, id int64, value string) error
}

// PollerOptions parameterise the feedback poller.
type PollerOptions struct {
	BotToken    string
	APIBase     string
	PollTimeout time.Duration
}

// FeedbackPoller long-polls the Bot API for button presses and routes them
// straight to the store. It runs concurrently with the decision loop and
// never touches loop state.
type FeedbackPoller struct {
	opts    PollerOptions
	store   FeedbackRecorder
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
	offset  int64
}

// NewFeedbackPoller 构造反馈轮询器。
func NewFeedbackPoller(opts PollerOptions, store FeedbackRecorder, logger zerolog.Logger) *FeedbackPoller {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 25 * time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.telegram.org"
	}

	return &FeedbackPoller{
		opts:    opts,
		store:   store,
		baseURL: strings.TrimRight(opts.APIBase, "/"),
		// client timeout must outlast the server-side long-poll hold
		client: &http.Client{Timeout: opts.PollTimeout + 10*time.Second},
		logger: logger.With().Str("component", "feedback_poller").Logger(),
	}
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID      string           `json:"id"`
	Data    string           `json:"data"`
	Message *callbackMessage `json:"message"`
}

type callbackMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// Run blocks, polling for updates until ctx is cancelled.
func (p *FeedbackPoller) Run(ctx context.Context) error {
	p.logger.Info().Msg("feedback poller started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := p.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Msg("poll failed")
			timer := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.handleUpdate(ctx, u)
		}
	}
}

func (p *FeedbackPoller) getUpdates(ctx context.Context) ([]update, error) {
	payload := map[string]interface{}{
		"timeout":         int(p.opts.PollTimeout.Seconds()),
		"offset":          p.offset,
		"allowed_updates": []string{"callback_query"},
	}

	var updates []update
	if err := p.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// handleUpdate processes one callback query. Malformed tokens and unknown
// alert ids are acknowledged without mutating state.
func (p *FeedbackPoller) handleUpdate(ctx context.Context, u update) {
	cq := u.CallbackQuery
	if cq == nil {
		return
	}

	alertID, value, err := DecodeFeedbackToken(cq.Data)
	if err != nil {
		p.logger.Debug().Str("data", cq.Data).Msg("ignoring unrecognized callback data")
		p.answer(ctx, cq.ID, "")
		return
	}

	if err := p.store.SetAlertFeedback(ctx, alertID, value); err != nil {
		if errors.Is(err, storage.ErrUnknownAlert) {
			p.logger.Warn().Int64("alert_id", alertID).Msg("feedback references unknown alert")
			p.answer(ctx, cq.ID, "")
			return
		}
		p.logger.Error().Err(err).Int64("alert_id", alertID).Msg("failed to record feedback")
		p.answer(ctx, cq.ID, "Error processing feedback. Please try again.")
		return
	}

	p.logger.Info().Int64("alert_id", alertID).Str("feedback", value).Msg("反馈已记录")
	p.answer(ctx, cq.ID, "")
	p.confirm(ctx, cq)
}

// answer acknowledges the button press so the client stops its spinner.
func (p *FeedbackPoller) answer(ctx context.Context, callbackID, text string) {
	payload := map[string]interface{}{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
		payload["show_alert"] = true
	}
	if err := p.call(ctx, "answerCallbackQuery", payload, nil); err != nil {
		p.logger.Debug().Err(err).Msg("answerCallbackQuery failed")
	}
}

// confirm rewrites the alert message with a thank-you line and drops the buttons.
func (p *FeedbackPoller) confirm(ctx context.Context, cq *callbackQuery) {
	if cq.Message == nil {
		return
	}

	emoji := "👍"
	if strings.HasSuffix(cq.Data, FeedbackNotHelpful) {
		emoji = "👎"
	}

	payload := map[string]interface{}{
		"chat_id":    cq.Message.Chat.ID,
		"message_id": cq.Message.MessageID,
		"text":       cq.Message.Text + "\n\n" + emoji + " Thank you for your feedback!",
	}
	if err := p.call(ctx, "editMessageText", payload, nil); err != nil {
		p.logger.Debug().Err(err).Msg("editMessageText failed")
	}
}

func (p *FeedbackPoller) call(ctx context.Context, method string, payload interface{}, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", p.baseURL, p.opts.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d (%s)", resp.StatusCode, method)
	}

	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram 返回 ok=false (%s)", method)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
