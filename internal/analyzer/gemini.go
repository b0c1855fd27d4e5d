package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxMessageLen = 200

// GeminiOptions parameterise the judgment model client.
type GeminiOptions struct {
	APIKey         string
	Model          string
	BaseURL        string
	Timeout        time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Gemini asks Google's generateContent API whether a movement merits an alert.
type Gemini struct {
	opts    GeminiOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewGemini constructs the judgment model client.
func NewGemini(opts GeminiOptions, logger zerolog.Logger) *Gemini {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash-lite"
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	return &Gemini{
		opts:    opts,
		logger:  logger.With().Str("component", "analyzer").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze requests a structured verdict, retrying transient and malformed
// responses alike. A malformed body counts as a failed attempt because the
// model cannot be trusted to always conform.
func (g *Gemini) Analyze(ctx context.Context, input AnalysisInput) (*Verdict, error) {
	if g.opts.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}

	prompt := buildPrompt(input)

	var lastErr error
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		verdict, err := g.generateOnce(ctx, prompt, input.Coins)
		if err == nil {
			g.logger.Info().
				Bool("should_alert", verdict.ShouldAlert).
				Str("coin", verdict.Coin).
				Int("confidence", verdict.Confidence).
				Msg("judgment received")
			return verdict, nil
		}
		lastErr = err
		g.logger.Warn().Err(err).Int("attempt", attempt).Msg("judgment attempt failed")

		if attempt < g.opts.MaxAttempts {
			delay := g.opts.RetryBaseDelay << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, fmt.Errorf("judgment after %d attempts: %w", g.opts.MaxAttempts, lastErr)
}

func (g *Gemini) generateOnce(ctx context.Context, prompt string, coins []string) (*Verdict, error) {
	reqPayload := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:      0.7,
			MaxOutputTokens:  500,
			ResponseMimeType: "application/json",
		},
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.opts.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.opts.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, payload)
	}

	var genRes generateResponse
	if err := json.Unmarshal(payload, &genRes); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	if len(genRes.Candidates) == 0 || len(genRes.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("response contains no candidates")
	}

	text := genRes.Candidates[0].Content.Parts[0].Text
	return ParseVerdict(text, coins)
}

// ParseVerdict validates raw model output into a Verdict: all keys present,
// coin in the tracked set, confidence clamped into [0,100], message capped.
func ParseVerdict(text string, coins []string) (*Verdict, error) {
	text = stripFences(strings.TrimSpace(text))

	var raw struct {
		ShouldAlert *bool   `json:"should_alert"`
		Coin        *string `json:"coin"`
		Reason      *string `json:"reason"`
		Confidence  *int    `json:"confidence"`
		Message     *string `json:"message"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse verdict json: %w", err)
	}
	if raw.ShouldAlert == nil || raw.Coin == nil || raw.Reason == nil || raw.Confidence == nil || raw.Message == nil {
		return nil, errors.New("verdict missing required fields")
	}

	coin := strings.ToLower(strings.TrimSpace(*raw.Coin))
	if !containsCoin(coins, coin) {
		return nil, fmt.Errorf("verdict names unknown coin %q", coin)
	}

	confidence := *raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	message := *raw.Message
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen]
	}

	return &Verdict{
		ShouldAlert: *raw.ShouldAlert,
		Coin:        coin,
		Reason:      *raw.Reason,
		Confidence:  confidence,
		Message:     message,
	}, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

func containsCoin(coins []string, coin string) bool {
	for _, c := range coins {
		if c == coin {
			return true
		}
	}
	return false
}

func buildPrompt(input AnalysisInput) string {
	builder := strings.Builder{}
	builder.WriteString("You are a crypto trading assistant. Analyze this data:\n\n")

	for _, coin := range input.Coins {
		name := coin
		if name != "" {
			name = strings.ToUpper(name[:1]) + name[1:]
		}
		builder.WriteString(fmt.Sprintf("%s: $%s (%s%% since last check, %s%% in 24h)\n",
			name,
			input.Prices[coin].StringFixed(2),
			input.ShortDeltas[coin].StringFixed(2),
			input.LongDeltas[coin].StringFixed(2),
		))
	}

	builder.WriteString("\n")
	if input.Feedback.Helpful == 0 && input.Feedback.NotHelpful == 0 {
		builder.WriteString("No previous feedback available.\n")
	} else {
		builder.WriteString("User feedback history:\n")
		builder.WriteString(fmt.Sprintf("- Helpful alerts: %d\n", input.Feedback.Helpful))
		builder.WriteString(fmt.Sprintf("- Not helpful alerts: %d\n", input.Feedback.NotHelpful))
	}

	builder.WriteString("\nShould I alert the user? Consider:\n")
	builder.WriteString("- Magnitude of the price change\n")
	builder.WriteString("- Multiple coins moving together (correlation)\n")
	builder.WriteString("- User's past preferences (from feedback)\n")
	builder.WriteString("- Whether the change is significant enough to warrant attention\n\n")
	builder.WriteString("Respond ONLY with valid JSON (no markdown, no code blocks):\n")
	builder.WriteString(`{"should_alert": true or false, "coin": "` + strings.Join(input.Coins, `" or "`) + `", "reason": "brief explanation of why", "confidence": 0-100, "message": "alert text for user (max 200 chars)"}`)

	return builder.String()
}

func parseAPIError(status int, payload []byte) error {
	var genRes generateResponse
	if err := json.Unmarshal(payload, &genRes); err == nil && genRes.Error != nil {
		return fmt.Errorf("gemini api error (%d): %s", status, genRes.Error.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("gemini api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("gemini api error (%d)", status)
}

var _ Analyzer = (*Gemini)(nil)
