package alerting

import (
	"fmt"
	"strconv"
	"strings"
)

// Feedback values carried inside callback tokens.
const (
	FeedbackHelpful    = "helpful"
	FeedbackNotHelpful = "not_helpful"
)

const feedbackPrefix = "feedback_"

// EncodeFeedbackToken builds the callback token bound to one alert button.
func EncodeFeedbackToken(alertID int64, value string) string {
	return fmt.Sprintf("%s%d_%s", feedbackPrefix, alertID, value)
}

// DecodeFeedbackToken parses a callback token back into its alert id and
// feedback value. The value itself may contain an underscore (not_helpful),
// so the split is limited to two fields after the prefix.
func DecodeFeedbackToken(token string) (int64, string, error) {
	rest, ok := strings.CutPrefix(token, feedbackPrefix)
	if !ok {
		return 0, "", fmt.Errorf("token missing prefix: %q", token)
	}

	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed token: %q", token)
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse alert id: %w", err)
	}

	value := parts[1]
	if value != FeedbackHelpful && value != FeedbackNotHelpful {
		return 0, "", fmt.Errorf("unknown feedback value %q", value)
	}

	return id, value, nil
}
