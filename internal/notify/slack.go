package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/narvanalabs/deploybot/internal/models"
)

const slackAPIBase = "https://slack.com/api"

// SlackNotifier sends direct messages via Slack's chat.postMessage.
type SlackNotifier struct {
	hc       *http.Client
	botToken string
	base     string
	logger   *slog.Logger
}

// NewSlackNotifier creates a Slack-backed notifier.
func NewSlackNotifier(botToken string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
		botToken: botToken,
		base:     slackAPIBase,
		logger:   logger,
	}
}

// NewSlackNotifierWithBase creates a notifier against a non-default API
// base URL. Used by tests.
func NewSlackNotifierWithBase(botToken, base string, logger *slog.Logger) *SlackNotifier {
	n := NewSlackNotifier(botToken, logger)
	n.base = base
	return n
}

// DirectMessage posts the text to the user's Slack DM channel.
func (n *SlackNotifier) DirectMessage(ctx context.Context, user *models.User, text string) error {
	payload := map[string]any{
		"channel": user.SlackUserID,
		"text":    text,
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.base+"/chat.postMessage", body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+n.botToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := n.hc.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("slack: %s", result.Error)
	}
	return nil
}

// LogOnly is a Notifier that only logs, for development and tests.
type LogOnly struct {
	Logger *slog.Logger
}

// DirectMessage logs the message instead of delivering it.
func (n LogOnly) DirectMessage(_ context.Context, user *models.User, text string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", user.ID, "text", text)
	return nil
}
