// Package notify delivers pipeline results to the user's chat channel. The
// pipeline treats delivery as fire-and-forget: failures are logged, never
// retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// defaultTimeout bounds one delivery attempt.
const defaultTimeout = 10 * time.Second

// Notifier delivers a text message to a channel.
type Notifier interface {
	Deliver(ctx context.Context, channelID, text string) error
}

// WebhookNotifier posts messages to a chat platform's incoming webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier posting to the given webhook URL.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

type webhookPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Deliver posts the message. Non-2xx responses are reported as errors with
// the response body for the logs.
func (n *WebhookNotifier) Deliver(ctx context.Context, channelID, text string) error {
	body, err := json.Marshal(webhookPayload{Channel: channelID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification rejected with status %d: %s", resp.StatusCode, respBody)
	}

	n.logger.Debug("notification delivered", slog.String("channel", channelID))
	return nil
}
