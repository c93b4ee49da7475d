package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier posts notifications as JSON to a configured URL, shaped
// like the Telegram sendMessage payload so a bot token URL works directly.
// An empty URL leaves the notifier disabled.
type WebhookNotifier struct {
	url    string
	chatID string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(url, chatID string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		chatID: chatID,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// Name returns the provider name
func (w *WebhookNotifier) Name() string { return "webhook" }

// IsEnabled reports whether a URL is configured
func (w *WebhookNotifier) IsEnabled() bool { return w.url != "" }

// Send posts the notification. Delivery failures are logged and swallowed;
// a dead webhook must never block a trade.
func (w *WebhookNotifier) Send(n *Notification) error {
	if !w.IsEnabled() {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id": w.chatID,
		"text":    fmt.Sprintf("%s\n%s", n.Title, n.Message),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling webhook payload: %w", err)
	}

	go func() {
		resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
		if err != nil {
			w.logger.Warn().Err(err).Msg("webhook delivery failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			w.logger.Warn().Int("status", resp.StatusCode).Msg("webhook rejected notification")
		}
	}()
	return nil
}
