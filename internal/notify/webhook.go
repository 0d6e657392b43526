package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// WebhookSender posts alerts as JSON to a chat webhook.
type WebhookSender struct {
	name    string
	url     string
	payload func(Alert) any
	client  *http.Client
}

// NewTelegramSender posts to a Telegram bot's sendMessage method. apiBase
// may be empty for the public Bot API.
func NewTelegramSender(apiBase, token, chatID string) *WebhookSender {
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	return &WebhookSender{
		name: "telegram",
		url:  fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(apiBase, "/"), token),
		payload: func(a Alert) any {
			return map[string]string{
				"chat_id":    chatID,
				"text":       fmt.Sprintf("*%s*\n%s", a.Title, a.body()),
				"parse_mode": "Markdown",
			}
		},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewDiscordSender posts to a Discord webhook.
func NewDiscordSender(webhookURL string) *WebhookSender {
	return &WebhookSender{
		name: "discord",
		url:  webhookURL,
		payload: func(a Alert) any {
			return map[string]string{
				"content": fmt.Sprintf("**%s**\n%s", a.Title, a.body()),
			}
		},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string { return w.name }

// Send posts a. Any 2xx status is success; Discord answers 204.
func (w *WebhookSender) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(w.payload(a))
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", w.name, resp.StatusCode, string(respBody))
	}
	return nil
}
