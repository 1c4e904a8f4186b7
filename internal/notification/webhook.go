package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook event names.
const (
	EventAlertTriggered = "alert.triggered"
	EventNotice         = "notice"
)

// webhookEvent is the body POSTed for every message. Receivers switch on
// Event; Alert is present only for alert.triggered.
type webhookEvent struct {
	Event    string     `json:"event"`
	Level    Level      `json:"level"`
	ClientID string     `json:"client_id,omitempty"`
	Title    string     `json:"title"`
	Text     string     `json:"text"`
	Alert    *AlertInfo `json:"alert,omitempty"`
	SentAt   time.Time  `json:"sent_at"`
}

// WebhookNotifier POSTs alert events as JSON to an HTTP endpoint,
// e.g. a strategy runner that reacts to level breaks.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	ev := webhookEvent{
		Event:    EventNotice,
		Level:    msg.Level,
		ClientID: msg.ClientID,
		Title:    msg.Title,
		Text:     msg.Body,
		Alert:    msg.Alert,
		SentAt:   w.now().UTC(),
	}
	if msg.Alert != nil {
		ev.Event = EventAlertTriggered
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", ev.Event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Event", ev.Event)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", ev.Event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: %s rejected with status %d", ev.Event, resp.StatusCode)
	}
	return nil
}
