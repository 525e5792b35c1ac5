package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookEnvelope is the POST body. Routing fields come first so receivers
// can dispatch on event type and plan without digging into the event itself.
type webhookEnvelope struct {
	Service   string    `json:"service"`
	EventType EventType `json:"event_type"`
	PlanID    string    `json:"plan_id,omitempty"`
	Event     Event     `json:"event"`
}

// Webhook delivers rotation lifecycle events to a configurable URL.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook notifier. Custom headers (e.g. Authorization)
// are sent with every request.
func NewWebhook(url string, headers map[string]string) *Webhook {
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider name for logging.
func (w *Webhook) Name() string { return "webhook" }

// Send posts the enveloped event. Any 2xx status counts as delivered.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(webhookEnvelope{
		Service:   "key-sentinel",
		EventType: event.Type,
		PlanID:    event.PlanID,
		Event:     event,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "key-sentinel")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
