package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// webhookPayload is the JSON body posted for every alert.
type webhookPayload struct {
	Alert
	Source string `json:"source"`
	SentAt string `json:"sent_at"`
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint. A server error
// or transport failure is retried once after retryDelay.
type WebhookNotifier struct {
	url        string
	source     string
	client     *http.Client
	retryDelay time.Duration
}

// NewWebhookNotifier creates a webhook notifier. source identifies the bot
// instance in the payload.
func NewWebhookNotifier(url, source string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		source:     source,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: 2 * time.Second,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Alert:  alert,
		Source: w.source,
		SentAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	retry, err := w.post(ctx, body)
	if err != nil && retry {
		log.Printf("[webhook] %v, retrying in %s", err, w.retryDelay)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(w.retryDelay):
		}
		_, err = w.post(ctx, body)
	}
	if err != nil {
		return err
	}
	log.Printf("[webhook] sent alert: %s", alert.Title)
	return nil
}

// post sends one request. retry reports whether the failure is worth
// repeating (transport error or 5xx).
func (w *WebhookNotifier) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook: server error %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return false, nil
}
