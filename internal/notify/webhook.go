package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookPayload is the body POSTed to webhook receivers.
type WebhookPayload struct {
	ID         string `json:"id"`
	Event      string `json:"event"`
	JobID      string `json:"jobID"`
	Status     string `json:"status"`
	Verdict    string `json:"verdict,omitempty"`
	ResultsURL string `json:"resultsURL"`
	Timestamp  string `json:"timestamp"`
}

// Webhook posts events as JSON to a URL.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a webhook sink.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, httpClient: &http.Client{}}
}

// Name returns the sink identifier.
func (w *Webhook) Name() string { return "webhook:" + w.url }

// Notify sends the event. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(WebhookPayload{
		ID:         e.ID,
		Event:      string(e.Kind),
		JobID:      e.JobID,
		Status:     string(e.Status),
		Verdict:    string(e.Verdict),
		ResultsURL: e.ResultsURL,
		Timestamp:  e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gauntlet-Event", string(e.Kind))

	//nolint:gosec // webhook URL is from config, not user-controlled
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
