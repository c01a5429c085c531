package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Dispatcher delivers a notification to a principal with no live
// connection. Delivery is best-effort.
type Dispatcher interface {
	Dispatch(ctx context.Context, principalId string, n Notification) error
}

// LogDispatcher records notifications instead of delivering them.
type LogDispatcher struct {
	log *log.Logger
}

func NewLogDispatcher(logger *log.Logger) *LogDispatcher {
	return &LogDispatcher{log: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, principalId string, n Notification) error {
	d.log.Printf("push to %q: %s: %s", principalId, n.Title, n.Body)
	return nil
}

type webhookPayload struct {
	PrincipalId string `json:"principal_id"`
	Notification
}

// WebhookDispatcher posts notifications as JSON to a push gateway.
type WebhookDispatcher struct {
	url        string
	httpClient *http.Client
}

func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, principalId string, n Notification) error {
	body, err := json.Marshal(webhookPayload{PrincipalId: principalId, Notification: n})
	if err != nil {
		return fmt.Errorf("push: marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push: gateway returned %d", resp.StatusCode)
	}

	return nil
}
