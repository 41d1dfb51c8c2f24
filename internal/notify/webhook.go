// Package notify posts reflection outcomes to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook sends plain JSON notifications. With an empty URL every call is a
// no-op, so callers never need to branch on configuration.
type Webhook struct {
	url     string
	authKey string
	spaceID string
	client  *http.Client
}

func NewWebhook(url, authKey, spaceID string) *Webhook {
	return &Webhook{
		url:     url,
		authKey: authKey,
		spaceID: spaceID,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *Webhook) Notify(ctx context.Context, message string) error {
	if w.url == "" {
		return nil
	}

	payload := map[string]string{"message": message}
	if w.spaceID != "" {
		payload["space_id"] = w.spaceID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.authKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
