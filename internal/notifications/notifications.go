// Package notifications delivers proxy error events to a configured webhook.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lumenlabs/claude-nexus/internal/logger"
)

const deliveryTimeout = 10 * time.Second

// ErrorEvent describes one failed proxy exchange.
type ErrorEvent struct {
	Domain     string    `json:"domain"`
	RequestID  string    `json:"request_id"`
	Model      string    `json:"model,omitempty"`
	StatusCode int       `json:"status_code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier posts error events to a webhook. A notifier with no URL drops
// events silently.
type Notifier struct {
	webhookURL string
	client     *http.Client
	log        *logger.Logger
}

// NewNotifier creates a notifier. webhookURL may be empty to disable
// delivery.
func NewNotifier(webhookURL string, log *logger.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: deliveryTimeout},
		log:        log,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

// NotifyError delivers the event in the background. Delivery failures are
// logged and never affect the request that produced the event.
func (n *Notifier) NotifyError(event ErrorEvent) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := n.deliver(ctx, event); err != nil {
			n.log.Warn("error webhook delivery failed",
				"error", err,
				"request_id", event.RequestID,
				"status_code", event.StatusCode)
		}
	}()
}

func (n *Notifier) deliver(ctx context.Context, event ErrorEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
