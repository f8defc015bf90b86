// Package notify delivers failure and high-risk summaries to an external
// awareness channel. Delivery is fire-and-forget: the posting pipeline
// never waits on, or fails because of, the sink.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Alert is the payload accepted by the awareness sink.
type Alert struct {
	Severity string         `json:"severity"`
	Summary  string         `json:"summary"`
	Details  map[string]any `json:"details,omitempty"`
}

// Notifier posts alerts to a configured HTTP sink.
type Notifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

// New builds a notifier. An empty URL yields a no-op notifier.
func New(url string, timeout time.Duration, log *zap.Logger) *Notifier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Send delivers an alert in the background. Errors are logged, never
// returned.
func (n *Notifier) Send(ctx context.Context, alert Alert) {
	if n == nil || n.url == "" {
		return
	}
	go func() {
		if err := n.post(ctx, alert); err != nil {
			n.log.Warn("awareness sink delivery failed",
				zap.String("severity", alert.Severity),
				zap.Error(err))
		}
	}()
}

func (n *Notifier) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
