// Package webhook delivers containment notifications to an external sink.
// Delivery is best effort: failures are logged and never reach the request
// path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate-io/agentgate/internal/port/outbound"
)

var _ outbound.Notifier = (*Notifier)(nil)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// backoff between delivery attempts.
var backoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Notifier POSTs event envelopes to a single webhook URL.
type Notifier struct {
	url    string
	httpc  *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a notifier for the given URL.
func New(url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		httpc:  &http.Client{Timeout: requestTimeout},
		logger: logger,
		now:    time.Now,
	}
}

// Notify posts {event, timestamp, payload} with up to three attempts and
// exponential backoff. Runs synchronously; callers invoke it off the hot
// path.
func (n *Notifier) Notify(ctx context.Context, event string, payload map[string]any) {
	body, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": n.now().UTC().Format(time.RFC3339),
		"payload":   payload,
	})
	if err != nil {
		n.logger.Error("encode webhook payload", "event", event, "error", err)
		return
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				n.logger.Warn("webhook delivery abandoned", "event", event, "error", ctx.Err())
				return
			case <-time.After(backoff[attempt-1]):
			}
		}
		if n.deliver(ctx, body) {
			return
		}
		n.logger.Warn("webhook delivery failed", "event", event, "attempt", attempt+1, "url", n.url)
	}
	n.logger.Error("webhook delivery gave up", "event", event, "url", n.url)
}

func (n *Notifier) deliver(ctx context.Context, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
