package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

// ErrRejected marks a change the receiver refused with a 4xx status. It is
// never retried.
var ErrRejected = errors.New("webhook: change rejected")

// Delivery headers. The event id lets receivers drop duplicate deliveries.
const (
	HeaderEventID = "X-Domspy-Event"
	HeaderPageID  = "X-Domspy-Page"
)

// maxRetryAfter caps the delay a receiver can impose through Retry-After.
const maxRetryAfter = 30 * time.Second

// Webhook POSTs each change to an HTTP endpoint. Network errors, 5xx, 408
// and 429 responses are retried with a doubling delay.
type Webhook struct {
	url     string
	client  *http.Client
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets how many times a failed delivery is retried.
// Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) {
		if n >= 0 {
			w.retries = n
		}
	}
}

// WithWebhookBackoff sets the delay before the first retry. Default: 1s.
func WithWebhookBackoff(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.delay = d }
}

// WithWebhookClient replaces the HTTP client (default timeout 10s).
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookLogger sets the logger that records failed attempts. A nil
// logger keeps slog.Default().
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
		delay:   time.Second,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) Send(ctx context.Context, ev change.Event) error {
	body, err := json.Marshal(envelope{Type: envelopeType, Data: ev})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	delay := w.delay
	for attempt := 1; ; attempt++ {
		wait, err := w.deliver(ctx, ev, body)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return err
		}
		if attempt > w.retries {
			return fmt.Errorf("webhook: gave up after %d attempts: %w", attempt, err)
		}
		w.logger.Warn("webhook: delivery failed",
			"page_id", ev.PageID, "event_id", ev.ID, "attempt", attempt, "error", err)

		if wait < delay {
			wait = delay
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
}

// deliver makes one POST. On a retryable failure it returns the delay the
// receiver asked for, if any.
func (w *Webhook) deliver(ctx context.Context, ev change.Event, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderPageID, ev.PageID)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook: status %d", code)
	case code == http.StatusRequestTimeout || code >= 500:
		return 0, fmt.Errorf("webhook: status %d", code)
	default:
		return 0, fmt.Errorf("%w: status %d", ErrRejected, code)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	return min(max(d, 0), maxRetryAfter)
}

func (w *Webhook) Close() error { return nil }
