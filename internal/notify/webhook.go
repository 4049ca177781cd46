package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/trustlesswork/demoengine/internal/metrics"
	"github.com/trustlesswork/demoengine/internal/retry"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Demo-Event"
	HeaderTimestamp = "X-Demo-Timestamp"
	HeaderSignature = "X-Demo-Signature"
)

// Webhook queue defaults.
const (
	DefaultWebhookQueue   = 256
	DefaultWebhookWorkers = 4
)

var (
	// ErrQueueFull is returned when a notification is dropped because the
	// delivery queue is full.
	ErrQueueFull = errors.New("notify: webhook queue full")
	// ErrSinkClosed is returned by Notify after Close.
	ErrSinkClosed = errors.New("notify: webhook sink closed")
)

type delivery struct {
	ctx     context.Context
	event   string
	payload []byte
}

// WebhookSink POSTs every notification as JSON to a URL, signed with
// HMAC-SHA256 when a secret is set. Deliveries go through a bounded queue
// served by a fixed set of workers; Close drains it.
type WebhookSink struct {
	url       string
	secret    string
	client    *http.Client
	attempts  int
	baseDelay time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	wg     sync.WaitGroup
}

// NewWebhookSink creates a webhook sink with the default queue size and
// worker count.
func NewWebhookSink(url, secret string) *WebhookSink {
	return NewWebhookSinkWithQueue(url, secret, DefaultWebhookQueue, DefaultWebhookWorkers)
}

// NewWebhookSinkWithQueue creates a webhook sink holding at most size
// pending deliveries, sent by workers goroutines.
func NewWebhookSinkWithQueue(url, secret string, size, workers int) *WebhookSink {
	if size <= 0 {
		size = DefaultWebhookQueue
	}
	if workers <= 0 {
		workers = DefaultWebhookWorkers
	}
	w := &WebhookSink{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		queue:     make(chan delivery, size),
	}
	w.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go w.worker()
	}
	return w
}

func (w *WebhookSink) worker() {
	defer w.wg.Done()
	for d := range w.queue {
		_ = w.Deliver(d.ctx, d.event, d.payload)
	}
}

// WithRetry overrides the retry policy.
func (w *WebhookSink) WithRetry(attempts int, baseDelay time.Duration) *WebhookSink {
	w.attempts = attempts
	w.baseDelay = baseDelay
	return w
}

// Notify implements Sink.
func (w *WebhookSink) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrSinkClosed
	}
	// Detach from the request context: delivery outlives the action call.
	select {
	case w.queue <- delivery{ctx: context.WithoutCancel(ctx), event: string(n.Type), payload: payload}:
		return nil
	default:
		metrics.NotificationsTotal.WithLabelValues("webhook", "dropped").Inc()
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for queued deliveries to
// finish, or for ctx to end.
func (w *WebhookSink) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain webhook queue: %w", ctx.Err())
	}
}

// Deliver sends one payload synchronously, retrying transient failures.
func (w *WebhookSink) Deliver(ctx context.Context, event string, payload []byte) error {
	err := retry.Do(ctx, w.attempts, w.baseDelay, func() error {
		return w.send(ctx, event, payload)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.NotificationsTotal.WithLabelValues("webhook", result).Inc()
	return err
}

func (w *WebhookSink) send(ctx context.Context, event string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", time.Now().Unix()))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("webhook rejected: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook failed: status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
