// Package webhook delivers lifecycle events to per-task receiver URLs with
// at-least-once semantics: failed deliveries are retained in an outbox and
// retried with capped exponential backoff.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coderelay/coderelay/pkg/dispatchauth"
	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/metrics"
	"github.com/coderelay/coderelay/pkg/state"
)

const (
	// requestTimeout bounds one delivery attempt.
	requestTimeout = 10 * time.Second

	// backoffBase and backoffCap shape the retry schedule.
	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute

	// maxAttempts is the ceiling after which an event is dropped for good.
	maxAttempts = 20
)

// Request is one event to deliver.
type Request struct {
	TaskID  string
	URL     string
	Payload interface{}
	Secret  string
}

// Client signs and posts events, keeping undelivered ones in an outbox.
type Client struct {
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	pending []state.PendingWebhook

	// persist, when set, receives an outbox snapshot after every mutation
	// so the owner can fold it into durable state.
	persist func([]state.PendingWebhook)

	retryMu     sync.Mutex
	retryCancel context.CancelFunc
}

// NewClient creates a webhook client. persist may be nil.
func NewClient(persist func([]state.PendingWebhook)) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		now:        time.Now,
		persist:    persist,
	}
}

// Hydrate seeds the outbox from persisted state on recovery.
func (c *Client) Hydrate(pending []state.PendingWebhook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append([]state.PendingWebhook{}, pending...)
	metrics.SetPendingWebhooks(len(c.pending))
}

// PendingCount returns the current outbox depth.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send attempts immediate delivery. On failure the event is enqueued for
// retry; Send itself returns nil because the outbox guarantees eventual
// delivery (or a logged drop at the attempts ceiling).
func (c *Client) Send(ctx context.Context, req Request) error {
	body, sig, err := c.signPayload(req)
	if err != nil {
		return err
	}

	if err := c.post(ctx, req.URL, body, sig); err != nil {
		log.Warn("webhook delivery failed, queueing for retry",
			"task_id", req.TaskID, "url", req.URL, "error", err)
		c.enqueue(state.PendingWebhook{
			TaskID:        req.TaskID,
			URL:           req.URL,
			Payload:       body,
			Signature:     sig.Value,
			Timestamp:     sig.Timestamp,
			Attempts:      1,
			NextAttemptAt: c.now().Add(backoff(1)),
		})
	}
	return nil
}

// SendOnce attempts a single delivery and reports failure to the caller
// instead of queueing. Used for log chunks, which have their own bounded
// retry budget and are never replayed from the outbox.
func (c *Client) SendOnce(ctx context.Context, req Request) error {
	body, sig, err := c.signPayload(req)
	if err != nil {
		return err
	}
	return c.post(ctx, req.URL, body, sig)
}

// RetryPending resends every outbox entry whose retry time has arrived.
func (c *Client) RetryPending(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	due := make([]state.PendingWebhook, 0)
	rest := make([]state.PendingWebhook, 0, len(c.pending))
	for _, pw := range c.pending {
		if !pw.NextAttemptAt.After(now) {
			due = append(due, pw)
		} else {
			rest = append(rest, pw)
		}
	}
	c.pending = rest
	c.mu.Unlock()

	if len(due) == 0 {
		return
	}

	var requeue []state.PendingWebhook
	for _, pw := range due {
		sig := dispatchauth.Signature{Timestamp: pw.Timestamp, Value: pw.Signature}
		err := c.post(ctx, pw.URL, pw.Payload, sig)
		if err == nil {
			log.Info("webhook retry delivered", "task_id", pw.TaskID, "attempts", pw.Attempts)
			continue
		}

		pw.Attempts++
		if pw.Attempts >= maxAttempts {
			log.Error("webhook dropped after attempts ceiling",
				"task_id", pw.TaskID, "url", pw.URL, "attempts", pw.Attempts, "error", err)
			continue
		}
		pw.NextAttemptAt = c.now().Add(backoff(pw.Attempts))
		requeue = append(requeue, pw)
	}

	c.mu.Lock()
	c.pending = append(c.pending, requeue...)
	snapshot := append([]state.PendingWebhook{}, c.pending...)
	persist := c.persist
	c.mu.Unlock()

	metrics.SetPendingWebhooks(len(snapshot))
	if persist != nil {
		persist(snapshot)
	}
}

// StartRetryLoop schedules RetryPending on a fixed interval. Calling it
// again restarts the loop.
func (c *Client) StartRetryLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	c.retryMu.Lock()
	if c.retryCancel != nil {
		c.retryCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.retryCancel = cancel
	c.retryMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RetryPending(ctx)
			}
		}
	}()
}

// StopRetryLoop cancels the retry schedule.
func (c *Client) StopRetryLoop() {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
}

func (c *Client) signPayload(req Request) ([]byte, dispatchauth.Signature, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, dispatchauth.Signature{}, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	sig, err := dispatchauth.Sign(body, c.now().UnixMilli(), req.Secret)
	if err != nil {
		return nil, dispatchauth.Signature{}, fmt.Errorf("failed to sign webhook for task %s: %w", req.TaskID, err)
	}
	return body, sig, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte, sig dispatchauth.Signature) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(dispatchauth.HeaderTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	httpReq.Header.Set(dispatchauth.HeaderSignature, sig.Value)
	httpReq.Header.Set(dispatchauth.HeaderNonce, dispatchauth.GenerateNonce())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook receiver returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) enqueue(pw state.PendingWebhook) {
	c.mu.Lock()
	c.pending = append(c.pending, pw)
	snapshot := append([]state.PendingWebhook{}, c.pending...)
	persist := c.persist
	c.mu.Unlock()

	metrics.SetPendingWebhooks(len(snapshot))
	if persist != nil {
		persist(snapshot)
	}
}

// backoff returns the delay before the next attempt: exponential from the
// base, capped, with ±25% jitter.
func backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d*3/4 + jitter
}
