// Package dispatchclient submits tasks to an orchestrator fleet: it signs
// the admission request and walks the configured targets in order, falling
// through to the next on 503, transport failure, or an explicit rejection.
package dispatchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coderelay/coderelay/pkg/dispatchauth"
	"github.com/coderelay/coderelay/pkg/dispatcher"
	"github.com/coderelay/coderelay/pkg/log"
)

// requestTimeout bounds one admission attempt.
const requestTimeout = 10 * time.Second

// ErrorCode is the stable taxonomy upstream consumers branch on.
type ErrorCode string

const (
	CodeDispatchFailed    ErrorCode = "DISPATCH_FAILED"
	CodeWorkerUnavailable ErrorCode = "WORKER_UNAVAILABLE"
	CodeNetworkError      ErrorCode = "NETWORK_ERROR"
	CodeMissingSecret     ErrorCode = "MISSING_SECRET"
	CodeUnknown           ErrorCode = "UNKNOWN"
)

// Error is a classified dispatch failure.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client dispatches admission requests to ordered orchestrator targets.
type Client struct {
	httpClient *http.Client
	secret     string
	targets    []string
	now        func() time.Time
}

// New creates a client signing with secret and trying targets in order.
// Empty targets are skipped.
func New(secret string, targets ...string) *Client {
	filtered := make([]string, 0, len(targets))
	for _, t := range targets {
		if t != "" {
			filtered = append(filtered, t)
		}
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		secret:     secret,
		targets:    filtered,
		now:        time.Now,
	}
}

type admissionResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Dispatch submits the task to the first target that accepts it and returns
// that target's URL. Failures are classified into the stable taxonomy.
func (c *Client) Dispatch(ctx context.Context, req dispatcher.SubmitRequest) (string, error) {
	if c.secret == "" {
		return "", &Error{Code: CodeMissingSecret, Message: "dispatch secret is not configured"}
	}
	if len(c.targets) == 0 {
		return "", &Error{Code: CodeUnknown, Message: "no orchestrator targets configured"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &Error{Code: CodeUnknown, Message: fmt.Sprintf("failed to encode request: %v", err)}
	}

	transportFailures := 0
	var lastReason string
	for _, target := range c.targets {
		status, reason, err := c.attempt(ctx, target, body)
		if err != nil {
			log.Warn("dispatch attempt failed, trying next target", "target", target, "error", err)
			transportFailures++
			lastReason = err.Error()
			continue
		}

		switch {
		case status == http.StatusOK && reason == "":
			log.Info("task dispatched", "task_id", req.TaskID, "target", target)
			return target, nil
		case status == http.StatusServiceUnavailable:
			log.Warn("target draining, trying next", "target", target)
			lastReason = "target draining"
		case status == http.StatusOK:
			log.Warn("target rejected task, trying next", "target", target, "reason", reason)
			lastReason = reason
		default:
			return "", &Error{
				Code:    CodeDispatchFailed,
				Message: fmt.Sprintf("target %s answered %d", target, status),
			}
		}
	}

	if transportFailures == len(c.targets) {
		return "", &Error{Code: CodeNetworkError, Message: "no orchestrator target reachable"}
	}
	return "", &Error{
		Code:    CodeWorkerUnavailable,
		Message: fmt.Sprintf("all orchestrator targets refused the task (last: %s)", lastReason),
	}
}

// attempt posts the signed body to one target. A non-nil error means the
// request never produced an HTTP response.
func (c *Client) attempt(ctx context.Context, target string, body []byte) (status int, rejectReason string, err error) {
	sig, err := dispatchauth.Sign(body, c.now().UnixMilli(), c.secret)
	if err != nil {
		return 0, "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/tasks", bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(dispatchauth.HeaderTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	httpReq.Header.Set(dispatchauth.HeaderSignature, sig.Value)
	httpReq.Header.Set(dispatchauth.HeaderNonce, dispatchauth.GenerateNonce())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, "", nil
	}

	var parsed admissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return resp.StatusCode, "", fmt.Errorf("malformed admission response: %w", err)
	}
	if parsed.Status == "accepted" {
		return resp.StatusCode, "", nil
	}
	if parsed.Reason == "" {
		parsed.Reason = "rejected"
	}
	return resp.StatusCode, parsed.Reason, nil
}
