package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/voicebridge/internal/backoff"
)

const (
	defaultApprovalTimeout  = 10 * time.Second
	defaultApprovalAttempts = 3
)

// HTTPApprover asks an external service whether a scheduled call should still
// be placed. The service receives {"callId": ...} and answers
// {"approved": bool}.
type HTTPApprover struct {
	URL     string
	Token   string
	Timeout time.Duration
	// Attempts bounds retries on transport errors and 5xx replies.
	Attempts int
	Client   *http.Client
}

type approvalRequest struct {
	CallID string `json:"callId"`
}

type approvalResponse struct {
	Approved bool `json:"approved"`
}

// For returns an ApproveFunc for callID. A nil approver, or one without a
// URL, approves every action.
func (h *HTTPApprover) For(callID string) ApproveFunc {
	if h == nil || h.URL == "" {
		return nil
	}
	return func(ctx context.Context) (bool, error) {
		return h.approve(ctx, callID)
	}
}

func (h *HTTPApprover) approve(ctx context.Context, callID string) (bool, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	attempts := h.Attempts
	if attempts <= 0 {
		attempts = defaultApprovalAttempts
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(approvalRequest{CallID: callID})
	if err != nil {
		return false, err
	}

	var (
		approved  bool
		permanent error
	)
	err = backoff.Retry(ctx, backoff.DefaultPolicy(), attempts, func(int) error {
		ok, retryable, err := h.post(ctx, body)
		if err != nil && !retryable {
			permanent = err
			return nil
		}
		approved = ok
		return err
	})
	if permanent != nil {
		return false, permanent
	}
	if err != nil {
		return false, err
	}
	return approved, nil
}

// post sends one approval request. retryable reports whether a failure may
// succeed on another attempt.
func (h *HTTPApprover) post(ctx context.Context, body []byte) (approved, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return false, false, fmt.Errorf("create approval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded),
			fmt.Errorf("approval request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return false, true, fmt.Errorf("approval returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return false, false, fmt.Errorf("approval returned status %d", resp.StatusCode)
	}

	var out approvalResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, false, fmt.Errorf("decode approval response: %w", err)
	}
	return out.Approved, false, nil
}
