package dispatch

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
	"time"

	"github.com/taskwheel/taskwheel/internal/circuitbreaker"
	"github.com/taskwheel/taskwheel/internal/domain"
)

// WebhookHandler delivers notification.send, email.send and workflow.execute
// actions as HMAC-signed JSON POSTs to the endpoint named in the action
// params ("url", optional "secret"). Each delivery is bounded by the
// deadline on the caller's context; WithTimeout can tighten it per attempt.
//
// Classification: 2xx succeeds; 408, 429, 5xx and transport errors are
// retryable; every other status is permanent.
type WebhookHandler struct {
	kind    domain.ActionKind
	client  *http.Client
	timeout time.Duration                  // optional, 0 = caller's deadline only
	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
}

func NewWebhookHandler(kind domain.ActionKind) *WebhookHandler {
	return &WebhookHandler{
		kind:   kind,
		client: &http.Client{},
	}
}

// WithBreaker attaches a per-URL circuit breaker. An open circuit is a
// retryable failure: the occurrence is retried once the cooldown elapses.
func (h *WebhookHandler) WithBreaker(cb *circuitbreaker.CircuitBreaker) *WebhookHandler {
	h.breaker = cb
	return h
}

// WithTimeout bounds each delivery attempt in addition to whatever deadline
// the caller's context already carries.
func (h *WebhookHandler) WithTimeout(d time.Duration) *WebhookHandler {
	h.timeout = d
	return h
}

func (h *WebhookHandler) Execute(ctx context.Context, params map[string]string) error {
	url := params["url"]
	if url == "" {
		return PermanentError(h.kind, fmt.Errorf("params missing %q", "url"))
	}

	if h.breaker != nil {
		if err := h.breaker.Allow(url); err != nil {
			return RetryableError(h.kind, err)
		}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return PermanentError(h.kind, fmt.Errorf("marshal params: %w", err))
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PermanentError(h.kind, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskwheel-Action", string(h.kind))
	if secret := params["secret"]; secret != "" {
		req.Header.Set("X-Taskwheel-Signature", computeSignature(secret, body))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.recordFailure(url)
		return RetryableError(h.kind, fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if h.breaker != nil {
			h.breaker.RecordSuccess(url)
		}
		return nil
	}

	h.recordFailure(url)
	statusErr := fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	if retryableStatus(resp.StatusCode) {
		return RetryableError(h.kind, statusErr)
	}
	return PermanentError(h.kind, statusErr)
}

func (h *WebhookHandler) recordFailure(url string) {
	if h.breaker != nil {
		h.breaker.RecordFailure(url)
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// IsCircuitOpen reports whether err was caused by an open circuit.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen)
}
