// Package external contains clients for downstream services. The only one
// today is the notify service that performs actual message delivery.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sony/gobreaker/v2"

	"occasio/internal/config"
	"occasio/internal/types"
)

// SendRequest is the payload posted to the notify service.
type SendRequest struct {
	Destination    string `json:"destination"`
	Subject        string `json:"subject"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key"`
}

// NotifyClient sends messages through the downstream notify service, guarded
// by a circuit breaker. When the breaker is open, Send fails fast without
// touching the network so a struggling downstream is not hammered by the
// whole worker pool.
type NotifyClient struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[struct{}]
}

// NewNotifyClient creates a client for the configured notify service. A nil
// httpClient gets a default client with the configured request timeout;
// tests inject their own.
func NewNotifyClient(cfg config.NotifierConfig, httpClient *http.Client) *NotifyClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notify-service",
		MaxRequests: uint32(cfg.BreakerHalfOpenMax),
		Timeout:     cfg.BreakerResetTimeout,
		// Every non-success outcome counts toward tripping the breaker,
		// rejections included.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailureThreshold)
		},
	})

	return &NotifyClient{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		breaker:    breaker,
	}
}

// Send delivers one message. The returned error is always an AppError whose
// code classifies the failure: timeout/unavailable/circuit_open are
// retryable, rejected is permanent.
func (c *NotifyClient) Send(ctx context.Context, req SendRequest) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.doSend(ctx, req)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeNotifyCircuitOpen, "notify service circuit breaker is open", err)
	}
	return err
}

// State exposes the breaker state for health reporting.
func (c *NotifyClient) State() gobreaker.State {
	return c.breaker.State()
}

func (c *NotifyClient) doSend(ctx context.Context, req SendRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal send request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build send request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return types.NewAppError(types.ErrCodeNotifyTimeout, "notify request timed out", err)
		}
		return types.NewAppError(types.ErrCodeNotifyUnavailable, "notify service unreachable", err)
	}
	defer resp.Body.Close()

	// Drain so the connection is reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeNotifyUnavailable,
			fmt.Sprintf("notify service returned status %d", resp.StatusCode), nil)
	default:
		return types.NewAppError(types.ErrCodeNotifyRejected,
			fmt.Sprintf("notify service rejected the message with status %d", resp.StatusCode), nil)
	}
}
