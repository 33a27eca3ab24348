package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasio/internal/config"
	"occasio/internal/types"
)

func breakerCfg(baseURL string) config.NotifierConfig {
	return config.NotifierConfig{
		BaseURL:                 baseURL,
		Timeout:                 time.Second,
		BreakerFailureThreshold: 2,
		BreakerResetTimeout:     50 * time.Millisecond,
		BreakerHalfOpenMax:      1,
	}
}

func sendReq() SendRequest {
	return SendRequest{
		Destination:    "ada@example.com",
		Subject:        "Happy Birthday, Ada!",
		Message:        "Hey Ada!",
		IdempotencyKey: "key-1",
	}
}

func errCode(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestSend_Success(t *testing.T) {
	var gotReq SendRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/notifications", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewNotifyClient(breakerCfg(srv.URL), srv.Client())
	require.NoError(t, c.Send(context.Background(), sendReq()))

	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, "ada@example.com", gotReq.Destination)
	assert.Equal(t, "Happy Birthday, Ada!", gotReq.Subject)
}

func TestSend_RejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewNotifyClient(breakerCfg(srv.URL), srv.Client())
	err := c.Send(context.Background(), sendReq())
	assert.Equal(t, types.ErrCodeNotifyRejected, errCode(t, err))
}

func TestSend_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewNotifyClient(breakerCfg(srv.URL), srv.Client())
	err := c.Send(context.Background(), sendReq())

	code := errCode(t, err)
	assert.Equal(t, types.ErrCodeNotifyUnavailable, code)
	assert.True(t, code.Retryable())
}

func TestSend_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewNotifyClient(breakerCfg(srv.URL), &http.Client{Timeout: 20 * time.Millisecond})
	err := c.Send(context.Background(), sendReq())
	assert.Equal(t, types.ErrCodeNotifyTimeout, errCode(t, err))
}

func TestSend_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewNotifyClient(breakerCfg(srv.URL), srv.Client())
	ctx := context.Background()

	// Two transport failures trip the breaker.
	assert.Equal(t, types.ErrCodeNotifyUnavailable, errCode(t, c.Send(ctx, sendReq())))
	assert.Equal(t, types.ErrCodeNotifyUnavailable, errCode(t, c.Send(ctx, sendReq())))

	// Fast-fail: the downstream is not touched.
	assert.Equal(t, types.ErrCodeNotifyCircuitOpen, errCode(t, c.Send(ctx, sendReq())))
	assert.Equal(t, int32(2), hits.Load())
}

func TestSend_BreakerClosesAfterRecovery(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewNotifyClient(breakerCfg(srv.URL), srv.Client())
	ctx := context.Background()

	_ = c.Send(ctx, sendReq())
	_ = c.Send(ctx, sendReq())
	assert.Equal(t, types.ErrCodeNotifyCircuitOpen, errCode(t, c.Send(ctx, sendReq())))

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond) // past the reset timeout, half-open

	require.NoError(t, c.Send(ctx, sendReq()), "half-open trial succeeds")
	require.NoError(t, c.Send(ctx, sendReq()), "breaker closed again")
}

func TestSend_RejectionsCountTowardBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewNotifyClient(breakerCfg(srv.URL), srv.Client())
	ctx := context.Background()

	assert.Equal(t, types.ErrCodeNotifyRejected, errCode(t, c.Send(ctx, sendReq())))
	assert.Equal(t, types.ErrCodeNotifyRejected, errCode(t, c.Send(ctx, sendReq())))
	assert.Equal(t, types.ErrCodeNotifyCircuitOpen, errCode(t, c.Send(ctx, sendReq())))
	assert.Equal(t, int32(2), hits.Load(), "any non-success outcome counts toward tripping")
}
