package upstream

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KikuAI-Lab/reliapi/internal/breaker"
	"github.com/KikuAI-Lab/reliapi/internal/retry"
)

func fastMatrix() retry.Matrix {
	return retry.Matrix{
		retry.ClassRateLimit:   {Attempts: 3, Backoff: retry.BackoffExp, Base: time.Millisecond, Max: 20 * time.Millisecond},
		retry.ClassServerError: {Attempts: 3, Backoff: retry.BackoffExp, Base: time.Millisecond, Max: 20 * time.Millisecond},
		retry.ClassNetwork:     {Attempts: 2, Backoff: retry.BackoffExp, Base: time.Millisecond, Max: 20 * time.Millisecond},
		retry.ClassTimeout:     {Attempts: 2, Backoff: retry.BackoffExp, Base: time.Millisecond, Max: 20 * time.Millisecond},
	}
}

func newBuilder(url string) RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, bytes.NewReader(nil))
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second, breaker.New(breaker.DefaultConfig(), zap.NewNop()), fastMatrix(), zap.NewNop())
	result, err := c.Do(context.Background(), "t1", newBuilder(srv.URL), NewBudget())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, http.StatusOK, result.Response.StatusCode)
	result.Response.Body.Close()
}

func TestDo_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second, breaker.New(breaker.DefaultConfig(), zap.NewNop()), fastMatrix(), zap.NewNop())
	result, err := c.Do(context.Background(), "t1", newBuilder(srv.URL), NewBudget())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	result.Response.Body.Close()
}

func TestDo_GivesUpAfterPolicyAttemptsExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(time.Second, breaker.New(breaker.DefaultConfig(), zap.NewNop()), fastMatrix(), zap.NewNop())
	result, err := c.Do(context.Background(), "t1", newBuilder(srv.URL), NewBudget())
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, result.Response.StatusCode)
	// Policy allows 3 retries on top of the initial attempt, so 4 calls total.
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, result.Attempts)
	result.Response.Body.Close()
}

func TestDo_NonRetryable4xxReturnsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(time.Second, breaker.New(breaker.DefaultConfig(), zap.NewNop()), fastMatrix(), zap.NewNop())
	result, err := c.Do(context.Background(), "t1", newBuilder(srv.URL), NewBudget())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	result.Response.Body.Close()
}

func TestDo_HonorsRetryAfterHeader(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second, breaker.New(breaker.DefaultConfig(), zap.NewNop()), fastMatrix(), zap.NewNop())
	start := time.Now()
	result, err := c.Do(context.Background(), "t1", newBuilder(srv.URL), NewBudget())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, http.StatusOK, result.Response.StatusCode)
	result.Response.Body.Close()
}

func TestDo_CircuitOpenShortCircuits(t *testing.T) {
	br := breaker.New(breaker.Config{Threshold: 1, OpenTTL: time.Minute}, zap.NewNop())
	br.RecordFailure("t1")

	c := New(time.Second, br, fastMatrix(), zap.NewNop())
	_, err := c.Do(context.Background(), "t1", newBuilder("http://example.invalid"), NewBudget())
	require.Error(t, err)
	var circuitErr *ErrCircuitOpen
	assert.ErrorAs(t, err, &circuitErr)
	assert.Equal(t, "t1", circuitErr.Target)
}

func TestDo_SharedBudgetExhaustsAcrossCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(time.Second, breaker.New(breaker.DefaultConfig(), zap.NewNop()), fastMatrix(), zap.NewNop())
	budget := &Budget{remaining: 2}

	result, err := c.Do(context.Background(), "t1", newBuilder(srv.URL), budget)
	require.NoError(t, err)
	// Policy allows 3 attempts but the shared budget only has 2 retries left
	// (3 total calls: 1 initial + 2 retries).
	assert.Equal(t, 3, result.Attempts)
	assert.False(t, budget.Consume(), "budget should be fully drained")
}

func TestBudget_ConsumeDecrementsUntilZero(t *testing.T) {
	b := NewBudget()
	for i := 0; i < retry.GlobalCeiling; i++ {
		assert.True(t, b.Consume())
	}
	assert.False(t, b.Consume())
}

func TestDo_NetworkErrorIsRetried(t *testing.T) {
	listener := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	badURL := listener.URL
	listener.Close() // connection now refused

	c := New(time.Second, breaker.New(breaker.DefaultConfig(), zap.NewNop()), fastMatrix(), zap.NewNop())
	_, err := c.Do(context.Background(), "t1", newBuilder(badURL), NewBudget())
	assert.Error(t, err)
}
