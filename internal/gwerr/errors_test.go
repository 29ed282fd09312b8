package gwerr

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := New(ProviderError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("openai")

	if GetCode(err) != ProviderError {
		t.Fatalf("expected code %s, got %s", ProviderError, GetCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestFromUpstreamStatus_Retryability(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		retryable bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, c := range cases {
		e := FromUpstreamStatus(c.status, "msg", "openai")
		if e.Retryable != c.retryable {
			t.Errorf("status %d: expected retryable=%v, got %v", c.status, c.retryable, e.Retryable)
		}
	}
}

func TestNormalizeUpstreamStatus_BoundedCardinality(t *testing.T) {
	t.Parallel()

	if got := NormalizeUpstreamStatus(0, false, true); got != "timeout" {
		t.Errorf("expected timeout, got %s", got)
	}
	if got := NormalizeUpstreamStatus(0, true, false); got != "network_error" {
		t.Errorf("expected network_error, got %s", got)
	}
	if got := NormalizeUpstreamStatus(418, false, false); got != "4xx" {
		t.Errorf("expected 4xx for unlisted client status, got %s", got)
	}
	if got := NormalizeUpstreamStatus(599, false, false); got != "5xx" {
		t.Errorf("expected 5xx for unlisted server status, got %s", got)
	}
	if got := NormalizeUpstreamStatus(429, false, false); got != "429" {
		t.Errorf("expected literal 429 label, got %s", got)
	}
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()
	if HTTPStatusFor(RateLimitReliAPI) != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for RateLimitReliAPI")
	}
}

func TestError_WithDetails(t *testing.T) {
	t.Parallel()
	err := New(BudgetExceeded, "estimated cost exceeds hard budget cap").WithDetails("cost_policy_applied=hard_cap_rejected")
	if err.Details != "cost_policy_applied=hard_cap_rejected" {
		t.Fatalf("expected details to be set, got %q", err.Details)
	}
}
