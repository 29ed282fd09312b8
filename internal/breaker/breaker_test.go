package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestBreaker(threshold int, ttl time.Duration) *Breaker {
	return New(Config{Threshold: threshold, OpenTTL: ttl}, zap.NewNop())
}

func TestBreaker_AllowsByDefault(t *testing.T) {
	b := newTestBreaker(3, time.Minute)
	assert.True(t, b.Allow("target-a"))
	assert.Equal(t, StateClosed, b.State("target-a"))
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordFailure("target-a")
	assert.Equal(t, StateHalfOpen, b.State("target-a"))
	assert.True(t, b.Allow("target-a"))

	b.RecordFailure("target-a")
	b.RecordFailure("target-a")
	assert.Equal(t, StateOpen, b.State("target-a"))
	assert.False(t, b.Allow("target-a"))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.RecordFailure("target-a")
	b.RecordFailure("target-a")
	b.RecordSuccess("target-a")
	assert.Equal(t, StateClosed, b.State("target-a"))

	b.RecordFailure("target-a")
	b.RecordFailure("target-a")
	assert.True(t, b.Allow("target-a"), "two failures after a reset should not reopen a threshold-3 breaker")
}

func TestBreaker_AutoClosesAfterTTL(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.RecordFailure("target-a")
	assert.False(t, b.Allow("target-a"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow("target-a"), "breaker should auto-close once open_ttl elapses")
	assert.Equal(t, StateClosed, b.State("target-a"))
}

func TestBreaker_TargetsAreIndependent(t *testing.T) {
	b := newTestBreaker(1, time.Minute)

	b.RecordFailure("primary")
	assert.False(t, b.Allow("primary"))
	assert.True(t, b.Allow("fallback"), "a fallback target must not share breaker state with the target it falls back from")
}

func TestNew_AppliesDefaultsOnInvalidConfig(t *testing.T) {
	b := New(Config{Threshold: 0, OpenTTL: 0}, zap.NewNop())
	b.RecordFailure("t")
	b.RecordFailure("t")
	b.RecordFailure("t")
	b.RecordFailure("t")
	b.RecordFailure("t")
	assert.Equal(t, StateOpen, b.State("t"), "zero-value config should fall back to DefaultConfig's threshold of 5")
}
