package resilience

import (
	"testing"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyRespectsMaxAttempts(t *testing.T) {
	p := NewRetryPolicy(DefaultRetryConfig())
	assert.True(t, p.ShouldRetry(kgerrors.Transient("boom"), 0))
	assert.False(t, p.ShouldRetry(kgerrors.Transient("boom"), 3))
}

func TestRetryPolicyRejectsNonRetryable(t *testing.T) {
	p := NewRetryPolicy(DefaultRetryConfig())
	assert.False(t, p.ShouldRetry(kgerrors.Validation("bad input"), 0))
}

func TestDelayCappedAtMaxDelay(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxDelay = 500 * time.Millisecond
	p := NewRetryPolicy(cfg)
	assert.LessOrEqual(t, p.Delay(20), cfg.MaxDelay)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 3
	b := NewCircuitBreaker(cfg)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	var kerr *kgerrors.Error
	require.True(t, kgerrors.As(err, &kerr))
	assert.Equal(t, kgerrors.CodeCircuitOpen, kerr.Code)
}

func TestCircuitBreakerHalfOpenClosesAfterThreeSuccesses(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = 1 * time.Millisecond
	b := NewCircuitBreaker(cfg)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.ResetTimeout = 1 * time.Millisecond
	b := NewCircuitBreaker(cfg)

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestDeadLetterQueueEvictsOldestOnOverflow(t *testing.T) {
	q := NewDeadLetterQueue(DeadLetterConfig{MaxSize: 2, RetentionTime: time.Hour})

	q.Add(&types.Task{ID: "a"}, kgerrors.Transient("x"), 3)
	q.Add(&types.Task{ID: "b"}, kgerrors.Transient("x"), 3)
	q.Add(&types.Task{ID: "c"}, kgerrors.Transient("x"), 3)

	assert.Equal(t, 2, q.Size())
	_, ok := q.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = q.Get("c")
	assert.True(t, ok)
}

func TestDeadLetterQueueResubmitResetsRetryCount(t *testing.T) {
	q := NewDeadLetterQueue(DefaultDeadLetterConfig())
	task := &types.Task{ID: "a", RetryCount: 2}
	q.Add(task, kgerrors.Transient("x"), 2)

	resubmitted, err := q.Resubmit("a")
	require.NoError(t, err)
	assert.Equal(t, 0, resubmitted.RetryCount)
	assert.Equal(t, 0, q.Size())
}

func TestDeadLetterQueueResubmitMissingReturnsError(t *testing.T) {
	q := NewDeadLetterQueue(DefaultDeadLetterConfig())
	_, err := q.Resubmit("missing")
	assert.Error(t, err)
}

func TestErrorHandlerDeadLettersAfterMaxAttempts(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.Retry.MaxAttempts = 2
	h := NewErrorHandler(cfg, nil)

	task := &types.Task{ID: "t1", RetryCount: 0}
	outcome := h.Handle(task, kgerrors.Transient("boom"))
	assert.Equal(t, OutcomeRetried, outcome)

	task.RetryCount = 2
	outcome = h.Handle(task, kgerrors.Transient("boom"))
	assert.Equal(t, OutcomeDeadLettered, outcome)

	entries := h.DeadLetterQueue().List()
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ID)
}
