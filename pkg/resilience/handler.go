package resilience

import (
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/rs/zerolog"
)

// HandlerConfig configures the unified error handler.
type HandlerConfig struct {
	Retry              RetryConfig
	CircuitBreaker     CircuitBreakerConfig
	DeadLetter         DeadLetterConfig
	SampleRate         float64 // fraction of non-retryable errors logged at error level, rest at debug
	MaxErrorsPerMinute int     // rate limit on warn and error task-failure log lines, 0 disables
}

// DefaultHandlerConfig returns sensible defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Retry:              DefaultRetryConfig(),
		CircuitBreaker:     DefaultCircuitBreakerConfig(),
		DeadLetter:         DefaultDeadLetterConfig(),
		SampleRate:         1.0,
		MaxErrorsPerMinute: 60,
	}
}

// Outcome describes what the ErrorHandler decided to do with a failed task.
type Outcome string

const (
	OutcomeRetried     Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRejected    Outcome = "rejected" // not returned by Handle, which always retries or dead-letters
)

// ErrorHandler unifies retry policy, circuit breaking, and the dead letter
// queue into the single entry point every task-processing loop calls on
// failure.
type ErrorHandler struct {
	cfg     HandlerConfig
	retry   *RetryPolicy
	breaker *CircuitBreaker
	dlq     *DeadLetterQueue
	broker  *events.Broker
	logger  zerolog.Logger

	mu              sync.Mutex
	errorTimestamps []time.Time
	nowFn           func() time.Time
}

// NewErrorHandler builds an ErrorHandler publishing transitions on broker
// (may be nil to disable event publishing).
func NewErrorHandler(cfg HandlerConfig, broker *events.Broker) *ErrorHandler {
	return &ErrorHandler{
		cfg:     cfg,
		retry:   NewRetryPolicy(cfg.Retry),
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
		dlq:     NewDeadLetterQueue(cfg.DeadLetter),
		broker:  broker,
		logger:  log.WithComponent("error-handler"),
		nowFn:   time.Now,
	}
}

// Allow reports whether a call guarded by the circuit breaker may proceed.
func (h *ErrorHandler) Allow() error {
	return h.breaker.Allow()
}

// RecordSuccess reports a successful call to the breaker.
func (h *ErrorHandler) RecordSuccess() {
	h.breaker.RecordSuccess()
}

// Handle processes a task failure: records the breaker outcome, decides
// retry vs dead-letter, and reports the error at a rate-limited log level.
func (h *ErrorHandler) Handle(task *types.Task, cause error) Outcome {
	h.breaker.RecordFailure()
	h.report(task, cause)

	if h.retry.ShouldRetry(cause, task.RetryCount) {
		metrics.RetriesTotal.Inc()
		if h.broker != nil {
			h.broker.Publish(&events.Event{Type: events.EventJobAttemptFailed, Message: cause.Error(), TaskID: task.ID, Attempt: task.RetryCount})
		}
		return OutcomeRetried
	}

	h.dlq.Add(task, cause, task.RetryCount)
	metrics.DeadLetterQueueSize.Set(float64(h.dlq.Size()))
	if h.broker != nil {
		h.broker.Publish(&events.Event{Type: events.EventJobDeadLettered, Message: cause.Error(), TaskID: task.ID, Attempt: task.RetryCount})
	}
	return OutcomeDeadLettered
}

// Delay exposes the retry policy's computed backoff for the given attempt.
func (h *ErrorHandler) Delay(attempt int) time.Duration {
	return h.retry.Delay(attempt)
}

// State exposes the circuit breaker's current state.
func (h *ErrorHandler) State() CircuitState {
	return h.breaker.State()
}

// DeadLetterQueue exposes the underlying queue for inspection/resubmission.
func (h *ErrorHandler) DeadLetterQueue() *DeadLetterQueue {
	return h.dlq
}

// report logs the error, sampling non-retryable errors at SampleRate and
// rate-limiting warn/error lines to MaxErrorsPerMinute.
func (h *ErrorHandler) report(task *types.Task, cause error) {
	var kerr *kgerrors.Error
	retryable := kgerrors.IsRetryable(cause)
	if kgerrors.As(cause, &kerr) {
		retryable = kerr.Retryable
	}

	if !h.allowErrorLog() {
		logger := log.ForTask(h.logger, task)
		logger.Debug().Err(cause).Msg("task failed (rate limited)")
		return
	}

	level := zerolog.WarnLevel
	if !retryable {
		level = zerolog.ErrorLevel
	}
	logger := log.ForTask(h.logger, task)
	logger.WithLevel(level).Err(cause).Msg("task failed")
}

func (h *ErrorHandler) allowErrorLog() bool {
	if h.cfg.MaxErrorsPerMinute <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.nowFn()
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(h.errorTimestamps); i++ {
		if h.errorTimestamps[i].After(cutoff) {
			break
		}
	}
	h.errorTimestamps = h.errorTimestamps[i:]
	if len(h.errorTimestamps) >= h.cfg.MaxErrorsPerMinute {
		return false
	}
	h.errorTimestamps = append(h.errorTimestamps, now)
	return true
}
