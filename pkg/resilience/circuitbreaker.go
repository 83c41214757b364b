package resilience

import (
	"sync"
	"time"

	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/rs/zerolog"
)

// CircuitState is one of closed/open/half-open.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// stateGauge mirrors CircuitState into the Prometheus gauge value used by
// metrics.CircuitBreakerState.
var stateGauge = map[CircuitState]float64{
	StateClosed:   0,
	StateHalfOpen: 1,
	StateOpen:     2,
}

// CircuitBreakerConfig configures the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitoringWindow time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:      30 * time.Second,
		MonitoringWindow:  60 * time.Second,
	}
}

// CircuitBreaker protects a downstream operation from cascading failure.
// State is per-process: not synchronized across replicas.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger zerolog.Logger

	mu                  sync.Mutex
	state               CircuitState
	failureTimestamps   []time.Time
	openedAt            time.Time
	halfOpenSuccesses   int
	nowFn               func() time.Time
}

// NewCircuitBreaker builds a CircuitBreaker starting closed.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg,
		logger: log.WithComponent("circuit-breaker"),
		state:  StateClosed,
		nowFn:  time.Now,
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once ResetTimeout has elapsed.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			return nil
		}
		return kgerrors.New(kgerrors.CodeCircuitOpen, kgerrors.KindCapacity, false,
			"circuit breaker open, retry after %s", b.cfg.ResetTimeout-now.Sub(b.openedAt)).
			WithRetryAfter(int((b.cfg.ResetTimeout - now.Sub(b.openedAt)).Seconds()))
	default:
		return nil
	}
}

// RecordSuccess reports a successful call. In half-open, three
// consecutive successes close the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= 3 {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.pruneFailures(b.nowFn())
	}
}

// RecordFailure reports a failed call, possibly opening the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}

	b.failureTimestamps = append(b.failureTimestamps, now)
	b.pruneFailures(now)
	if len(b.failureTimestamps) >= b.cfg.FailureThreshold {
		b.transition(StateOpen)
	}
}

func (b *CircuitBreaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for ; i < len(b.failureTimestamps); i++ {
		if b.failureTimestamps[i].After(cutoff) {
			break
		}
	}
	b.failureTimestamps = b.failureTimestamps[i:]
}

func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.nowFn()
		b.failureTimestamps = nil
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.failureTimestamps = nil
		b.halfOpenSuccesses = 0
	}
	metrics.CircuitBreakerState.Set(stateGauge[to])
	b.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker transitioned")
}
