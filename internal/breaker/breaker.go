package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/apihub-kr/apihub/internal/metrics"
	"github.com/apihub-kr/apihub/pkg/domain"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitBreaker is a per-worker three-state breaker over consecutive
// failures. It observes every dispatch from one worker regardless of
// provider; the observed failure modes are infrastructural rather than
// single-provider.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	state         State
	failureCount  int
	lastFailureAt time.Time

	logger *slog.Logger
	now    func() time.Time
}

func New(name string, failureThreshold int, recoveryTimeout time.Duration, logger *slog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		logger:           logger,
		now:              time.Now,
	}
}

// SetClock overrides the breaker's time source. Tests only.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// currentState applies the lazy OPEN -> HALF_OPEN transition. Caller
// must hold cb.mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureAt) >= cb.recoveryTimeout {
		cb.transition(StateOpen, StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(from, to State) {
	cb.state = to
	metrics.CircuitTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	cb.logger.Info("circuit breaker transition", "name", cb.name, "from", from, "to", to)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// CanExecute reports whether the next request may go out. HALF_OPEN
// allows the probe through.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState() != StateOpen
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.currentState() {
	case StateHalfOpen:
		cb.transition(StateHalfOpen, StateClosed)
		cb.failureCount = 0
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.failureCount++
	cb.lastFailureAt = cb.now()

	if state == StateHalfOpen {
		cb.transition(StateHalfOpen, StateOpen)
		return
	}
	if state == StateClosed && cb.failureCount >= cb.failureThreshold {
		cb.transition(StateClosed, StateOpen)
	}
}

// Reset forces the breaker back to CLOSED. Admin use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transition(cb.state, StateClosed)
	}
	cb.failureCount = 0
	cb.lastFailureAt = time.Time{}
}

// Snapshot returns the breaker state for result envelopes and the admin
// status endpoint.
func (cb *CircuitBreaker) Snapshot() *domain.CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := &domain.CircuitSnapshot{
		Name:             cb.name,
		State:            string(cb.currentState()),
		FailureCount:     cb.failureCount,
		FailureThreshold: cb.failureThreshold,
		RecoveryTimeout:  cb.recoveryTimeout.Seconds(),
	}
	if !cb.lastFailureAt.IsZero() {
		snap.LastFailureAt = cb.lastFailureAt.Unix()
	}
	return snap
}
