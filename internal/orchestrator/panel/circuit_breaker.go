package panel

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreakerConfig tunes the per-panel breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// CircuitBreaker stops hammering a panel whose transport keeps failing.
// Only transport errors count; business rejections are not failures here.
type CircuitBreaker struct {
	panelID      uint
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailure  time.Time
	nextAttempt  time.Time
	mutex        sync.Mutex
	now          func() time.Time
}

// NewCircuitBreaker creates a closed breaker for one panel.
func NewCircuitBreaker(panelID uint, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		panelID: panelID,
		config:  config,
		state:   StateClosed,
		now:     time.Now,
	}
}

// Execute runs operation unless the breaker is open.
func (cb *CircuitBreaker) Execute(operation func() error) error {
	if !cb.canExecute() {
		stats := cb.GetStats()
		return apperrors.NewPanelError(apperrors.ErrCodeCircuitOpen,
			fmt.Sprintf("circuit open for panel %d after %d failures", cb.panelID, stats.FailureCount), true, nil).
			WithMetadata("panel_id", cb.panelID).
			WithMetadata("next_attempt", stats.NextAttempt)
	}

	err := operation()
	cb.recordResult(err)
	return err
}

// canExecute moves an expired open breaker to half-open and lets one trial call through.
func (cb *CircuitBreaker) canExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().After(cb.nextAttempt) {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err == nil {
		cb.state = StateClosed
		cb.failureCount = 0
		return
	}

	cb.failureCount++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.nextAttempt = cb.now().Add(cb.config.ResetTimeout)
}

// CircuitBreakerStats represents circuit breaker statistics
type CircuitBreakerStats struct {
	State        CircuitBreakerState `json:"state"`
	FailureCount int                 `json:"failure_count"`
	LastFailure  time.Time           `json:"last_failure"`
	NextAttempt  time.Time           `json:"next_attempt"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return CircuitBreakerStats{
		State:        cb.state,
		FailureCount: cb.failureCount,
		LastFailure:  cb.lastFailure,
		NextAttempt:  cb.nextAttempt,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.lastFailure = time.Time{}
	cb.nextAttempt = time.Time{}
}
