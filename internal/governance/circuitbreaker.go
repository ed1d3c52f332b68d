package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

var errCallPanicked = errors.New("protected call panicked")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing whether the peer recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	// Zero or less disables the breaker.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before testing.
	OpenTimeout time.Duration
	// HalfOpenTrials is the number of successful trial calls required to close.
	HalfOpenTrials int
}

// DefaultCircuitBreakerConfig returns the defaults used for peers.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenTrials:   1,
	}
}

// CircuitBreaker trips after consecutive failures and rejects calls until the
// open timeout elapses.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	now    func() time.Time

	state           CircuitBreakerState
	failures        int
	successes       int
	inFlightTrials  int
	openUntil       time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenTrials <= 0 {
		config.HalfOpenTrials = 1
	}
	return &CircuitBreaker{
		config:          config,
		now:             now,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// Execute runs fn under circuit breaker protection. Context cancellation is
// not counted as a peer failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeCall(); err != nil {
		return err
	}
	completed := false
	defer func() {
		// A panicking call counts as a failure and releases its trial slot.
		if !completed {
			cb.afterCall(errCallPanicked)
		}
	}()
	err := fn(ctx)
	completed = true
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	if cb.config.FailureThreshold <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.inFlightTrials++
		return nil
	case StateHalfOpen:
		if cb.inFlightTrials >= cb.config.HalfOpenTrials {
			return ErrCircuitOpen
		}
		cb.inFlightTrials++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	if cb.config.FailureThreshold <= 0 {
		return
	}
	canceled := errors.Is(err, context.Canceled)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A cancelled call says nothing about the peer.
	if canceled {
		if cb.state == StateHalfOpen && cb.inFlightTrials > 0 {
			cb.inFlightTrials--
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.inFlightTrials--
		if err != nil {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.HalfOpenTrials {
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		if err == nil {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(state CircuitBreakerState) {
	now := cb.now()
	cb.state = state
	cb.lastStateChange = now
	cb.failures = 0
	cb.successes = 0
	cb.inFlightTrials = 0
	if state == StateOpen {
		cb.openUntil = now.Add(cb.config.OpenTimeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.now().Before(cb.openUntil) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

// CircuitBreakerManager keeps one circuit breaker per peer.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a manager building breakers from config.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get retrieves the circuit breaker for a peer, creating one if needed.
func (m *CircuitBreakerManager) Get(peerID string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[peerID]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists := m.breakers[peerID]; exists {
		return cb
	}
	cb = NewCircuitBreaker(m.config)
	m.breakers[peerID] = cb
	return cb
}

// States reports the state of every known breaker.
func (m *CircuitBreakerManager) States() map[string]CircuitBreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CircuitBreakerState, len(m.breakers))
	for id, cb := range m.breakers {
		out[id] = cb.State()
	}
	return out
}
