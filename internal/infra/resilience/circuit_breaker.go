package resilience

import (
	"sort"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// BreakerSettings configures a breaker. Zero values fall back to the defaults.
type BreakerSettings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return s
}

// StateChangeFunc is invoked (outside the breaker lock) whenever a breaker changes state.
type StateChangeFunc func(service string, from, to BreakerState)

// CircuitBreaker guards a single named service.
//
// Failures accumulate while closed and are only cleared by a successful probe
// in half-open; a success while closed does not decrement the counter.
type CircuitBreaker struct {
	mu sync.Mutex

	name        string
	settings    BreakerSettings
	state       BreakerState
	failures    int
	nextAttempt time.Time

	now           func() time.Time
	onStateChange StateChangeFunc
}

func NewCircuitBreaker(name string, settings BreakerSettings, now func() time.Time, onStateChange StateChangeFunc) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:          name,
		settings:      settings.withDefaults(),
		state:         StateClosed,
		now:           now,
		onStateChange: onStateChange,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// CanExecute reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed moves to half-open and lets the probe through.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	var from BreakerState
	allowed := true
	if cb.state == StateOpen {
		if cb.now().Before(cb.nextAttempt) {
			allowed = false
		} else {
			from = cb.transition(StateHalfOpen)
		}
	}
	cb.mu.Unlock()

	if from != "" {
		cb.notify(from, StateHalfOpen)
	}
	return allowed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	var from BreakerState
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.settings.FailureThreshold {
			cb.nextAttempt = cb.now().Add(cb.settings.RecoveryTimeout)
			from = cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.nextAttempt = cb.now().Add(cb.settings.RecoveryTimeout)
		from = cb.transition(StateOpen)
	}
	cb.mu.Unlock()

	if from != "" {
		cb.notify(from, StateOpen)
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var from BreakerState
	if cb.state == StateHalfOpen {
		cb.failures = 0
		from = cb.transition(StateClosed)
	}
	cb.mu.Unlock()

	if from != "" {
		cb.notify(from, StateClosed)
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// transition must be called with mu held. It returns the previous state.
func (cb *CircuitBreaker) transition(to BreakerState) BreakerState {
	from := cb.state
	cb.state = to
	return from
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if cb.onStateChange != nil && from != to {
		cb.onStateChange(cb.name, from, to)
	}
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Service  string       `json:"service"`
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
}

// Registry holds one breaker per service name, created lazily on first use.
// Construct one per process and inject it wherever breakers are needed.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	now           func() time.Time
	onStateChange StateChangeFunc
}

func NewRegistry(now func() time.Time, onStateChange StateChangeFunc) *Registry {
	return &Registry{
		breakers:      make(map[string]*CircuitBreaker),
		now:           now,
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for service. Settings only apply when the breaker is created.
func (r *Registry) Get(service string, settings BreakerSettings) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[service]; ok {
		return cb
	}
	cb := NewCircuitBreaker(service, settings, r.now, r.onStateChange)
	r.breakers[service] = cb
	return cb
}

// Snapshot lists every known breaker sorted by service name.
func (r *Registry) Snapshot() []BreakerStatus {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(list))
	for _, cb := range list {
		cb.mu.Lock()
		out = append(out, BreakerStatus{Service: cb.name, State: cb.state, Failures: cb.failures})
		cb.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
