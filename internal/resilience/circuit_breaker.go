// Package resilience holds the failure-handling primitives shared by the
// clients that talk to remote inference services: a retry policy for the
// language model and a circuit breaker for perception and image search.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a circuit breaker.
type State int32

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyProbes is returned when all half-open probe slots are taken.
	ErrTooManyProbes = errors.New("too many probe requests in half-open state")
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Name string

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close again.
	Probes uint32

	// OnStateChange is invoked with the lock held; keep it cheap.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns settings suited to the perception service.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		Probes:           2,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name      string
	threshold uint32
	cooldown  time.Duration
	probes    uint32
	onChange  func(name string, from, to State)
	now       func() time.Time

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	inflight  uint32
	openedAt  time.Time
}

// NewBreaker creates a breaker, filling zero config values with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes == 0 {
		cfg.Probes = def.Probes
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		onChange:  cfg.OnStateChange,
		now:       time.Now,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving open to half-open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Allow reserves a call slot or reports why the call is rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.inflight >= b.probes {
			return ErrTooManyProbes
		}
		b.inflight++
	}
	return nil
}

// Record reports the outcome of a call admitted by Allow. Context
// cancellation is the caller giving up and does not count as a failure.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	if err == nil {
		b.failures = 0
		if state == StateHalfOpen {
			b.successes++
			if b.successes >= b.probes {
				b.transition(StateClosed)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.inflight = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Guard runs fn through the breaker.
func Guard[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn(ctx)
	}
	if err := b.Allow(); err != nil {
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		b.Record(err)
		return zero, err
	}
	out, err := fn(ctx)
	b.Record(err)
	return out, err
}

// Registry hands out named breakers sharing one configuration template.
type Registry struct {
	mu       sync.RWMutex
	template BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry creates a registry; each breaker gets template with its own name.
func NewRegistry(template BreakerConfig) *Registry {
	return &Registry{template: template, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.template
	cfg.Name = name
	b = NewBreaker(cfg)
	r.breakers[name] = b
	return b
}

// States snapshots the state of every registered breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
