// Package circuitbreaker guards outbound provider calls. An unhealthy
// backend trips its breaker open and completions short-circuit locally
// until a half-open probe succeeds, so one dead provider cannot stall
// the whole routing chain.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker position.
type State uint8

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected locally
	StateHalfOpen              // limited probes allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrProbeInFlight = errors.New("circuit breaker probe already in flight")
)

// Config tunes a single breaker. The trip rule is: open after
// TripConsecutive straight failures, or once the failure ratio over the
// current tally window exceeds TripRatio with at least TripMinCalls
// observed.
type Config struct {
	Name            string
	TripConsecutive uint32
	TripRatio       float64
	TripMinCalls    uint32
	HalfOpenProbes  uint32        // concurrent probes admitted while half-open
	Timeout         time.Duration // open -> half-open cooldown
	ResetInterval   time.Duration // closed-state tally horizon; 0 keeps counts forever
	OnStateChange   func(name string, from, to State)
}

// ProviderConfig is the tuning used for LLM backends: trip on 3
// consecutive failures or a >50% failure rate over at least 5 calls,
// stay open 30 s, then allow a single half-open probe.
func ProviderConfig(name string) *Config {
	logger := log.New(log.Writer(), "[BREAKER] ", log.LstdFlags)
	return &Config{
		Name:            name,
		TripConsecutive: 3,
		TripRatio:       0.5,
		TripMinCalls:    5,
		HalfOpenProbes:  1,
		Timeout:         30 * time.Second,
		ResetInterval:   60 * time.Second,
		OnStateChange: func(name string, from, to State) {
			logger.Printf("%s: %s -> %s", name, from, to)
		},
	}
}

// tally is the call record for the current epoch. An epoch starts at
// every state change and, while closed, at every ResetInterval rollover,
// so a burst of stale failures cannot trip a breaker that has been
// healthy since.
type tally struct {
	calls     uint32
	failures  uint32
	streakBad uint32
	streakOK  uint32
}

// CircuitBreaker serializes all transitions behind one mutex; the
// guarded call itself runs outside it.
type CircuitBreaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	epoch    uint64 // invalidates settle() results from before a transition
	t        tally
	deadline time.Time // next transition or tally rollover
}

func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = ProviderConfig("default")
	}
	cb := &CircuitBreaker{cfg: *cfg}
	if cb.cfg.ResetInterval > 0 {
		cb.deadline = time.Now().Add(cb.cfg.ResetInterval)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State reports the position, advancing open -> half-open when the
// cooldown has lapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reconcile(time.Now())
	return cb.state
}

// Execute runs fn if the breaker admits it.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return cb.ExecuteContext(context.Background(), func(context.Context) (interface{}, error) {
		return fn()
	})
}

// ExecuteContext runs fn if the breaker admits it and scores the result.
// A panic inside fn counts as a failure before it propagates.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	epoch, err := cb.admit()
	if err != nil {
		return nil, err
	}

	settled := false
	defer func() {
		if !settled {
			cb.settle(epoch, false)
		}
	}()

	out, err := fn(ctx)
	settled = true
	cb.settle(epoch, err == nil)
	return out, err
}

// admit decides whether a call may start and stamps it with the current
// epoch so a transition mid-flight voids its score.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.reconcile(time.Now())

	switch cb.state {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.t.calls >= cb.cfg.HalfOpenProbes {
			return cb.epoch, ErrProbeInFlight
		}
	}

	cb.t.calls++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.reconcile(now)
	if epoch != cb.epoch {
		return
	}

	if ok {
		cb.t.streakOK++
		cb.t.streakBad = 0
		if cb.state == StateHalfOpen && cb.t.streakOK >= cb.cfg.HalfOpenProbes {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.t.failures++
	cb.t.streakBad++
	cb.t.streakOK = 0

	switch cb.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		cb.transition(StateOpen, now)
	case StateClosed:
		if cb.tripped() {
			cb.transition(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) tripped() bool {
	if cb.cfg.TripConsecutive > 0 && cb.t.streakBad >= cb.cfg.TripConsecutive {
		return true
	}
	if cb.cfg.TripMinCalls == 0 || cb.t.calls < cb.cfg.TripMinCalls {
		return false
	}
	return float64(cb.t.failures)/float64(cb.t.calls) > cb.cfg.TripRatio
}

// reconcile applies deadline-driven movement: open breakers relax to
// half-open after Timeout, closed tallies roll over after ResetInterval.
// Callers hold cb.mu.
func (cb *CircuitBreaker) reconcile(now time.Time) {
	switch cb.state {
	case StateOpen:
		if now.After(cb.deadline) {
			cb.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if cb.cfg.ResetInterval > 0 && now.After(cb.deadline) {
			cb.epoch++
			cb.t = tally{}
			cb.deadline = now.Add(cb.cfg.ResetInterval)
		}
	}
}

// transition moves to a new state and starts a fresh epoch. Callers
// hold cb.mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.epoch++
	cb.t = tally{}

	switch to {
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	case StateClosed:
		if cb.cfg.ResetInterval > 0 {
			cb.deadline = now.Add(cb.cfg.ResetInterval)
		}
	default:
		cb.deadline = time.Time{}
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
