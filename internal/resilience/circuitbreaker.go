// Package resilience guards calls to flaky downstream endpoints.
//
// A [Breaker] counts consecutive failures. Once the count reaches the
// configured limit it rejects calls with [ErrOpen] until a cool-down has
// passed, then lets a few probe calls through. A successful probe closes the
// breaker again; a failed one re-opens it.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the position of a [Breaker].
type State int

const (
	// Closed passes every call through.
	Closed State = iota
	// Open rejects every call.
	Open
	// HalfOpen lets a bounded number of probe calls through.
	HalfOpen
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Defaults applied by [NewBreaker] to zero fields of [Config].
const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 30 * time.Second
	DefaultProbes      = 1
)

// Config tunes a [Breaker].
type Config struct {
	// Name appears in error messages and logs.
	Name string
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// Probes is the number of concurrent calls allowed while half-open.
	Probes int
	// OnStateChange, if set, is called with the old and new state. It runs
	// with the breaker's lock held and must not call back into the breaker.
	OnStateChange func(from, to State)
}

// Breaker is a consecutive-failure circuit breaker. It is safe for
// concurrent use.
type Breaker struct {
	name     string
	max      int
	cooldown time.Duration
	probes   int
	onChange func(from, to State)
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inflight int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	return &Breaker{
		name:     cfg.Name,
		max:      cfg.MaxFailures,
		cooldown: cfg.Cooldown,
		probes:   cfg.Probes,
		onChange: cfg.OnStateChange,
		now:      time.Now,
	}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving from Open to HalfOpen if the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Do runs fn if the breaker admits the call. Errors caused by ctx being
// cancelled do not count as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err, ctx.Err() != nil)
	return err
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.inflight = 0
	b.set(Closed)
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	switch b.state {
	case Open:
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	case HalfOpen:
		if b.inflight >= b.probes {
			return fmt.Errorf("%w: %s (probing)", ErrOpen, b.name)
		}
		b.inflight++
	}
	return nil
}

func (b *Breaker) record(err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	probe := b.state == HalfOpen
	if probe {
		b.inflight--
	}
	switch {
	case err == nil:
		b.failures = 0
		b.set(Closed)
	case cancelled:
		// caller gave up; says nothing about the endpoint
	case probe:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.max {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.inflight = 0
	b.set(Open)
}

// advance must be called with mu held.
func (b *Breaker) advance() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		b.inflight = 0
		b.set(HalfOpen)
	}
}

func (b *Breaker) set(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if b.onChange != nil {
		b.onChange(from, s)
	}
}
