// Package breaker implements a per-endpoint circuit breaker for broker API
// calls.
//
// A breaker trips OPEN after a run of consecutive failures or when the
// failure ratio over a sliding window of recent calls crosses the threshold.
// While OPEN every call fails fast with ErrUpstreamUnavailable — the broker
// gets room to recover instead of a retry storm. After the cooldown a single
// probe call is let through (HALF-OPEN); its outcome decides between closing
// the circuit and another full cooldown.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fnostream/internal/metrics"
)

// ErrUpstreamUnavailable is returned without calling the upstream while the
// circuit is open.
var ErrUpstreamUnavailable = errors.New("upstream unavailable: circuit open")

// State is the circuit's current disposition.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes one breaker. Zero values fall back to the defaults used in
// production: 5 consecutive failures or 50% of the last 20 calls, 60s
// cooldown.
type Config struct {
	ConsecutiveFailures int
	WindowSize          int
	FailureRatio        float64
	Cooldown            time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = 5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// Breaker guards one upstream endpoint. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu          sync.Mutex
	state       State
	window      []bool // true = failure; ring of the most recent calls
	idx         int
	filled      int
	consecFails int
	openedAt    time.Time
	probing     bool
}

// New creates a breaker named after the endpoint it protects.
func New(name string, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "breaker", "endpoint", name),
		m:      m,
		now:    time.Now,
		window: make([]bool, cfg.WindowSize),
	}
	b.m.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn under the breaker. While the circuit is open it returns
// ErrUpstreamUnavailable without invoking fn. Any non-nil error from fn
// counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		b.m.BreakerFastFail.WithLabelValues(b.name).Inc()
		return err
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

// State returns the circuit's current state. An expired cooldown reads as
// HALF_OPEN even before the probe call arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrUpstreamUnavailable
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			// One probe at a time; everyone else keeps failing fast.
			return ErrUpstreamUnavailable
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if ok {
			b.reset()
			b.transition(StateClosed)
		} else {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}

	b.window[b.idx] = !ok
	b.idx = (b.idx + 1) % b.cfg.WindowSize
	if b.filled < b.cfg.WindowSize {
		b.filled++
	}
	if ok {
		b.consecFails = 0
	} else {
		b.consecFails++
	}

	if b.consecFails >= b.cfg.ConsecutiveFailures || b.windowRatioTripped() {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// windowRatioTripped requires a full window; the consecutive-failure rule
// covers low call counts.
func (b *Breaker) windowRatioTripped() bool {
	if b.filled < b.cfg.WindowSize {
		return false
	}
	fails := 0
	for _, f := range b.window {
		if f {
			fails++
		}
	}
	return float64(fails)/float64(b.filled) >= b.cfg.FailureRatio
}

// reset clears the call history after a successful probe.
func (b *Breaker) reset() {
	for i := range b.window {
		b.window[i] = false
	}
	b.idx = 0
	b.filled = 0
	b.consecFails = 0
}

// transition assumes b.mu is held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.m.BreakerState.WithLabelValues(b.name).Set(float64(to))

	switch to {
	case StateOpen:
		b.logger.Warn("circuit opened", "from", from, "cooldown", b.cfg.Cooldown)
	case StateHalfOpen:
		b.logger.Info("circuit half-open, probing")
	case StateClosed:
		b.logger.Info("circuit closed")
	}
}
