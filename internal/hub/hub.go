// Package hub fans typed events out to many concurrent subscribers with
// bounded per-subscriber queues.
//
// Delivery is at-most-once. A subscriber that stops draining its queue is
// not silently rationed: once its fill ratio stays above the configured
// threshold across more than one broadcast within a sliding window, the hub
// disconnects it with reason SLOW_CONSUMER. A fail-fast disconnect the
// client can recognize and reconnect from beats silent loss.
//
// The hub preserves the order of Broadcast calls from a single source as
// seen by any one subscriber. It makes no ordering promise between events
// from different sources.
package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fnostream/pkg/types"
)

// Predicate filters which broadcast events a subscriber receives. A nil set
// means "match any". All non-nil sets must match.
type Predicate struct {
	Instruments map[types.InstrumentKey]struct{}
	Timeframes  map[types.Timeframe]struct{}
	EventTypes  map[types.EventType]struct{}
}

// Matches reports whether the event passes every configured filter.
func (p Predicate) Matches(e types.Event) bool {
	if p.EventTypes != nil {
		if _, ok := p.EventTypes[e.Type]; !ok {
			return false
		}
	}
	if p.Instruments != nil && !e.Instrument.IsZero() {
		if _, ok := p.Instruments[e.Instrument]; !ok {
			return false
		}
	}
	if p.Timeframes != nil && e.Timeframe != "" {
		if _, ok := p.Timeframes[e.Timeframe]; !ok {
			return false
		}
	}
	return true
}

// Subscription is one subscriber's handle: a bounded event stream plus a
// done signal carrying the disconnect reason.
type Subscription struct {
	id        uuid.UUID
	predicate Predicate
	events    chan types.Event
	done      chan struct{}

	mu           sync.Mutex
	reason       types.DisconnectReason
	closed       bool
	lastHighFill time.Time // slow-consumer strike tracking
}

// ID returns the subscriber's unique handle.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Events returns the subscriber's event stream. The channel is closed when
// the subscription ends.
func (s *Subscription) Events() <-chan types.Event { return s.events }

// Done is closed when the subscription ends; Reason is valid afterwards.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason reports why the hub ended the subscription. Empty for a
// client-initiated unsubscribe.
func (s *Subscription) Reason() types.DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// SetPredicate atomically replaces the subscription's filter. Events already
// queued are unaffected.
func (s *Subscription) SetPredicate(h *Hub, p Predicate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		s.predicate = p
	}
}

// strike updates the subscriber's slow-consumer tracking for one broadcast
// and reports whether the disconnect threshold was reached: fill ratio above
// slowRatio on more than one broadcast inside the sliding window.
// Broadcasters run in parallel under the hub's read lock, so the tracking
// state lives behind the subscription's own mutex.
func (s *Subscription) strike(now time.Time, slowRatio float64, window time.Duration) bool {
	fill := float64(len(s.events)) / float64(cap(s.events))

	s.mu.Lock()
	defer s.mu.Unlock()

	if fill <= slowRatio {
		s.lastHighFill = time.Time{}
		return false
	}
	if !s.lastHighFill.IsZero() && now.Sub(s.lastHighFill) <= window {
		return true
	}
	s.lastHighFill = now
	return false
}

// Hub is the fan-out registry. Broadcasts hold a read lock so they run in
// parallel; subscribe/unsubscribe take the write lock.
type Hub struct {
	queueSize  int
	slowRatio  float64
	slowWindow time.Duration
	logger     *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription

	onShed func(types.Event) // optional metric hook for dropped events
}

// Options tunes hub bounds. Zero values fall back to the documented defaults.
type Options struct {
	QueueSize          int           // per-subscriber buffer (default 500)
	SlowThresholdRatio float64       // fill ratio counted as a strike (default 0.9)
	SlowWindow         time.Duration // window in which two strikes disconnect (default 5s)
	OnShed             func(types.Event)
}

// New creates a hub.
func New(opts Options, logger *slog.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 500
	}
	if opts.SlowThresholdRatio <= 0 {
		opts.SlowThresholdRatio = 0.9
	}
	if opts.SlowWindow <= 0 {
		opts.SlowWindow = 5 * time.Second
	}
	return &Hub{
		queueSize:  opts.QueueSize,
		slowRatio:  opts.SlowThresholdRatio,
		slowWindow: opts.SlowWindow,
		logger:     logger.With("component", "hub"),
		subs:       make(map[uuid.UUID]*Subscription),
		onShed:     opts.OnShed,
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (h *Hub) Subscribe(p Predicate) *Subscription {
	sub := &Subscription{
		id:        uuid.New(),
		predicate: p,
		events:    make(chan types.Event, h.queueSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "id", sub.id, "count", count)
	return sub
}

// Unsubscribe removes the subscriber and closes its stream. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.close(sub, "")
}

// close removes sub and finishes its stream with the given reason.
func (h *Hub) close(sub *Subscription, reason types.DisconnectReason) {
	h.mu.Lock()
	_, present := h.subs[sub.id]
	delete(h.subs, sub.id)
	count := len(h.subs)
	h.mu.Unlock()

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.reason = reason
	sub.mu.Unlock()

	close(sub.done)
	// Closing events is safe here: the subscription is out of the registry
	// and close holds no read lock, so no broadcast can be mid-send on it.
	close(sub.events)

	if present {
		h.logger.Debug("subscriber removed", "id", sub.id, "reason", reason, "count", count)
	}
}

// Broadcast delivers the event to every matching subscriber without
// blocking. Subscribers whose queues are persistently near-full are
// scheduled for disconnection.
func (h *Hub) Broadcast(e types.Event) {
	now := time.Now()
	var slow []*Subscription

	h.mu.RLock()
	for _, sub := range h.subs {
		if !sub.predicate.Matches(e) {
			continue
		}

		if sub.strike(now, h.slowRatio, h.slowWindow) {
			slow = append(slow, sub)
			continue
		}

		select {
		case sub.events <- e:
		default:
			// Queue full: at-most-once, drop for this subscriber. The
			// strike above will disconnect it on the next near-full pass.
			if h.onShed != nil {
				h.onShed(e)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("disconnecting slow consumer", "id", sub.id)
		h.close(sub, types.DisconnectSlowConsumer)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll ends every subscription with the given reason. Used on shutdown.
func (h *Hub) CloseAll(reason types.DisconnectReason) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.close(sub, reason)
	}
}
