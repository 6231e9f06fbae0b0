package hub

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"fnostream/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func barEvent(i int) types.Event {
	return types.Event{
		Type:       types.EventBarClosed,
		Instrument: types.Equity("RELIANCE"),
		Timeframe:  types.TF1m,
		Payload:    i,
	}
}

func TestBroadcastMatchesPredicate(t *testing.T) {
	t.Parallel()
	h := New(Options{QueueSize: 10}, testLogger())

	all := h.Subscribe(Predicate{})
	onlyPositions := h.Subscribe(Predicate{
		EventTypes: map[types.EventType]struct{}{types.EventPositionEvent: {}},
	})
	onlyNifty := h.Subscribe(Predicate{
		Instruments: map[types.InstrumentKey]struct{}{types.Equity("NIFTY"): {}},
	})

	h.Broadcast(barEvent(1))

	if len(all.Events()) != 1 {
		t.Error("unfiltered subscriber should receive the event")
	}
	if len(onlyPositions.Events()) != 0 {
		t.Error("event-type filter should exclude bar events")
	}
	if len(onlyNifty.Events()) != 0 {
		t.Error("instrument filter should exclude RELIANCE")
	}
}

func TestPredicateIgnoresAbsentEventFields(t *testing.T) {
	t.Parallel()

	p := Predicate{
		Instruments: map[types.InstrumentKey]struct{}{types.Equity("NIFTY"): {}},
		Timeframes:  map[types.Timeframe]struct{}{types.TF1m: {}},
	}
	// Heartbeats carry no instrument or timeframe; the filters don't apply.
	if !p.Matches(types.Event{Type: types.EventHeartbeat}) {
		t.Error("instrument/timeframe filters must not exclude field-less events")
	}
}

func TestOrderingPreservedPerSubscriber(t *testing.T) {
	t.Parallel()
	h := New(Options{QueueSize: 100}, testLogger())
	sub := h.Subscribe(Predicate{})

	for i := 0; i < 50; i++ {
		h.Broadcast(barEvent(i))
	}

	for i := 0; i < 50; i++ {
		got := <-sub.Events()
		if got.Payload.(int) != i {
			t.Fatalf("event %d out of order: got %v", i, got.Payload)
		}
	}
}

// Fan-out fairness: a subscriber that keeps draining never loses an event,
// even while a stalled subscriber on the same hub gets disconnected.
func TestSlowConsumerDisconnectedFastConsumerUnaffected(t *testing.T) {
	t.Parallel()
	const queueSize = 500
	h := New(Options{QueueSize: queueSize, SlowWindow: time.Minute}, testLogger())

	fast := h.Subscribe(Predicate{})
	slow := h.Subscribe(Predicate{})

	received := make(chan types.Event, 600)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range fast.Events() {
			received <- e
		}
	}()

	const total = 550
	for i := 0; i < total; i++ {
		h.Broadcast(barEvent(i))
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber not disconnected after queue overflow")
	}
	if slow.Reason() != types.DisconnectSlowConsumer {
		t.Errorf("reason = %q, want SLOW_CONSUMER", slow.Reason())
	}

	h.Unsubscribe(fast)
	<-drained
	close(received)

	i := 0
	for e := range received {
		if e.Payload.(int) != i {
			t.Fatalf("fast subscriber event %d out of order: got %v", i, e.Payload)
		}
		i++
	}
	if i != total {
		t.Errorf("fast subscriber received %d events, want %d", i, total)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	h := New(Options{QueueSize: 10}, testLogger())
	sub := h.Subscribe(Predicate{})

	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // must not panic or block

	if h.SubscriberCount() != 0 {
		t.Error("subscriber still registered after unsubscribe")
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("events channel should be closed")
	}
	if sub.Reason() != "" {
		t.Errorf("client-initiated unsubscribe should carry no reason, got %q", sub.Reason())
	}
}

func TestBroadcastAfterUnsubscribeDoesNotPanic(t *testing.T) {
	t.Parallel()
	h := New(Options{QueueSize: 10}, testLogger())
	sub := h.Subscribe(Predicate{})
	h.Unsubscribe(sub)
	h.Broadcast(barEvent(1)) // removed subscriber must not be touched
}

func TestCloseAllCarriesReason(t *testing.T) {
	t.Parallel()
	h := New(Options{QueueSize: 10}, testLogger())

	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = h.Subscribe(Predicate{})
	}

	h.CloseAll(types.DisconnectShutdown)

	for i, sub := range subs {
		select {
		case <-sub.Done():
		default:
			t.Fatalf("subscriber %d not closed", i)
		}
		if sub.Reason() != types.DisconnectShutdown {
			t.Errorf("subscriber %d reason = %q, want SHUTDOWN", i, sub.Reason())
		}
	}
	if h.SubscriberCount() != 0 {
		t.Error("subscribers remain after CloseAll")
	}
}

func TestOnShedHookCountsDrops(t *testing.T) {
	t.Parallel()
	shed := 0
	h := New(Options{
		QueueSize:  2,
		SlowWindow: time.Nanosecond, // strikes expire immediately: no disconnect
		OnShed:     func(types.Event) { shed++ },
	}, testLogger())

	sub := h.Subscribe(Predicate{})
	for i := 0; i < 10; i++ {
		h.Broadcast(barEvent(i))
	}

	select {
	case <-sub.Done():
		t.Fatal("subscriber should not be disconnected with expired strikes")
	default:
	}
	if shed == 0 {
		t.Error("expected shed events once the queue filled")
	}
	if len(sub.Events()) != 2 {
		t.Errorf("queued = %d, want 2", len(sub.Events()))
	}
}

func ExamplePredicate_Matches() {
	p := Predicate{Timeframes: map[types.Timeframe]struct{}{types.TF1m: {}}}
	e := types.Event{Type: types.EventBarUpdate, Timeframe: types.TF5m}
	fmt.Println(p.Matches(e))
	// Output: false
}
