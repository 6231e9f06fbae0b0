// Package position derives discrete transition events from the stream of
// broker position snapshots.
//
// The broker reports absolute state (net quantity per account and
// instrument); downstream consumers want edges: a position OPENED, grew,
// shrank, CLOSED, or FLIPPED sign. The tracker keeps the last accepted
// snapshot per (account, instrument) and emits exactly one event per
// observed change. Snapshot sequences are monotonic, so replays after a
// feed reconnect are absorbed without duplicate events.
package position

import (
	"context"
	"log/slog"
	"sync"

	"fnostream/internal/metrics"
	"fnostream/pkg/types"
)

// Broadcaster receives POSITION_EVENT fan-out events.
type Broadcaster interface {
	Broadcast(types.Event)
}

// Writer is the slice of the persistence adapter the tracker needs. May be
// nil; persistence of positions is best effort, the broker remains the
// source of truth.
type Writer interface {
	UpsertPosition(ctx context.Context, snap types.PositionSnapshot) error
	InsertPositionEvent(ctx context.Context, ev types.PositionEvent) error
}

type posKey struct {
	account    string
	instrument types.InstrumentKey
}

type posState struct {
	lastSeq int64
	snap    types.PositionSnapshot
}

// Tracker holds the last accepted snapshot per position and classifies
// transitions.
type Tracker struct {
	hub    Broadcaster
	writer Writer
	logger *slog.Logger
	m      *metrics.Metrics

	mu    sync.Mutex
	state map[posKey]posState
}

// New creates a tracker. writer may be nil.
func New(hub Broadcaster, writer Writer, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	return &Tracker{
		hub:    hub,
		writer: writer,
		logger: logger.With("component", "positions"),
		m:      m,
		state:  make(map[posKey]posState),
	}
}

// Apply ingests one snapshot. It returns the transition event it emitted,
// or nil when the snapshot was stale or changed nothing. Never errors on
// persistence failure; positions are rebuilt from the broker on restart.
func (t *Tracker) Apply(ctx context.Context, snap types.PositionSnapshot) *types.PositionEvent {
	key := posKey{snap.AccountID, snap.Instrument}

	t.mu.Lock()
	prev, seen := t.state[key]
	if seen && snap.SourceSequence <= prev.lastSeq {
		t.mu.Unlock()
		t.logger.Debug("stale snapshot ignored",
			"account", snap.AccountID, "instrument", snap.Instrument,
			"sequence", snap.SourceSequence, "last", prev.lastSeq)
		return nil
	}
	t.state[key] = posState{lastSeq: snap.SourceSequence, snap: snap}
	t.mu.Unlock()

	var prevQty int64
	if seen {
		prevQty = prev.snap.NetQuantity
	}

	if t.writer != nil {
		if err := t.writer.UpsertPosition(ctx, snap); err != nil {
			t.logger.Error("position upsert failed",
				"account", snap.AccountID, "instrument", snap.Instrument, "error", err)
		}
	}

	kind, changed := classify(prevQty, snap.NetQuantity)
	if !changed {
		return nil
	}

	ev := types.PositionEvent{
		AccountID:        snap.AccountID,
		Instrument:       snap.Instrument,
		Kind:             kind,
		PreviousQuantity: prevQty,
		NewQuantity:      snap.NetQuantity,
		ObservedAt:       snap.ObservedAt,
	}

	t.m.PositionEvents.WithLabelValues(string(kind)).Inc()
	t.logger.Info("position transition",
		"account", ev.AccountID, "instrument", ev.Instrument, "kind", ev.Kind,
		"prev", ev.PreviousQuantity, "new", ev.NewQuantity)

	if t.writer != nil {
		if err := t.writer.InsertPositionEvent(ctx, ev); err != nil {
			t.logger.Error("position event insert failed",
				"account", ev.AccountID, "instrument", ev.Instrument, "error", err)
		}
	}

	t.hub.Broadcast(types.Event{
		Type:       types.EventPositionEvent,
		Instrument: ev.Instrument,
		Payload:    ev,
	})
	return &ev
}

// Loader reads persisted last-known snapshots.
type Loader interface {
	LastPositions(ctx context.Context) ([]types.PositionSnapshot, error)
}

// Restore seeds the tracker from persisted state without emitting events.
// Called once at startup, before any live snapshot: the first snapshot the
// feed delivers then diffs against pre-restart state, so a position that
// closed while the process was down still produces its CLOSED event.
func (t *Tracker) Restore(ctx context.Context, loader Loader) error {
	snaps, err := loader.LastPositions(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	seeded := 0
	for _, snap := range snaps {
		key := posKey{snap.AccountID, snap.Instrument}
		if _, seen := t.state[key]; seen {
			continue
		}
		t.state[key] = posState{lastSeq: snap.SourceSequence, snap: snap}
		seeded++
	}
	t.logger.Info("state restored", "positions", seeded)
	return nil
}

// Reconcile replays a full snapshot batch, typically after a feed
// reconnect. Unchanged positions emit nothing; genuinely missed
// transitions surface as normal events.
func (t *Tracker) Reconcile(ctx context.Context, snaps []types.PositionSnapshot) int {
	emitted := 0
	for _, snap := range snaps {
		if ev := t.Apply(ctx, snap); ev != nil {
			emitted++
		}
	}
	t.logger.Info("reconcile complete", "snapshots", len(snaps), "events", emitted)
	return emitted
}

// Positions returns the tracker's current snapshots for one account.
func (t *Tracker) Positions(account string) []types.PositionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []types.PositionSnapshot
	for key, st := range t.state {
		if key.account == account {
			out = append(out, st.snap)
		}
	}
	return out
}

// classify maps a (previous, new) net-quantity pair to a transition kind.
// A sign change between two non-zero quantities is FLIPPED; consumers
// treat it as a close immediately followed by an open.
func classify(prev, next int64) (types.PositionEventKind, bool) {
	switch {
	case prev == next:
		return "", false
	case prev == 0:
		return types.PositionOpened, true
	case next == 0:
		return types.PositionClosed, true
	case (prev > 0) != (next > 0):
		return types.PositionFlipped, true
	case abs(next) > abs(prev):
		return types.PositionIncreased, true
	default:
		return types.PositionReduced, true
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
