// Package cleanup removes or resizes protective orders (stop-loss, target)
// after their linked position closes, reduces or flips.
//
// The worker consumes POSITION_EVENT fan-out events and acts on CLOSED,
// REDUCED and FLIPPED. All work for one account runs under a distributed
// lock so only one server instance touches that account's orders at a
// time; a lock that cannot be acquired within its budget means skip, not
// wait — the periodic sweep reconciles anything missed. Broker calls go
// through the circuit breaker with a bounded number of retries, and every
// outcome lands in the append-only audit log.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fnostream/internal/breaker"
	"fnostream/internal/hub"
	"fnostream/internal/metrics"
	"fnostream/pkg/types"
)

// ReducePolicy decides what happens to protective orders when a position
// shrinks but stays open. There is no default; configuration must choose.
type ReducePolicy string

const (
	ReduceCancelAll      ReducePolicy = "cancel_all"
	ReduceModifyQuantity ReducePolicy = "modify_to_new_quantity"
)

// BrokerAPI is the slice of the broker client the worker needs.
type BrokerAPI interface {
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) error
	ModifyOrder(ctx context.Context, accountID, brokerOrderID string, newQuantity int64) error
}

// OrderSource reads and updates order references.
type OrderSource interface {
	ProtectiveOrders(ctx context.Context, accountID string, ik types.InstrumentKey) ([]types.OrderRef, error)
	StaleProtectiveOrders(ctx context.Context, olderThan time.Duration) ([]types.OrderRef, error)
	MarkOrder(ctx context.Context, accountID, brokerOrderID, status string) error
}

// AuditLog appends cleanup records.
type AuditLog interface {
	Append(ctx context.Context, rec types.CleanupRecord) error
}

// Lease is a held distributed lock.
type Lease interface {
	Release(ctx context.Context)
	Lost() <-chan struct{}
}

// Locker hands out per-account leases. Acquire must return quickly — held
// or unreachable means an error, never a wait.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Config tunes the worker.
type Config struct {
	OnReducePolicy ReducePolicy
	BrokerRetries  int           // attempts per broker call (default 3)
	SweepInterval  time.Duration // stale-order reconciliation period
	SweepLookback  time.Duration // minimum age of a flat position before sweeping
}

// Worker is the cleanup consumer plus the periodic sweep.
type Worker struct {
	cfg     Config
	events  *hub.Hub
	broker  BrokerAPI
	circuit *breaker.Breaker
	orders  OrderSource
	audit   AuditLog
	locker  Locker
	logger  *slog.Logger
	m       *metrics.Metrics
}

// New wires a worker. cfg.OnReducePolicy must be set.
func New(cfg Config, events *hub.Hub, brokerAPI BrokerAPI, circuit *breaker.Breaker,
	orders OrderSource, audit AuditLog, locker Locker, m *metrics.Metrics, logger *slog.Logger) (*Worker, error) {

	switch cfg.OnReducePolicy {
	case ReduceCancelAll, ReduceModifyQuantity:
	default:
		return nil, fmt.Errorf("cleanup: invalid on-reduce policy %q", cfg.OnReducePolicy)
	}
	if cfg.BrokerRetries <= 0 {
		cfg.BrokerRetries = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SweepLookback <= 0 {
		cfg.SweepLookback = 10 * time.Minute
	}

	return &Worker{
		cfg:     cfg,
		events:  events,
		broker:  brokerAPI,
		circuit: circuit,
		orders:  orders,
		audit:   audit,
		locker:  locker,
		logger:  logger.With("component", "cleanup"),
		m:       m,
	}, nil
}

// Run consumes position events until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.events.Subscribe(hub.Predicate{
		EventTypes: map[types.EventType]struct{}{types.EventPositionEvent: {}},
	})
	defer w.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			ev, ok := e.Payload.(types.PositionEvent)
			if !ok {
				continue
			}
			w.handle(ctx, ev)
		}
	}
}

// RunSweeper periodically reconciles protective orders whose position went
// flat without the worker seeing the event (missed broadcast, restart).
func (w *Worker) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// needsCleanup reports whether the transition kind requires touching
// protective orders. FLIPPED counts as a close of the old position; the
// strategy layer places fresh protection for the new one.
func needsCleanup(kind types.PositionEventKind) bool {
	switch kind {
	case types.PositionClosed, types.PositionReduced, types.PositionFlipped:
		return true
	default:
		return false
	}
}

func (w *Worker) handle(ctx context.Context, ev types.PositionEvent) {
	if !needsCleanup(ev.Kind) {
		return
	}

	lease, err := w.locker.Acquire(ctx, "cleanup:"+ev.AccountID)
	if err != nil {
		// Another instance owns the account right now, or the lock backend
		// is down. Either way: don't act without the lock.
		w.m.CleanupSkipped.Inc()
		w.logger.Warn("cleanup skipped, lock not acquired",
			"account", ev.AccountID, "instrument", ev.Instrument, "kind", ev.Kind, "error", err)
		return
	}
	defer lease.Release(ctx)

	orders, err := w.orders.ProtectiveOrders(ctx, ev.AccountID, ev.Instrument)
	if err != nil {
		w.logger.Error("protective order lookup failed",
			"account", ev.AccountID, "instrument", ev.Instrument, "error", err)
		return
	}
	if len(orders) == 0 {
		return
	}

	w.logger.Info("cleaning up protective orders",
		"account", ev.AccountID, "instrument", ev.Instrument,
		"kind", ev.Kind, "orders", len(orders))

	for _, ref := range orders {
		select {
		case <-lease.Lost():
			w.logger.Error("lock lost mid-cleanup, stopping",
				"account", ev.AccountID, "instrument", ev.Instrument)
			return
		default:
		}
		w.apply(ctx, ev, ref)
	}
}

// apply performs cancel-or-modify for one order and records the outcome.
func (w *Worker) apply(ctx context.Context, ev types.PositionEvent, ref types.OrderRef) {
	modify := ev.Kind == types.PositionReduced && w.cfg.OnReducePolicy == ReduceModifyQuantity
	newQty := abs(ev.NewQuantity)

	var err error
	if modify {
		err = w.callBroker(ctx, func(ctx context.Context) error {
			return w.broker.ModifyOrder(ctx, ref.AccountID, ref.BrokerOrderID, newQty)
		})
	} else {
		err = w.callBroker(ctx, func(ctx context.Context) error {
			return w.broker.CancelOrder(ctx, ref.AccountID, ref.BrokerOrderID)
		})
	}

	rec := types.CleanupRecord{
		AccountID:     ref.AccountID,
		BrokerOrderID: ref.BrokerOrderID,
		Instrument:    ref.Instrument,
		RecordedAt:    time.Now().UTC(),
	}
	switch {
	case err != nil:
		rec.Action = types.CleanupFailed
		rec.Detail = err.Error()
		w.logger.Error("cleanup action failed",
			"account", ref.AccountID, "order", ref.BrokerOrderID, "error", err)
	case modify:
		rec.Action = types.CleanupModified
		rec.Detail = fmt.Sprintf("quantity %d -> %d", ref.Quantity, newQty)
	default:
		rec.Action = types.CleanupCancelled
	}

	w.m.CleanupActions.WithLabelValues(string(rec.Action)).Inc()

	if rec.Action == types.CleanupCancelled {
		if err := w.orders.MarkOrder(ctx, ref.AccountID, ref.BrokerOrderID, "CANCELLED"); err != nil {
			w.logger.Error("order status update failed",
				"account", ref.AccountID, "order", ref.BrokerOrderID, "error", err)
		}
	}
	if err := w.audit.Append(ctx, rec); err != nil {
		w.logger.Error("audit append failed",
			"account", ref.AccountID, "order", ref.BrokerOrderID, "error", err)
	}

	w.events.Broadcast(types.Event{
		Type:       types.EventOrderEvent,
		Instrument: ref.Instrument,
		Payload:    rec,
	})
}

// callBroker runs one broker call under the breaker with bounded retries.
// An open circuit is not retried; the cooldown won't expire inside one
// event's handling.
func (w *Worker) callBroker(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= w.cfg.BrokerRetries; attempt++ {
		err = w.circuit.Do(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrUpstreamUnavailable) || ctx.Err() != nil {
			return err
		}
		if attempt < w.cfg.BrokerRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return err
}

// Sweep cancels open protective orders whose position is flat. One pass.
func (w *Worker) Sweep(ctx context.Context) error {
	stale, err := w.orders.StaleProtectiveOrders(ctx, w.cfg.SweepLookback)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	// Group by account so each account's orders run under one lease.
	byAccount := make(map[string][]types.OrderRef)
	for _, ref := range stale {
		byAccount[ref.AccountID] = append(byAccount[ref.AccountID], ref)
	}

	for account, refs := range byAccount {
		lease, err := w.locker.Acquire(ctx, "cleanup:"+account)
		if err != nil {
			w.m.CleanupSkipped.Inc()
			continue
		}
		w.logger.Info("sweeping stale protective orders", "account", account, "orders", len(refs))
		for _, ref := range refs {
			ev := types.PositionEvent{
				AccountID:  account,
				Instrument: ref.Instrument,
				Kind:       types.PositionClosed,
			}
			w.apply(ctx, ev, ref)
		}
		lease.Release(ctx)
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
