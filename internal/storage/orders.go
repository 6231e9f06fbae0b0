package storage

import (
	"context"
	"time"

	"fnostream/pkg/types"
)

// OrderRepo reads the resting protective orders linked to positions.
type OrderRepo struct {
	db *DB
}

const protectiveOrdersSQL = `
SELECT account_id, broker_order_id, instrument_key, purpose, quantity
FROM order_refs
WHERE account_id = $1 AND instrument_key = $2
	AND purpose IN ('STOP_LOSS', 'TARGET') AND status = 'OPEN'`

// ProtectiveOrders returns the open stop-loss and target orders for one
// position in a single round trip; the cleanup worker calls this per
// position event, never per order.
func (r *OrderRepo) ProtectiveOrders(ctx context.Context, accountID string, ik types.InstrumentKey) ([]types.OrderRef, error) {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	rows, err := conn.Query(qctx, protectiveOrdersSQL, accountID, ik.String())
	if err != nil {
		return nil, r.db.mapErr(ctx, err)
	}
	defer rows.Close()

	var out []types.OrderRef
	for rows.Next() {
		var (
			ref    types.OrderRef
			keyStr string
		)
		if err := rows.Scan(&ref.AccountID, &ref.BrokerOrderID, &keyStr, &ref.Purpose, &ref.Quantity); err != nil {
			return nil, r.db.mapErr(ctx, err)
		}
		if ref.Instrument, err = types.ParseInstrumentKey(keyStr); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, r.db.mapErr(ctx, rows.Err())
}

const markOrderSQL = `
UPDATE order_refs SET status = $3 WHERE account_id = $1 AND broker_order_id = $2`

// MarkOrder records the post-cleanup status of an order reference.
func (r *OrderRepo) MarkOrder(ctx context.Context, accountID, brokerOrderID, status string) error {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	_, err = conn.Exec(qctx, markOrderSQL, accountID, brokerOrderID, status)
	return r.db.mapErr(ctx, err)
}

const staleProtectiveOrdersSQL = `
SELECT o.account_id, o.broker_order_id, o.instrument_key, o.purpose, o.quantity
FROM order_refs o
LEFT JOIN positions p
	ON p.account_id = o.account_id AND p.instrument_key = o.instrument_key
WHERE o.purpose IN ('STOP_LOSS', 'TARGET') AND o.status = 'OPEN'
	AND COALESCE(p.net_quantity, 0) = 0
	AND (p.observed_at IS NULL OR p.observed_at < now() - $1::interval)`

// StaleProtectiveOrders finds open protective orders whose position is
// flat and has been flat for at least olderThan. The age floor keeps the
// sweep from racing the event-driven path on positions that just closed.
func (r *OrderRepo) StaleProtectiveOrders(ctx context.Context, olderThan time.Duration) ([]types.OrderRef, error) {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	rows, err := conn.Query(qctx, staleProtectiveOrdersSQL, olderThan)
	if err != nil {
		return nil, r.db.mapErr(ctx, err)
	}
	defer rows.Close()

	var out []types.OrderRef
	for rows.Next() {
		var (
			ref    types.OrderRef
			keyStr string
		)
		if err := rows.Scan(&ref.AccountID, &ref.BrokerOrderID, &keyStr, &ref.Purpose, &ref.Quantity); err != nil {
			return nil, r.db.mapErr(ctx, err)
		}
		if ref.Instrument, err = types.ParseInstrumentKey(keyStr); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, r.db.mapErr(ctx, rows.Err())
}
