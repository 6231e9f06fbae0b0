package storage

import (
	"context"

	"fnostream/pkg/types"
)

// PositionRepo persists position snapshots and the transition events the
// tracker derives from them.
type PositionRepo struct {
	db *DB
}

const upsertPositionSQL = `
INSERT INTO positions (
	account_id, instrument_key, net_quantity,
	average_entry_price, realized_pnl, source_sequence, observed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (account_id, instrument_key) DO UPDATE SET
	net_quantity = EXCLUDED.net_quantity,
	average_entry_price = EXCLUDED.average_entry_price,
	realized_pnl = EXCLUDED.realized_pnl,
	source_sequence = EXCLUDED.source_sequence,
	observed_at = EXCLUDED.observed_at
WHERE positions.source_sequence < EXCLUDED.source_sequence`

// UpsertPosition writes the latest accepted snapshot for one position. The
// sequence guard keeps a delayed writer from rolling the row backwards.
func (r *PositionRepo) UpsertPosition(ctx context.Context, snap types.PositionSnapshot) error {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	_, err = conn.Exec(qctx, upsertPositionSQL,
		snap.AccountID, snap.Instrument.String(), snap.NetQuantity,
		snap.AverageEntryPrice, snap.RealizedPnL, snap.SourceSequence, snap.ObservedAt)
	return r.db.mapErr(ctx, err)
}

const insertPositionEventSQL = `
INSERT INTO position_events (
	account_id, instrument_key, kind, previous_quantity, new_quantity, observed_at
) VALUES ($1, $2, $3, $4, $5, $6)`

// InsertPositionEvent appends one transition to the event history.
func (r *PositionRepo) InsertPositionEvent(ctx context.Context, ev types.PositionEvent) error {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	_, err = conn.Exec(qctx, insertPositionEventSQL,
		ev.AccountID, ev.Instrument.String(), string(ev.Kind),
		ev.PreviousQuantity, ev.NewQuantity, ev.ObservedAt)
	return r.db.mapErr(ctx, err)
}

const lastPositionsSQL = `
SELECT account_id, instrument_key, net_quantity,
	average_entry_price, realized_pnl, source_sequence, observed_at
FROM positions`

// LastPositions loads every persisted last-known snapshot. The tracker
// seeds itself from these on startup so the first live snapshot diffs
// against pre-restart state instead of looking like a fresh OPENED.
func (r *PositionRepo) LastPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	rows, err := conn.Query(qctx, lastPositionsSQL)
	if err != nil {
		return nil, r.db.mapErr(ctx, err)
	}
	defer rows.Close()

	var out []types.PositionSnapshot
	for rows.Next() {
		var (
			snap   types.PositionSnapshot
			keyStr string
		)
		if err := rows.Scan(&snap.AccountID, &keyStr, &snap.NetQuantity,
			&snap.AverageEntryPrice, &snap.RealizedPnL, &snap.SourceSequence, &snap.ObservedAt); err != nil {
			return nil, r.db.mapErr(ctx, err)
		}
		if snap.Instrument, err = types.ParseInstrumentKey(keyStr); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, r.db.mapErr(ctx, rows.Err())
}
