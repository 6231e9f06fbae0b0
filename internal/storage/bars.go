package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fnostream/pkg/types"
)

// BarRepo persists closed OHLC bars.
type BarRepo struct {
	db *DB
}

const upsertBarSQL = `
INSERT INTO bars (
	instrument_key, timeframe, bucket_start,
	open, high, low, close, volume, open_interest_last, tick_count, closed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (instrument_key, timeframe, bucket_start) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	open_interest_last = EXCLUDED.open_interest_last,
	tick_count = EXCLUDED.tick_count,
	closed_at = EXCLUDED.closed_at`

// UpsertBars writes one batch of closed bars. The upsert is keyed on
// (instrument, timeframe, bucket_start), so replaying the same bars after
// a crash recovery is a no-op.
func (r *BarRepo) UpsertBars(ctx context.Context, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	conn, err := r.db.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, b := range bars {
		batch.Queue(upsertBarSQL,
			b.Instrument.String(), string(b.Timeframe), b.BucketStart,
			b.Open, b.High, b.Low, b.Close,
			b.Volume, b.OpenInterestLast, b.TickCount, b.ClosedAt)
	}

	res := conn.SendBatch(qctx, batch)
	defer res.Close()
	for range bars {
		if _, err := res.Exec(); err != nil {
			return r.db.mapErr(ctx, err)
		}
	}
	return nil
}

const selectBarsSQL = `
SELECT instrument_key, timeframe, bucket_start,
	open, high, low, close, volume, open_interest_last, tick_count, closed_at
FROM bars
WHERE instrument_key = $1 AND timeframe = $2 AND bucket_start >= $3 AND bucket_start < $4
ORDER BY bucket_start DESC
LIMIT NULLIF($5, 0)`

// Range reads closed bars for one series over [from, to), ascending by
// bucket. A positive limit keeps only the most recent bars of the window.
func (r *BarRepo) Range(ctx context.Context, ik types.InstrumentKey, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error) {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	rows, err := conn.Query(qctx, selectBarsSQL, ik.String(), string(tf), from, to, limit)
	if err != nil {
		return nil, r.db.mapErr(ctx, err)
	}
	defer rows.Close()

	var out []types.Bar
	for rows.Next() {
		var (
			b        types.Bar
			keyStr   string
			tfStr    string
			o, h     decimal.Decimal
			l, c     decimal.Decimal
			closedAt *time.Time
		)
		if err := rows.Scan(&keyStr, &tfStr, &b.BucketStart,
			&o, &h, &l, &c, &b.Volume, &b.OpenInterestLast, &b.TickCount, &closedAt); err != nil {
			return nil, r.db.mapErr(ctx, err)
		}
		if b.Instrument, err = types.ParseInstrumentKey(keyStr); err != nil {
			return nil, err
		}
		b.Timeframe = types.Timeframe(tfStr)
		b.Open, b.High, b.Low, b.Close = o, h, l, c
		b.ClosedAt = closedAt
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, r.db.mapErr(ctx, err)
	}
	// The query returns newest first so LIMIT keeps the tail.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
