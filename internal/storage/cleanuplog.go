package storage

import (
	"context"

	"fnostream/pkg/types"
)

// CleanupLogRepo appends to the cleanup audit log. Rows are never updated
// or deleted; the log is the record of what the worker did to protective
// orders and why.
type CleanupLogRepo struct {
	db *DB
}

const insertCleanupSQL = `
INSERT INTO cleanup_log (
	account_id, broker_order_id, instrument_key, action, detail, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6)`

// Append writes one audit row.
func (r *CleanupLogRepo) Append(ctx context.Context, rec types.CleanupRecord) error {
	conn, err := r.db.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	qctx, cancel := r.db.queryCtx(ctx)
	defer cancel()

	_, err = conn.Exec(qctx, insertCleanupSQL,
		rec.AccountID, rec.BrokerOrderID, rec.Instrument.String(),
		string(rec.Action), rec.Detail, rec.RecordedAt)
	return r.db.mapErr(ctx, err)
}
