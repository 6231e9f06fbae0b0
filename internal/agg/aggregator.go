// Package agg turns the upstream tick stream into multi-timeframe OHLC bars.
//
// Ticks are sharded by instrument onto a fixed set of worker goroutines, so
// all updates for one instrument are serialized (bar closures per instrument
// come out in bucket-start order) while distinct instruments aggregate in
// parallel. Workers touch only in-memory state; closed bars travel through a
// bounded queue to a persister goroutine that batches idempotent upserts.
// Database writes never happen while a bar-store lock is held — that split
// is what keeps ingestion latency flat under the production tick rate.
//
// Backpressure: when the persistence queue crosses its high-water mark the
// aggregator sheds BAR_UPDATE events (clients catch up from BAR_CLOSED).
// Closed bars are never shed; after five failed upsert attempts they go to
// the dead-letter sink, which must be monitored — a bar that never persists
// is a permanent gap in historical queries.
package agg

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"fnostream/internal/barstore"
	"fnostream/internal/metrics"
	"fnostream/pkg/types"
)

// Rejection sentinels surfaced by Ingest.
var (
	ErrRejectedStale   = errors.New("tick rejected: stale")
	ErrRejectedInvalid = errors.New("tick rejected: invalid")
)

const (
	persistBatchSize    = 200
	persistBatchLinger  = 250 * time.Millisecond
	persistAttempts     = 5
	persistBackoffMin   = 100 * time.Millisecond
	persistDrainTimeout = 10 * time.Second       // final-drain budget, below the supervisor's
	yieldEvery          = 1000                   // ticks per worker between explicit yields
)

// BarWriter is the slice of the persistence adapter the aggregator needs.
type BarWriter interface {
	UpsertBars(ctx context.Context, bars []types.Bar) error
}

// Broadcaster receives BAR_UPDATE and BAR_CLOSED events for fan-out.
type Broadcaster interface {
	Broadcast(types.Event)
}

// DeadLetter receives closed bars whose persistence retries were exhausted.
type DeadLetter interface {
	Write(bar types.Bar, cause error)
}

// Config tunes the aggregator. All fields are required.
type Config struct {
	Timeframes     []types.Timeframe
	StaleTolerance time.Duration // out-of-order acceptance window
	HighWaterMark  int           // persistence queue depth that triggers shedding
	Workers        int
	FlushInterval  time.Duration
}

type job struct {
	tick  types.Tick
	flush bool
	now   time.Time
}

// Aggregator consumes ticks, maintains open bars across all configured
// timeframes, and hands closed bars to the persister.
type Aggregator struct {
	cfg    Config
	store  *barstore.Store
	hub    Broadcaster
	writer BarWriter
	dead   DeadLetter
	logger *slog.Logger
	m      *metrics.Metrics

	shards    []chan job
	persistCh chan types.Bar
	shedding  atomic.Bool
}

// New wires an aggregator. The bar store is shared with the read side.
func New(cfg Config, store *barstore.Store, hub Broadcaster, writer BarWriter, dead DeadLetter, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	shards := make([]chan job, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan job, 1024)
	}
	return &Aggregator{
		cfg:       cfg,
		store:     store,
		hub:       hub,
		writer:    writer,
		dead:      dead,
		logger:    logger.With("component", "aggregator"),
		m:         m,
		shards:    shards,
		persistCh: make(chan types.Bar, 2*cfg.HighWaterMark),
	}
}

// Run drives the shard workers, the persister, and the periodic flush.
// Blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := range a.shards {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			a.worker(ctx, idx)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.persister(ctx)
	}()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Ingest validates a tick and queues it for aggregation. It returns
// ErrRejectedInvalid for broken ticks and ErrRejectedStale for ticks older
// than the out-of-order tolerance behind any open bucket. It never blocks
// on persistence.
func (a *Aggregator) Ingest(tick types.Tick) error {
	if err := tick.Validate(); err != nil {
		a.m.TicksRejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %v", ErrRejectedInvalid, err)
	}

	for _, tf := range a.cfg.Timeframes {
		open, ok := a.store.OpenBar(tick.Instrument, tf)
		if ok && tick.Timestamp.Before(open.BucketStart.Add(-a.cfg.StaleTolerance)) {
			a.m.TicksRejected.WithLabelValues("stale").Inc()
			return fmt.Errorf("%w: %s tick at %s is behind open %s bucket %s",
				ErrRejectedStale, tick.Instrument, tick.Timestamp.Format(time.RFC3339Nano),
				tf, open.BucketStart.Format(time.RFC3339))
		}
	}

	a.m.TicksIngested.Inc()
	a.shards[a.shardOf(tick.Instrument)] <- job{tick: tick}
	return nil
}

// Flush asks every shard to close and persist open bars whose bucket end
// has passed. Non-blocking for ingestion: the work happens on the shard
// workers, serialized with tick processing.
func (a *Aggregator) Flush() {
	now := time.Now().UTC()
	for _, ch := range a.shards {
		select {
		case ch <- job{flush: true, now: now}:
		default:
			// Shard busy; the next tick or flush tick will close the bucket.
		}
	}
}

// Backpressured reports whether BAR_UPDATE shedding is in effect.
func (a *Aggregator) Backpressured() bool { return a.shedding.Load() }

func (a *Aggregator) shardOf(ik types.InstrumentKey) int {
	h := fnv.New32a()
	h.Write([]byte(ik.String()))
	return int(h.Sum32()) % len(a.shards)
}

// worker serializes all bar mutations for its shard's instruments. The
// last-cumulative-volume map is shard-local, so it needs no lock.
func (a *Aggregator) worker(ctx context.Context, idx int) {
	lastCum := make(map[types.InstrumentKey]int64)
	processed := 0

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-a.shards[idx]:
			if j.flush {
				a.flushShard(idx, j.now)
				continue
			}
			a.processTick(j.tick, lastCum)
			processed++
			if processed%yieldEvery == 0 {
				runtime.Gosched()
			}
		}
	}
}

// volumeDelta derives the volume this tick contributes. When the feed
// supplies a cumulative day volume the delta against the previous
// cumulative is authoritative; on first sight of an instrument or on a
// cumulative reset (new session) it falls back to the traded quantity.
func volumeDelta(tick types.Tick, lastCum map[types.InstrumentKey]int64) int64 {
	if tick.CumulativeVolume <= 0 {
		return tick.LastTradedQuantity
	}
	prev, seen := lastCum[tick.Instrument]
	lastCum[tick.Instrument] = tick.CumulativeVolume
	if seen && tick.CumulativeVolume >= prev {
		return tick.CumulativeVolume - prev
	}
	return tick.LastTradedQuantity
}

func (a *Aggregator) processTick(tick types.Tick, lastCum map[types.InstrumentKey]int64) {
	delta := volumeDelta(tick, lastCum)

	for _, tf := range a.cfg.Timeframes {
		bucket := tf.BucketStart(tick.Timestamp)

		open, ok := a.store.OpenBar(tick.Instrument, tf)
		if ok && bucket.After(open.BucketStart) {
			a.closeOpen(tick.Instrument, tf)
			ok = false
		}
		if ok && bucket.Before(open.BucketStart) {
			// Within tolerance but its bucket already rolled; the closed bar
			// is immutable, so the tick cannot be applied for this timeframe.
			a.m.TicksRejected.WithLabelValues("late_bucket").Inc()
			continue
		}

		if !ok {
			a.store.PutOpen(tick.Instrument, tf, types.NewBar(tf, tick, delta))
		} else {
			if tick.LastTradedPrice.GreaterThan(open.High) {
				open.High = tick.LastTradedPrice
			}
			if tick.LastTradedPrice.LessThan(open.Low) {
				open.Low = tick.LastTradedPrice
			}
			open.Close = tick.LastTradedPrice
			open.Volume += delta
			open.OpenInterestLast = tick.OpenInterest
			open.TickCount++
			a.store.PutOpen(tick.Instrument, tf, open)
		}

		// Only the 1m open bar streams incrementally; higher timeframes
		// announce themselves on close, which bounds fan-out traffic.
		if tf == types.TF1m && !a.shedding.Load() {
			bar, _ := a.store.OpenBar(tick.Instrument, tf)
			a.broadcast(types.Event{
				Type:       types.EventBarUpdate,
				Instrument: tick.Instrument,
				Timeframe:  tf,
				Payload:    bar,
			})
		}
	}
}

// flushShard closes expired open bars owned by shard idx.
func (a *Aggregator) flushShard(idx int, now time.Time) {
	for _, bar := range a.store.OpenBars() {
		if a.shardOf(bar.Instrument) != idx {
			continue
		}
		if !bar.BucketStart.Add(bar.Timeframe.Duration()).After(now) {
			a.closeOpen(bar.Instrument, bar.Timeframe)
		}
	}
}

// closeOpen finalizes the open bar, queues it for persistence, and emits
// BAR_CLOSED. Closed-bar events are never shed: losing one loses data.
func (a *Aggregator) closeOpen(ik types.InstrumentKey, tf types.Timeframe) {
	bar, ok := a.store.CloseOpen(ik, tf, time.Now().UTC())
	if !ok {
		return
	}
	a.m.BarsClosed.Inc()
	a.enqueuePersist(bar)
	a.broadcast(types.Event{
		Type:       types.EventBarClosed,
		Instrument: ik,
		Timeframe:  tf,
		Payload:    bar,
	})
}

func (a *Aggregator) broadcast(e types.Event) {
	a.m.EventsBroadcast.WithLabelValues(string(e.Type)).Inc()
	a.hub.Broadcast(e)
}

func (a *Aggregator) enqueuePersist(bar types.Bar) {
	select {
	case a.persistCh <- bar:
	default:
		// Queue at hard capacity (2× the high-water mark). A closed bar is
		// never dropped; block the shard until the persister makes room.
		a.logger.Warn("persistence queue at capacity, shard blocked",
			"instrument", bar.Instrument, "timeframe", bar.Timeframe)
		a.persistCh <- bar
	}

	depth := len(a.persistCh)
	a.m.PersistQueueDepth.Set(float64(depth))
	if depth >= a.cfg.HighWaterMark && a.shedding.CompareAndSwap(false, true) {
		a.logger.Warn("persistence backpressure, shedding BAR_UPDATE events", "depth", depth)
	}
}

// persister drains the closed-bar queue in batches and upserts them.
// Upserts are idempotent on (instrument, timeframe, bucket_start), so
// replays and retries are safe.
func (a *Aggregator) persister(ctx context.Context) {
	batch := make([]types.Bar, 0, persistBatchSize)
	ticker := time.NewTicker(persistBatchLinger)
	defer ticker.Stop()

	flush := func(wctx context.Context) {
		if len(batch) == 0 {
			return
		}
		a.writeBatch(wctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before exiting. The run context
			// is cancelled, so the final writes get their own bounded
			// deadline; a healthy store must not see shutdown bars in the
			// dead letter.
			dctx, cancel := context.WithTimeout(context.Background(), persistDrainTimeout)
			defer cancel()
			for {
				select {
				case bar := <-a.persistCh:
					batch = append(batch, bar)
					if len(batch) >= persistBatchSize {
						flush(dctx)
					}
				default:
					flush(dctx)
					return
				}
			}
		case bar := <-a.persistCh:
			batch = append(batch, bar)
			a.m.PersistQueueDepth.Set(float64(len(a.persistCh)))
			if len(batch) >= persistBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
			if len(a.persistCh) <= a.cfg.HighWaterMark/2 && a.shedding.CompareAndSwap(true, false) {
				a.logger.Info("persistence backpressure cleared")
			}
		}
	}
}

// writeBatch upserts one batch with exponential backoff. After the final
// attempt each bar goes to the dead-letter sink.
func (a *Aggregator) writeBatch(ctx context.Context, bars []types.Bar) {
	backoff := persistBackoffMin
	var err error

	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = a.writer.UpsertBars(ctx, bars)
		if err == nil {
			a.m.BarsPersisted.Add(float64(len(bars)))
			return
		}

		a.m.PersistRetries.Inc()
		a.logger.Error("bar upsert failed",
			"attempt", attempt, "bars", len(bars), "error", err)

		if attempt == persistAttempts {
			break
		}
		select {
		case <-ctx.Done():
			// Shutting down mid-retry; dead-letter rather than lose the bars.
			attempt = persistAttempts
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	for _, bar := range bars {
		a.dead.Write(bar, err)
		a.m.BarsDeadLettered.Inc()
	}
}
