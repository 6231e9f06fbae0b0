// Package engine is the central orchestrator of the streaming core.
//
// It wires together all subsystems:
//
//  1. Two upstream feeds (ticks, positions) with auto-reconnect.
//  2. The aggregator turns ticks into multi-timeframe OHLC bars backed by
//     the in-memory bar store and the PostgreSQL persister.
//  3. The hub fans bar, position and order events out to WebSocket clients.
//  4. The position tracker derives transition events from broker snapshots;
//     the cleanup worker consumes them and cancels/resizes protective
//     orders under a Redis-backed per-account lock.
//  5. The supervisor keeps every long-running task restarted, backed off
//     and quarantined when crash-looping.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx is cancelled].
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"fnostream/internal/agg"
	"fnostream/internal/barstore"
	"fnostream/internal/breaker"
	"fnostream/internal/broker"
	"fnostream/internal/cleanup"
	"fnostream/internal/config"
	"fnostream/internal/feed"
	"fnostream/internal/hub"
	"fnostream/internal/lock"
	"fnostream/internal/metrics"
	"fnostream/internal/position"
	"fnostream/internal/storage"
	"fnostream/internal/worker"
	"fnostream/internal/ws"
	"fnostream/pkg/types"
)

// Engine owns all components and their lifecycle.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	m        *metrics.Metrics

	db      *storage.DB
	redisC  *redis.Client
	store   *barstore.Store
	events  *hub.Hub
	agg     *agg.Aggregator
	tracker *position.Tracker
	sup     *worker.Supervisor
}

// New validates nothing beyond what config.Validate covers; the expensive
// wiring happens in Run where a context is available.
func New(cfg config.Config, logger *slog.Logger) *Engine {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		registry: registry,
		m:        metrics.New(registry),
	}
}

// Run connects the backends, wires the pipeline and supervises it until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	timeframes, err := e.cfg.Aggregator.ParsedTimeframes()
	if err != nil {
		return err
	}

	// —— backends ————————————————————————————————————————————————————————

	db, err := storage.Connect(ctx, storage.Config{
		DSN:            e.cfg.Persistence.DSN,
		MinConns:       e.cfg.Persistence.MinConnections,
		MaxConns:       e.cfg.Persistence.MaxConnections,
		AcquireTimeout: e.cfg.Persistence.AcquireTimeout,
		QueryTimeout:   e.cfg.Persistence.QueryTimeout,
	}, e.logger)
	if err != nil {
		return err
	}
	e.db = db
	defer db.Close()

	e.redisC = redis.NewClient(&redis.Options{
		Addr:     e.cfg.Redis.Addr,
		Password: e.cfg.Redis.Password,
		DB:       e.cfg.Redis.DB,
	})
	defer e.redisC.Close()
	if err := e.redisC.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// —— pipeline ————————————————————————————————————————————————————————

	e.store = barstore.New(e.cfg.Aggregator.BarRingSize)
	e.events = hub.New(hub.Options{
		QueueSize:          e.cfg.Hub.QueueSize,
		SlowThresholdRatio: e.cfg.Hub.SlowThresholdRatio,
		SlowWindow:         e.cfg.Hub.SlowWindow,
		OnShed:             func(types.Event) { e.m.EventsShed.Inc() },
	}, e.logger)

	deadLetter, err := agg.NewFileSink(
		filepath.Join(e.cfg.Aggregator.DeadLetterDir, "bars.json"), e.logger)
	if err != nil {
		return fmt.Errorf("dead-letter sink: %w", err)
	}

	e.agg = agg.New(agg.Config{
		Timeframes:     timeframes,
		StaleTolerance: e.cfg.Aggregator.StaleTolerance,
		HighWaterMark:  e.cfg.Aggregator.PersistQueueSize,
		Workers:        e.cfg.Aggregator.Workers,
		FlushInterval:  e.cfg.Aggregator.FlushInterval,
	}, e.store, e.events, db.Bars(), deadLetter, e.m, e.logger)

	e.tracker = position.New(e.events, db.Positions(), e.m, e.logger)
	if err := e.tracker.Restore(ctx, db.Positions()); err != nil {
		// Not fatal: the live stream rebuilds state, at the cost of missed
		// transitions from the downtime window.
		e.logger.Warn("position restore failed, starting cold", "error", err)
	}

	lockMgr := lock.NewManager(lock.NewRedisStore(e.redisC),
		e.cfg.Cleanup.LockLease, e.cfg.Cleanup.LockAcquire, e.logger)

	ordersBreaker := breaker.New("orders", breaker.Config{
		ConsecutiveFailures: e.cfg.Breaker.FailureThreshold,
		WindowSize:          e.cfg.Breaker.ErrorRateWindow,
		FailureRatio:        e.cfg.Breaker.ErrorRate,
		Cooldown:            e.cfg.Breaker.Cooldown,
	}, e.m, e.logger)

	brokerClient := broker.NewClient(broker.Config{
		BaseURL:   e.cfg.Broker.BaseURL,
		Token:     e.cfg.Broker.AccessToken,
		Timeout:   e.cfg.Broker.RequestTimeout,
		RateLimit: e.cfg.Broker.RateLimitRPS,
	}, e.logger)

	cleaner, err := cleanup.New(cleanup.Config{
		OnReducePolicy: cleanup.ReducePolicy(e.cfg.Cleanup.OnReducePolicy),
		SweepInterval:  e.cfg.Cleanup.SweepInterval,
		SweepLookback:  e.cfg.Cleanup.SweepLookback,
	}, e.events, brokerClient, ordersBreaker, db.Orders(), db.CleanupLog(),
		lockerAdapter{lockMgr}, e.m, e.logger)
	if err != nil {
		return err
	}

	tickFeed := feed.New(e.cfg.Feed.TickURL, e.cfg.Feed.AccessToken, nil, e.logger)
	instruments, err := e.cfg.Feed.ParsedInstruments()
	if err != nil {
		return fmt.Errorf("feed.instruments: %w", err)
	}
	if len(instruments) > 0 {
		// Recorded before the feed connects; the subscription frame sent
		// on every connect carries the set. An empty universe subscribes
		// to everything the session is entitled to.
		if err := tickFeed.Subscribe(ctx, instruments); err != nil {
			return err
		}
	}
	posFeed := feed.New(e.cfg.Feed.PositionURL, e.cfg.Feed.AccessToken, func() {
		// The upstream replays current snapshots after every reconnect;
		// stale sequences are absorbed, missed transitions surface.
		e.logger.Info("position stream connected, awaiting snapshot replay")
	}, e.logger)

	server := ws.NewServer(ws.Config{
		Addr:              e.cfg.Server.Addr,
		AuthTimeout:       e.cfg.Server.AuthTimeout,
		HeartbeatInterval: e.cfg.Server.HeartbeatInterval,
	}, e.events, e.store, db.Bars(), ws.NewAuthenticator(e.cfg.Server.JWTSecret),
		e.registry, e.health, e.m, e.logger)

	// —— supervision ————————————————————————————————————————————————————

	e.sup = worker.New(worker.Config{
		MinBackoff:          e.cfg.Supervisor.MinBackoff,
		MaxBackoff:          e.cfg.Supervisor.MaxBackoff,
		QuarantineThreshold: e.cfg.Supervisor.CrashThreshold,
		QuarantineWindow:    e.cfg.Supervisor.CrashWindow,
		DrainTimeout:        e.cfg.Supervisor.DrainTimeout,
	}, e.m, e.logger)

	e.sup.Register(worker.Task{Name: "tick-feed", Policy: worker.Always, Run: tickFeed.Run})
	e.sup.Register(worker.Task{Name: "position-feed", Policy: worker.Always, Run: posFeed.Run})
	e.sup.Register(worker.Task{Name: "aggregator", Policy: worker.Always, Run: e.agg.Run})
	e.sup.Register(worker.Task{Name: "tick-pump", Policy: worker.Always, Run: func(ctx context.Context) error {
		return e.pumpTicks(ctx, tickFeed)
	}})
	e.sup.Register(worker.Task{Name: "position-pump", Policy: worker.Always, Run: func(ctx context.Context) error {
		return e.pumpPositions(ctx, posFeed)
	}})
	e.sup.Register(worker.Task{Name: "cleanup", Policy: worker.Always, Run: cleaner.Run})
	e.sup.Register(worker.Task{Name: "cleanup-sweep", Policy: worker.Always, Run: cleaner.RunSweeper})
	e.sup.Register(worker.Task{Name: "api", Policy: worker.Always, Run: server.Start})

	e.logger.Info("engine started",
		"timeframes", e.cfg.Aggregator.Timeframes,
		"workers", e.cfg.Aggregator.Workers,
		"addr", e.cfg.Server.Addr,
	)
	return e.sup.Run(ctx)
}

// pumpTicks moves the tick stream into the aggregator. Rejected ticks are
// logged and dropped; a rejection is data about the feed, not a fault.
func (e *Engine) pumpTicks(ctx context.Context, f *feed.Feed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-f.Ticks():
			if err := e.agg.Ingest(tick); err != nil {
				if errors.Is(err, agg.ErrRejectedStale) {
					e.logger.Debug("stale tick dropped", "instrument", tick.Instrument)
				} else {
					e.logger.Warn("tick rejected", "error", err)
				}
			}
		}
	}
}

// pumpPositions moves position snapshots into the tracker.
func (e *Engine) pumpPositions(ctx context.Context, f *feed.Feed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-f.Positions():
			e.tracker.Apply(ctx, snap)
		}
	}
}

// health feeds the /healthz endpoint.
func (e *Engine) health(ctx context.Context) map[string]string {
	problems := map[string]string{}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.db.Healthy(pctx); err != nil {
		problems["database"] = err.Error()
	}
	if err := e.redisC.Ping(pctx).Err(); err != nil {
		problems["redis"] = err.Error()
	}
	for _, name := range e.sup.Quarantined() {
		problems["task:"+name] = "quarantined"
	}
	if e.agg.Backpressured() {
		problems["aggregator"] = "persistence backpressure, shedding BAR_UPDATE"
	}
	return problems
}

// lockerAdapter narrows *lock.Manager to the cleanup worker's interface.
type lockerAdapter struct {
	m *lock.Manager
}

func (a lockerAdapter) Acquire(ctx context.Context, key string) (cleanup.Lease, error) {
	l, err := a.m.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return l, nil
}
