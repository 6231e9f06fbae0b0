// Package metrics defines the Prometheus collectors for the streaming core.
// A single Metrics value is constructed at startup and injected into every
// component; nothing registers against a global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all collectors. Label conventions:
//   - reason:   rejection/disconnect cause (stale, invalid, slow_consumer…)
//   - type:     fan-out event type
//   - endpoint: protected upstream endpoint (orders, positions, quotes)
//   - action:   cleanup outcome (CANCELLED, MODIFIED, FAILED)
type Metrics struct {
	TicksIngested prometheus.Counter
	TicksRejected *prometheus.CounterVec

	BarsClosed        prometheus.Counter
	BarsPersisted     prometheus.Counter
	BarsDeadLettered  prometheus.Counter
	PersistQueueDepth prometheus.Gauge
	PersistRetries    prometheus.Counter

	EventsBroadcast         *prometheus.CounterVec
	EventsShed              prometheus.Counter
	SlowConsumerDisconnects prometheus.Counter
	WSClients               prometheus.Gauge

	PositionEvents *prometheus.CounterVec

	CleanupActions  *prometheus.CounterVec
	CleanupSkipped  prometheus.Counter
	BreakerState    *prometheus.GaugeVec
	BreakerFastFail *prometheus.CounterVec

	TaskRestarts    *prometheus.CounterVec
	TaskQuarantined *prometheus.CounterVec
}

// New creates and registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_ticks_ingested_total",
			Help: "Ticks accepted by the aggregator.",
		}),
		TicksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnostream_ticks_rejected_total",
			Help: "Ticks rejected at ingestion, by reason.",
		}, []string{"reason"}),
		BarsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_bars_closed_total",
			Help: "OHLC bars finalized across all timeframes.",
		}),
		BarsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_bars_persisted_total",
			Help: "Closed bars upserted into the time-series store.",
		}),
		BarsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_bars_dead_lettered_total",
			Help: "Closed bars moved to the dead-letter sink after retry exhaustion. Must stay at zero; alert otherwise.",
		}),
		PersistQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fnostream_persist_queue_depth",
			Help: "Closed bars waiting for the persister.",
		}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_persist_retries_total",
			Help: "Bar upsert batches retried after a persistence failure.",
		}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnostream_events_broadcast_total",
			Help: "Events handed to the fan-out hub, by type.",
		}, []string{"type"}),
		EventsShed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_events_shed_total",
			Help: "Events dropped for individual subscribers or shed under backpressure.",
		}),
		SlowConsumerDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_slow_consumer_disconnects_total",
			Help: "Subscribers disconnected for not draining their queue.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fnostream_ws_clients",
			Help: "Currently connected fan-out WebSocket clients.",
		}),
		PositionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnostream_position_events_total",
			Help: "Position transitions emitted by the tracker, by kind.",
		}, []string{"kind"}),
		CleanupActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnostream_cleanup_actions_total",
			Help: "Protective-order cleanup outcomes, by action.",
		}, []string{"action"}),
		CleanupSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fnostream_cleanup_skipped_total",
			Help: "Cleanup work items skipped because another node held the lock.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fnostream_breaker_state",
			Help: "Circuit breaker state per endpoint: 0 closed, 1 open, 2 half-open.",
		}, []string{"endpoint"}),
		BreakerFastFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnostream_breaker_fast_fail_total",
			Help: "Calls rejected while the breaker was open, by endpoint.",
		}, []string{"endpoint"}),
		TaskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnostream_task_restarts_total",
			Help: "Supervised task restarts, by task name.",
		}, []string{"task"}),
		TaskQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fnostream_task_quarantined_total",
			Help: "Tasks quarantined after crash-looping, by task name.",
		}, []string{"task"}),
	}

	reg.MustRegister(
		m.TicksIngested, m.TicksRejected,
		m.BarsClosed, m.BarsPersisted, m.BarsDeadLettered, m.PersistQueueDepth, m.PersistRetries,
		m.EventsBroadcast, m.EventsShed, m.SlowConsumerDisconnects, m.WSClients,
		m.PositionEvents,
		m.CleanupActions, m.CleanupSkipped,
		m.BreakerState, m.BreakerFastFail,
		m.TaskRestarts, m.TaskQuarantined,
	)
	return m
}

// NewForTest builds a Metrics backed by a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
