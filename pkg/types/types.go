// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the streaming core — instrument
// keys, ticks, timeframes, OHLC bars, fan-out events, position snapshots and
// the events derived from them. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument identity
// ————————————————————————————————————————————————————————————————————————

// OptionType distinguishes calls, puts and futures contracts.
type OptionType string

const (
	OptionCall   OptionType = "CE"
	OptionPut    OptionType = "PE"
	Future       OptionType = "FUT"
	EquityOption OptionType = "" // empty for plain equity symbols
)

// InstrumentKey uniquely identifies a tradable contract. Equities carry only
// the underlying symbol; derivatives add expiry, option type and (for
// options) the strike in the smallest price unit. The struct is comparable,
// so keys compare by value and can be used directly as map keys.
type InstrumentKey struct {
	Underlying string
	Expiry     string     // "2006-01-02"; empty for equities
	OptionType OptionType // CE, PE, FUT; empty for equities
	Strike     int64      // smallest price unit; 0 for FUT and equities
}

// Equity builds an instrument key for a plain exchange symbol.
func Equity(symbol string) InstrumentKey {
	return InstrumentKey{Underlying: symbol}
}

// Option builds a CE/PE instrument key.
func Option(underlying, expiry string, opt OptionType, strike int64) InstrumentKey {
	return InstrumentKey{Underlying: underlying, Expiry: expiry, OptionType: opt, Strike: strike}
}

// Fut builds a futures instrument key.
func Fut(underlying, expiry string) InstrumentKey {
	return InstrumentKey{Underlying: underlying, Expiry: expiry, OptionType: Future}
}

// String renders the canonical form used on the wire and as the database
// key, e.g. "NIFTY-2026-01-29-CE-21500", "NIFTY-2026-01-29-FUT", "RELIANCE".
func (k InstrumentKey) String() string {
	if k.OptionType == EquityOption {
		return k.Underlying
	}
	if k.OptionType == Future {
		return fmt.Sprintf("%s-%s-FUT", k.Underlying, k.Expiry)
	}
	return fmt.Sprintf("%s-%s-%s-%d", k.Underlying, k.Expiry, k.OptionType, k.Strike)
}

// IsZero reports whether the key is unset.
func (k InstrumentKey) IsZero() bool { return k.Underlying == "" }

// ParseInstrumentKey parses the canonical string form produced by String.
func ParseInstrumentKey(s string) (InstrumentKey, error) {
	parts := strings.Split(s, "-")
	switch {
	case len(parts) == 1:
		if parts[0] == "" {
			return InstrumentKey{}, fmt.Errorf("empty instrument key")
		}
		return Equity(parts[0]), nil
	case len(parts) == 5 && parts[4] == "FUT":
		return Fut(parts[0], strings.Join(parts[1:4], "-")), nil
	case len(parts) == 6:
		opt := OptionType(parts[4])
		if opt != OptionCall && opt != OptionPut {
			return InstrumentKey{}, fmt.Errorf("instrument key %q: unknown option type %q", s, parts[4])
		}
		strike, err := strconv.ParseInt(parts[5], 10, 64)
		if err != nil {
			return InstrumentKey{}, fmt.Errorf("instrument key %q: bad strike: %w", s, err)
		}
		return Option(parts[0], strings.Join(parts[1:4], "-"), opt, strike), nil
	default:
		return InstrumentKey{}, fmt.Errorf("malformed instrument key %q", s)
	}
}

// MarshalText lets instrument keys serialize as their canonical string in
// JSON frames and database rows.
func (k InstrumentKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses the canonical string form.
func (k *InstrumentKey) UnmarshalText(b []byte) error {
	parsed, err := ParseInstrumentKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Timeframes and bucketing
// ————————————————————————————————————————————————————————————————————————

// Timeframe is one of the configured OHLC bucket lengths.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
)

// AllTimeframes lists every supported timeframe in ascending bucket length.
var AllTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF1h}

// Duration returns the bucket length L(tf). Zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	default:
		return 0
	}
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool { return tf.Duration() > 0 }

// BucketStart floors ts to the start of the bucket containing it. A tick
// whose timestamp equals a bucket boundary belongs to the bucket it starts.
// Consumers never implement this flooring inline.
func (tf Timeframe) BucketStart(ts time.Time) time.Time {
	l := int64(tf.Duration() / time.Second)
	if l <= 0 {
		return ts
	}
	sec := ts.Unix()
	return time.Unix(sec-sec%l, 0).UTC()
}

// BucketEnd returns the first instant after the bucket containing ts.
func (tf Timeframe) BucketEnd(ts time.Time) time.Time {
	return tf.BucketStart(ts).Add(tf.Duration())
}

// ParseTimeframe validates and converts a config/wire string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// ————————————————————————————————————————————————————————————————————————
// Ticks and bars
// ————————————————————————————————————————————————————————————————————————

// Tick is one quote/trade message from the upstream feed. Prices are fixed
// point with 4 fractional digits. Ticks are immutable once constructed.
type Tick struct {
	Instrument         InstrumentKey   `json:"instrument_key"`
	Timestamp          time.Time       `json:"timestamp"` // millisecond precision, UTC
	LastTradedPrice    decimal.Decimal `json:"last_traded_price"`
	LastTradedQuantity int64           `json:"last_traded_quantity"`
	CumulativeVolume   int64           `json:"cumulative_volume"` // day volume; 0 if the feed omits it
	OpenInterest       int64           `json:"open_interest"`
}

// Validate checks the tick invariants: a positive price and non-negative
// quantities. Violations are rejected at ingestion, never retried.
func (t Tick) Validate() error {
	if t.Instrument.IsZero() {
		return fmt.Errorf("tick without instrument key")
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("tick %s: zero timestamp", t.Instrument)
	}
	if t.LastTradedPrice.Sign() <= 0 {
		return fmt.Errorf("tick %s: non-positive price %s", t.Instrument, t.LastTradedPrice)
	}
	if t.LastTradedQuantity < 0 {
		return fmt.Errorf("tick %s: negative quantity %d", t.Instrument, t.LastTradedQuantity)
	}
	if t.CumulativeVolume < 0 {
		return fmt.Errorf("tick %s: negative cumulative volume %d", t.Instrument, t.CumulativeVolume)
	}
	if t.OpenInterest < 0 {
		return fmt.Errorf("tick %s: negative open interest %d", t.Instrument, t.OpenInterest)
	}
	return nil
}

// Bar is an OHLCV aggregate over one timeframe bucket. While ClosedAt is nil
// the bar is open and still mutating; once set, the bar is immutable.
type Bar struct {
	Instrument       InstrumentKey   `json:"instrument_key"`
	Timeframe        Timeframe       `json:"timeframe"`
	BucketStart      time.Time       `json:"bucket_start"`
	Open             decimal.Decimal `json:"open"`
	High             decimal.Decimal `json:"high"`
	Low              decimal.Decimal `json:"low"`
	Close            decimal.Decimal `json:"close"`
	Volume           int64           `json:"volume"`
	OpenInterestLast int64           `json:"open_interest_last"`
	TickCount        int64           `json:"tick_count"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
}

// NewBar seeds a bar from the first tick of its bucket. volume is the
// delta the aggregator attributes to this tick (cumulative-derived when the
// feed provides a cumulative figure).
func NewBar(tf Timeframe, tick Tick, volume int64) Bar {
	return Bar{
		Instrument:       tick.Instrument,
		Timeframe:        tf,
		BucketStart:      tf.BucketStart(tick.Timestamp),
		Open:             tick.LastTradedPrice,
		High:             tick.LastTradedPrice,
		Low:              tick.LastTradedPrice,
		Close:            tick.LastTradedPrice,
		Volume:           volume,
		OpenInterestLast: tick.OpenInterest,
		TickCount:        1,
	}
}

// IsClosed reports whether the bar has been finalized.
func (b Bar) IsClosed() bool { return b.ClosedAt != nil }

// Clone returns a copy safe to hand outside the store's locks.
func (b Bar) Clone() Bar {
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		b.ClosedAt = &t
	}
	return b
}

// CheckInvariants verifies low ≤ open,close ≤ high and volume ≥ 0. It exists
// for tests and the dead-letter path; production code keeps the invariant by
// construction.
func (b Bar) CheckInvariants() error {
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) || b.Low.GreaterThan(b.High) {
		return fmt.Errorf("bar %s/%s: low %s above open/close/high", b.Instrument, b.Timeframe, b.Low)
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return fmt.Errorf("bar %s/%s: high %s below open/close", b.Instrument, b.Timeframe, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s/%s: negative volume %d", b.Instrument, b.Timeframe, b.Volume)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Fan-out events
// ————————————————————————————————————————————————————————————————————————

// EventType tags the payload carried by a fan-out event.
type EventType string

const (
	EventBarUpdate     EventType = "BAR_UPDATE"     // in-progress 1m bar (partial OHLCV)
	EventBarClosed     EventType = "BAR_CLOSED"     // finalized bar, any timeframe
	EventPositionEvent EventType = "POSITION_EVENT" // position transition
	EventOrderEvent    EventType = "ORDER_EVENT"    // cleanup cancel/modify outcome
	EventHeartbeat     EventType = "HEARTBEAT"      // idle keep-alive
	EventDisconnect    EventType = "DISCONNECT"     // server-initiated close notice
)

// Event is the unit of delivery through the hub. Instrument and Timeframe
// are zero-valued for events they don't apply to (position events carry the
// instrument but no timeframe).
type Event struct {
	Type       EventType     `json:"type"`
	Instrument InstrumentKey `json:"instrument_key,omitempty"`
	Timeframe  Timeframe     `json:"timeframe,omitempty"`
	Payload    any           `json:"payload"`
}

// DisconnectReason is sent in a DISCONNECT frame before the server closes a
// WebSocket client.
type DisconnectReason string

const (
	DisconnectSlowConsumer DisconnectReason = "SLOW_CONSUMER"
	DisconnectAuthExpired  DisconnectReason = "AUTH_EXPIRED"
	DisconnectShutdown     DisconnectReason = "SHUTDOWN"
)

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// PositionSnapshot is the broker-reported state of one net position at an
// instant. NetQuantity sign encodes direction: positive = long, negative =
// short, zero = flat. SourceSequence is monotonic per account; stale
// snapshots (sequence ≤ last seen) are ignored.
type PositionSnapshot struct {
	AccountID         string          `json:"account_id"`
	Instrument        InstrumentKey   `json:"instrument_key"`
	NetQuantity       int64           `json:"net_quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	SourceSequence    int64           `json:"source_sequence"`
	ObservedAt        time.Time       `json:"observed_at"`
}

// PositionEventKind classifies a transition between two snapshots.
type PositionEventKind string

const (
	PositionOpened    PositionEventKind = "OPENED"
	PositionIncreased PositionEventKind = "INCREASED"
	PositionReduced   PositionEventKind = "REDUCED"
	PositionClosed    PositionEventKind = "CLOSED"
	PositionFlipped   PositionEventKind = "FLIPPED" // sign change; downstream treats as CLOSED+OPENED
)

// PositionEvent is emitted exactly when the tracker observes a change.
type PositionEvent struct {
	AccountID        string            `json:"account_id"`
	Instrument       InstrumentKey     `json:"instrument_key"`
	Kind             PositionEventKind `json:"kind"`
	PreviousQuantity int64             `json:"previous_quantity"`
	NewQuantity      int64             `json:"new_quantity"`
	ObservedAt       time.Time         `json:"observed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and cleanup
// ————————————————————————————————————————————————————————————————————————

// OrderPurpose classifies what a broker order is for. Protective orders
// (stop-loss, target) are the ones subject to cleanup.
type OrderPurpose string

const (
	PurposeStopLoss OrderPurpose = "STOP_LOSS"
	PurposeTarget   OrderPurpose = "TARGET"
	PurposeEntry    OrderPurpose = "ENTRY"
)

// Protective reports whether an order of this purpose is cancelled/modified
// when its linked position closes or reduces.
func (p OrderPurpose) Protective() bool {
	return p == PurposeStopLoss || p == PurposeTarget
}

// OrderRef links a resting broker order to the position it protects.
type OrderRef struct {
	AccountID     string        `json:"account_id"`
	BrokerOrderID string        `json:"broker_order_id"`
	Instrument    InstrumentKey `json:"instrument_key"`
	Purpose       OrderPurpose  `json:"purpose"`
	Quantity      int64         `json:"quantity"`
}

// CleanupAction is the outcome recorded per protective order.
type CleanupAction string

const (
	CleanupCancelled CleanupAction = "CANCELLED"
	CleanupModified  CleanupAction = "MODIFIED"
	CleanupFailed    CleanupAction = "FAILED"
)

// CleanupRecord is one append-only audit row in the cleanup log.
type CleanupRecord struct {
	AccountID     string        `json:"account_id"`
	BrokerOrderID string        `json:"broker_order_id"`
	Instrument    InstrumentKey `json:"instrument_key"`
	Action        CleanupAction `json:"action"`
	Detail        string        `json:"detail,omitempty"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket frames
// ————————————————————————————————————————————————————————————————————————
// Frames are the JSON objects exchanged with fan-out clients. The server
// emits event frames; clients send an auth frame first, then optional
// subscribe/unsubscribe frames to narrow their predicate.

// Frame is the server→client message envelope.
type Frame struct {
	Type       EventType      `json:"type"`
	Instrument *InstrumentKey `json:"instrument_key,omitempty"`
	Timeframe  Timeframe      `json:"timeframe,omitempty"`
	Payload    any            `json:"payload,omitempty"`
}

// DisconnectPayload is the payload of a DISCONNECT frame.
type DisconnectPayload struct {
	Reason DisconnectReason `json:"reason"`
}

// ClientFrame is the client→server message envelope. The first frame on a
// connection must be {"op":"auth","token":...}; the token never travels in
// the query string.
type ClientFrame struct {
	Op          string   `json:"op"` // "auth", "subscribe", "unsubscribe"
	Token       string   `json:"token,omitempty"`
	Instruments []string `json:"instruments,omitempty"`
	Timeframes  []string `json:"timeframes,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}
