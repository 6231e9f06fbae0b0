// Package feed maintains the upstream WebSocket connection to the market
// data vendor and the broker's position stream.
//
// One connection carries two message kinds: "tick" quotes and "position"
// snapshots. The feed auto-reconnects with exponential backoff (1s → 30s
// max), re-subscribes its tracked instruments on every reconnect, and
// fires the reconnect hook so the position tracker can reconcile against
// a fresh snapshot batch. A read deadline detects silent server failures
// within about two missed pings.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fnostream/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	tickBufferSize   = 4096
	posBufferSize    = 256
)

// Feed manages the upstream connection lifecycle, subscription tracking
// and message routing.
type Feed struct {
	url    string
	token  string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	subscribedMu sync.RWMutex
	subscribed   map[types.InstrumentKey]bool

	tickCh chan types.Tick
	posCh  chan types.PositionSnapshot

	// onReconnect runs after every successful (re)connection, including
	// the first. The position tracker reconciles here.
	onReconnect func()

	logger *slog.Logger
}

// New creates a feed. token authenticates the upstream session; it is sent
// in the subscription frame, never in the URL.
func New(wsURL, token string, onReconnect func(), logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		token:       token,
		subscribed:  make(map[types.InstrumentKey]bool),
		tickCh:      make(chan types.Tick, tickBufferSize),
		posCh:       make(chan types.PositionSnapshot, posBufferSize),
		onReconnect: onReconnect,
		logger:      logger.With("component", "feed"),
	}
}

// Ticks returns the read-only stream of quote ticks.
func (f *Feed) Ticks() <-chan types.Tick { return f.tickCh }

// Positions returns the read-only stream of position snapshots.
func (f *Feed) Positions() <-chan types.PositionSnapshot { return f.posCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while earns a fresh ladder.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("upstream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds instruments to the tracked set and, when connected, sends
// the subscription upstream. Before the first connect it only records: the
// connect-time subscription frame carries the full tracked set.
func (f *Feed) Subscribe(ctx context.Context, keys []types.InstrumentKey) error {
	f.subscribedMu.Lock()
	for _, k := range keys {
		f.subscribed[k] = true
	}
	f.subscribedMu.Unlock()

	if !f.connected() {
		return nil
	}
	return f.writeJSON(subscribeMsg("subscribe", "", keys))
}

// Unsubscribe removes instruments from the tracked set.
func (f *Feed) Unsubscribe(ctx context.Context, keys []types.InstrumentKey) error {
	f.subscribedMu.Lock()
	for _, k := range keys {
		delete(f.subscribed, k)
	}
	f.subscribedMu.Unlock()

	if !f.connected() {
		return nil
	}
	return f.writeJSON(subscribeMsg("unsubscribe", "", keys))
}

func (f *Feed) connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

type wireMsg struct {
	Op          string   `json:"op,omitempty"`
	Token       string   `json:"token,omitempty"`
	Instruments []string `json:"instruments,omitempty"`
}

func subscribeMsg(op, token string, keys []types.InstrumentKey) wireMsg {
	msg := wireMsg{Op: op, Token: token}
	for _, k := range keys {
		msg.Instruments = append(msg.Instruments, k.String())
	}
	return msg
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("upstream connected", "url", f.url)
	if f.onReconnect != nil {
		f.onReconnect()
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	keys := make([]types.InstrumentKey, 0, len(f.subscribed))
	for k := range f.subscribed {
		keys = append(keys, k)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(subscribeMsg("subscribe", f.token, keys))
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json upstream message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "tick":
		var msg struct {
			Data types.Tick `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal tick", "error", err)
			return
		}
		select {
		case f.tickCh <- msg.Data:
		default:
			f.logger.Warn("tick channel full, dropping tick", "instrument", msg.Data.Instrument)
		}

	case "position":
		var msg struct {
			Data types.PositionSnapshot `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal position", "error", err)
			return
		}
		select {
		case f.posCh <- msg.Data:
		default:
			// Snapshots are absolute; the next one supersedes this anyway.
			f.logger.Warn("position channel full, dropping snapshot",
				"account", msg.Data.AccountID, "instrument", msg.Data.Instrument)
		}

	case "pong", "subscribed", "unsubscribed":
		f.logger.Debug("upstream ack", "type", envelope.Type)

	default:
		f.logger.Debug("unknown upstream message type", "type", envelope.Type)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(wireMsg{Op: "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("upstream not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
