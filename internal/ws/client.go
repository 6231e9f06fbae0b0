package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fnostream/internal/hub"
	"fnostream/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// client is one authenticated WebSocket session bound to a hub
// subscription.
type client struct {
	srv      *Server
	conn     *websocket.Conn
	identity Identity
	sub      *hub.Subscription

	mu        sync.Mutex
	predicate hub.Predicate

	closeOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn, identity Identity) *client {
	return &client{
		srv:      s,
		conn:     conn,
		identity: identity,
		sub:      s.hub.Subscribe(hub.Predicate{}), // everything until the client narrows
	}
}

// close tears the session down exactly once. reason, when set, is sent as
// a DISCONNECT frame before the socket closes.
func (c *client) close(reason types.DisconnectReason) {
	c.closeOnce.Do(func() {
		if reason != "" {
			c.writeFrame(types.Frame{
				Type:    types.EventDisconnect,
				Payload: types.DisconnectPayload{Reason: reason},
			})
			if reason == types.DisconnectSlowConsumer {
				c.srv.m.SlowConsumerDisconnects.Inc()
			}
		}
		c.srv.hub.Unsubscribe(c.sub)
		c.conn.Close()
		c.srv.m.WSClients.Dec()
		c.srv.logger.Info("client disconnected",
			"subject", c.identity.Subject, "reason", reason)
	})
}

// writePump drains the hub subscription onto the socket, interleaving
// heartbeats and protocol pings, and watches for token expiry.
func (c *client) writePump() {
	heartbeat := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	ping := time.NewTicker(pingPeriod)
	authExpiry := time.NewTimer(time.Until(c.identity.ExpiresAt))
	defer func() {
		heartbeat.Stop()
		ping.Stop()
		authExpiry.Stop()
	}()

	for {
		select {
		case e, ok := <-c.sub.Events():
			if !ok {
				// Hub ended the subscription (slow consumer, shutdown).
				c.close(c.sub.Reason())
				return
			}
			heartbeat.Reset(c.srv.cfg.HeartbeatInterval)
			if err := c.writeEvent(e); err != nil {
				c.close("")
				return
			}

		case <-heartbeat.C:
			if err := c.writeFrame(types.Frame{Type: types.EventHeartbeat}); err != nil {
				c.close("")
				return
			}

		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close("")
				return
			}

		case <-authExpiry.C:
			c.close(types.DisconnectAuthExpired)
			return
		}
	}
}

// readPump consumes client frames: subscribe replaces the filter,
// unsubscribe prunes entries from it.
func (c *client) readPump() {
	defer c.close("")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame types.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("client read error",
					"subject", c.identity.Subject, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch frame.Op {
		case "subscribe":
			c.applySubscribe(frame)
		case "unsubscribe":
			c.applyUnsubscribe(frame)
		case "auth":
			// Already authenticated; ignore.
		default:
			c.srv.logger.Debug("unknown client op",
				"subject", c.identity.Subject, "op", frame.Op)
		}
	}
}

func (c *client) applySubscribe(frame types.ClientFrame) {
	p, err := predicateFrom(frame)
	if err != nil {
		c.srv.logger.Warn("bad subscribe frame",
			"subject", c.identity.Subject, "error", err)
		return
	}
	c.mu.Lock()
	c.predicate = p
	c.mu.Unlock()
	c.sub.SetPredicate(c.srv.hub, p)
}

func (c *client) applyUnsubscribe(frame types.ClientFrame) {
	delta, err := predicateFrom(frame)
	if err != nil {
		c.srv.logger.Warn("bad unsubscribe frame",
			"subject", c.identity.Subject, "error", err)
		return
	}

	c.mu.Lock()
	for ik := range delta.Instruments {
		delete(c.predicate.Instruments, ik)
	}
	for tf := range delta.Timeframes {
		delete(c.predicate.Timeframes, tf)
	}
	for et := range delta.EventTypes {
		delete(c.predicate.EventTypes, et)
	}
	p := c.predicate
	c.mu.Unlock()
	c.sub.SetPredicate(c.srv.hub, p)
}

// predicateFrom converts a client frame's filter fields. Absent fields
// stay nil, meaning "any".
func predicateFrom(frame types.ClientFrame) (hub.Predicate, error) {
	var p hub.Predicate
	if len(frame.Instruments) > 0 {
		p.Instruments = make(map[types.InstrumentKey]struct{}, len(frame.Instruments))
		for _, raw := range frame.Instruments {
			ik, err := types.ParseInstrumentKey(raw)
			if err != nil {
				return hub.Predicate{}, err
			}
			p.Instruments[ik] = struct{}{}
		}
	}
	if len(frame.Timeframes) > 0 {
		p.Timeframes = make(map[types.Timeframe]struct{}, len(frame.Timeframes))
		for _, raw := range frame.Timeframes {
			tf, err := types.ParseTimeframe(raw)
			if err != nil {
				return hub.Predicate{}, err
			}
			p.Timeframes[tf] = struct{}{}
		}
	}
	if len(frame.EventTypes) > 0 {
		p.EventTypes = make(map[types.EventType]struct{}, len(frame.EventTypes))
		for _, raw := range frame.EventTypes {
			p.EventTypes[types.EventType(raw)] = struct{}{}
		}
	}
	return p, nil
}

func (c *client) writeEvent(e types.Event) error {
	frame := types.Frame{
		Type:      e.Type,
		Timeframe: e.Timeframe,
		Payload:   e.Payload,
	}
	if !e.Instrument.IsZero() {
		ik := e.Instrument
		frame.Instrument = &ik
	}
	return c.writeFrame(frame)
}

func (c *client) writeFrame(frame types.Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}
