// Package ws is the client-facing side of the fan-out: the WebSocket
// endpoint, its authentication handshake, and the small REST surface for
// bar snapshots and health.
//
// A connection must authenticate with its first frame — a JWT inside
// {"op":"auth","token":...}, never in the query string where it would land
// in access logs. After auth the client holds a hub subscription; further
// frames narrow or widen its filter. The server ends connections with an
// explicit DISCONNECT frame carrying the reason (SLOW_CONSUMER,
// AUTH_EXPIRED, SHUTDOWN), so clients can distinguish "reconnect and slow
// down" from "get a new token".
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fnostream/internal/barstore"
	"fnostream/internal/hub"
	"fnostream/internal/metrics"
	"fnostream/pkg/types"
)

// Config tunes the server.
type Config struct {
	Addr              string
	AuthTimeout       time.Duration // budget for the first (auth) frame
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Health reports component status for the health endpoint. Empty map means
// everything is fine.
type Health func(ctx context.Context) map[string]string

// History serves persisted bars when the in-memory ring has none, e.g.
// right after a restart. May be nil.
type History interface {
	Range(ctx context.Context, ik types.InstrumentKey, tf types.Timeframe, from, to time.Time, limit int) ([]types.Bar, error)
}

// Server owns the HTTP listener and the WebSocket sessions.
type Server struct {
	cfg     Config
	hub     *hub.Hub
	store   *barstore.Store
	history History
	auth    *Authenticator
	health  Health
	logger  *slog.Logger
	m       *metrics.Metrics

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// NewServer wires the server. gatherer feeds the /metrics endpoint;
// history may be nil.
func NewServer(cfg Config, h *hub.Hub, store *barstore.Store, history History, auth *Authenticator,
	gatherer prometheus.Gatherer, health Health, m *metrics.Metrics, logger *slog.Logger) *Server {

	s := &Server{
		cfg:     cfg.withDefaults(),
		hub:     h,
		store:   store,
		history: history,
		auth:    auth,
		health:  health,
		logger:  logger.With("component", "ws"),
		m:       m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/bars", s.handleBars)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener until ctx is cancelled, then closes all client
// sessions with a SHUTDOWN notice and shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll(types.DisconnectShutdown)

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(sctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	identity, err := s.authenticate(conn)
	if err != nil {
		s.logger.Warn("auth failed", "remote", r.RemoteAddr, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth required"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := newClient(s, conn, identity)
	s.m.WSClients.Inc()
	s.logger.Info("client connected", "subject", identity.Subject, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// authenticate reads the first frame under the auth budget and validates
// its token.
func (s *Server) authenticate(conn *websocket.Conn) (Identity, error) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var frame types.ClientFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return Identity{}, fmt.Errorf("first frame: %w", err)
	}
	if frame.Op != "auth" {
		return Identity{}, fmt.Errorf("first frame op %q, want auth", frame.Op)
	}
	return s.auth.Validate(frame.Token)
}

// handleBars serves recent bars from the in-memory store:
// GET /api/bars?instrument=...&timeframe=1m&limit=50
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	ik, err := types.ParseInstrumentKey(r.URL.Query().Get("instrument"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tf, err := types.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
	}

	bars := s.store.Snapshot(ik, tf, limit)
	if len(bars) == 0 && s.history != nil {
		// Cold ring (fresh restart): fall back to the persisted series.
		var err error
		bars, err = s.history.Range(r.Context(), ik, tf, time.Time{}, time.Now().UTC(), limit)
		if err != nil {
			s.logger.Error("bar history query failed", "instrument", ik, "error", err)
			http.Error(w, "history unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"instrument_key": ik.String(),
		"timeframe":      tf,
		"bars":           bars,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	problems := map[string]string{}
	if s.health != nil {
		problems = s.health(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	if len(problems) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "degraded", "problems": problems})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}
