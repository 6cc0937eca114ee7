// Package ingest feeds the trade store from two vendor paths: a live
// options-trade WebSocket stream and a periodic REST snapshot backfill.
// Live trades are gated on market hours; the backfill runs regardless, so
// the store stays warm outside the session.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/metrics"
	"github.com/quantfeed/optionsflow/internal/store"
)

// SessionState tracks where the vendor stream session is in its lifecycle.
type SessionState string

// Session states, in connection order.
const (
	StateDisconnected   SessionState = "disconnected"
	StateConnecting     SessionState = "connecting"
	StateAuthenticating SessionState = "authenticating"
	StateSubscribed     SessionState = "subscribed"
	StateStreaming      SessionState = "streaming"
)

// reconnectWait is the pause between connection attempts.
const reconnectWait = 5 * time.Second

// wsEvent is one element of a vendor stream frame. Frames arrive as JSON
// arrays mixing status events ("status") and options trades ("O").
type wsEvent struct {
	Ev      string  `json:"ev"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Sym     string  `json:"sym"`
	Ex      int     `json:"x"`
	Price   float64 `json:"p"`
	Size    float64 `json:"s"`
	Conds   []int   `json:"c"`
	Millis  int64   `json:"t"`
	Bid     float64 `json:"bp"`
	Ask     float64 `json:"ap"`
}

// wsCommand is a client-to-vendor control message.
type wsCommand struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// WSSession maintains one authenticated subscription to the vendor
// options trade stream. Run owns the whole lifecycle; connection attempts
// are serialised by the single Run loop, so a dropped socket can never
// race a duplicate session.
type WSSession struct {
	url     string
	apiKey  string
	tickers []string

	enricher *flow.Enricher
	store    *store.Store
	status   *StatusCache
	publish  func(*flow.Record)
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	state SessionState

	reconnectWait time.Duration
}

// NewWSSession builds a stream session. publish may be nil when no live
// fan-out is attached.
func NewWSSession(url, apiKey string, tickers []string, enricher *flow.Enricher, st *store.Store, status *StatusCache, publish func(*flow.Record), logger *logrus.Logger, m *metrics.Metrics) *WSSession {
	return &WSSession{
		url:           url,
		apiKey:        apiKey,
		tickers:       tickers,
		enricher:      enricher,
		store:         st,
		status:        status,
		publish:       publish,
		logger:        logger,
		metrics:       m,
		state:         StateDisconnected,
		reconnectWait: reconnectWait,
	}
}

// State returns the current session state.
func (s *WSSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *WSSession) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run connects, streams, and reconnects until ctx is cancelled. The only
// non-nil return is ctx.Err().
func (s *WSSession) Run(ctx context.Context) error {
	for {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("vendor stream session ended")
		}
		s.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectWait):
		}
		if s.metrics != nil {
			s.metrics.WSReconnects.Inc()
		}
	}
}

// session runs one connect-auth-subscribe-stream cycle.
func (s *WSSession) session(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket on cancellation so the blocking read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.setState(StateAuthenticating)
	if err := conn.WriteJSON(wsCommand{Action: "auth", Params: s.apiKey}); err != nil {
		return err
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.handleFrame(ctx, conn, payload); err != nil {
			return err
		}
	}
}

// handleFrame decodes one wire frame and dispatches its events.
func (s *WSSession) handleFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	var events []wsEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		// Some control messages arrive as a bare object.
		var single wsEvent
		if err2 := json.Unmarshal(payload, &single); err2 != nil {
			s.logger.WithError(err).Debug("undecodable stream frame")
			return nil
		}
		events = []wsEvent{single}
	}

	for _, ev := range events {
		switch ev.Ev {
		case "status":
			if err := s.handleStatus(conn, ev); err != nil {
				return err
			}
		case "O":
			s.handleTrade(ctx, ev)
		default:
			// Unknown event codes are ignored.
		}
	}
	return nil
}

// handleStatus walks the auth/subscribe handshake forward.
func (s *WSSession) handleStatus(conn *websocket.Conn, ev wsEvent) error {
	switch ev.Status {
	case "connected":
		// Auth was already sent on connect; nothing to do.
	case "auth_success":
		if err := conn.WriteJSON(wsCommand{Action: "subscribe", Params: s.subscriptionParams()}); err != nil {
			return err
		}
		s.setState(StateSubscribed)
		s.logger.WithField("tickers", s.tickers).Info("vendor stream subscribed")
	case "auth_failed":
		return errors.New("vendor stream authentication failed")
	case "success":
		s.setState(StateStreaming)
	default:
		s.logger.WithFields(logrus.Fields{
			"status":  ev.Status,
			"message": ev.Message,
		}).Debug("vendor stream status")
	}
	return nil
}

// handleTrade enriches and stores one live options trade. Trades outside
// regular market hours are dropped; the REST backfill covers those.
func (s *WSSession) handleTrade(ctx context.Context, ev wsEvent) {
	if !s.status.IsOpen(ctx) {
		return
	}

	tick := flow.TradeTick{
		Symbol:     ev.Sym,
		Price:      ev.Price,
		Size:       ev.Size,
		Exchange:   ev.Ex,
		Conditions: ev.Conds,
		Bid:        ev.Bid,
		Ask:        ev.Ask,
	}
	// A missing t field stays zero so the enricher stamps receive time
	// instead of the epoch.
	if ev.Millis > 0 {
		tick.Timestamp = time.UnixMilli(ev.Millis).UTC()
	}

	rec, err := s.enricher.EnrichTick(ctx, tick, flow.MinPremiumLive)
	if err != nil {
		return // discard accounting happens inside the enricher
	}

	s.store.Insert(rec)
	if s.metrics != nil {
		s.metrics.FlowsIngested.WithLabelValues("ws").Inc()
	}
	if s.publish != nil {
		s.publish(rec)
	}
}

// subscriptionParams renders the hot-ticker set as a wildcard options
// subscription, e.g. "O.SPY*,O.QQQ*".
func (s *WSSession) subscriptionParams() string {
	parts := make([]string, 0, len(s.tickers))
	for _, t := range s.tickers {
		parts = append(parts, "O."+strings.ToUpper(t)+"*")
	}
	return strings.Join(parts, ",")
}
