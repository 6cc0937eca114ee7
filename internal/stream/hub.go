package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/flow"
)

const writeWait = 10 * time.Second

// clientFrame is a control message from a connected client.
type clientFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Ticker  string `json:"ticker,omitempty"`
}

// serverFrame is any message the hub sends to a client.
type serverFrame struct {
	Type      string       `json:"type"`
	Channel   string       `json:"channel,omitempty"`
	Ticker    string       `json:"ticker,omitempty"`
	Message   string       `json:"message,omitempty"`
	Data      *flow.Record `json:"data,omitempty"`
	Timestamp string       `json:"timestamp"`
}

// Hub upgrades /ws requests and bridges each socket to the broadcaster.
type Hub struct {
	broadcaster *Broadcaster
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

// NewHub creates the client-facing WebSocket hub. allowedOrigins is the
// CORS origin allow-list; empty allows every origin.
func NewHub(b *Broadcaster, allowedOrigins []string, logger *logrus.Logger) *Hub {
	return &Hub{
		broadcaster: b,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// ServeHTTP handles one /ws connection for its whole lifetime.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	id := h.broadcaster.Subscribe(c)
	defer func() {
		h.broadcaster.Unsubscribe(id)
		conn.Close()
	}()

	_ = c.send(serverFrame{Type: "connected", Message: "live options flow"})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleControl(c, id, payload)
	}
}

// handleControl applies one client control frame. Unknown types are
// ignored.
func (h *Hub) handleControl(c *client, id string, payload []byte) {
	var frame clientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "subscribe":
		if frame.Channel == "options-flow" {
			_ = c.send(serverFrame{Type: "subscribed", Channel: frame.Channel})
		}
	case "subscribe-ticker":
		if frame.Ticker != "" {
			h.broadcaster.SubscribeTicker(id, frame.Ticker)
			_ = c.send(serverFrame{Type: "subscribed-ticker", Ticker: frame.Ticker})
		}
	case "unsubscribe-ticker":
		if frame.Ticker != "" {
			h.broadcaster.UnsubscribeTicker(id, frame.Ticker)
			_ = c.send(serverFrame{Type: "unsubscribed-ticker", Ticker: frame.Ticker})
		}
	}
}

// client is one connected socket. Writes are serialised because the
// publish path and the control acks run on different goroutines.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// SendFlow implements Sink.
func (c *client) SendFlow(rec *flow.Record) error {
	return c.send(serverFrame{Type: "options-trade", Data: rec})
}

func (c *client) send(frame serverFrame) error {
	frame.Timestamp = time.Now().UTC().Format(time.RFC3339)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}
