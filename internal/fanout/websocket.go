package fanout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/crowdwatch/pkg/metrics"
)

const (
	// writeWait is the max time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the max time to wait for a pong before dropping the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	// maxMessageSize limits inbound frames; consumers are not expected to
	// send anything but control frames.
	maxMessageSize = 512

	// clientBuffer is the per-connection update buffer.
	clientBuffer = 64
)

// WebsocketHandler upgrades HTTP requests and streams hub updates to the peer
// as JSON text frames.
type WebsocketHandler struct {
	logger   *slog.Logger
	hub      *Hub
	metrics  *metrics.FanoutMetrics // Optional metrics
	upgrader websocket.Upgrader
}

// NewWebsocketHandler creates a new WebsocketHandler instance.
func NewWebsocketHandler(logger *slog.Logger, hub *Hub, m *metrics.FanoutMetrics) (*WebsocketHandler, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if hub == nil {
		return nil, errors.New("hub cannot be nil")
	}

	return &WebsocketHandler{
		logger:  logger,
		hub:     hub,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Consumers are dashboards on other origins.
				return true
			},
		},
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection",
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}

	sub := h.hub.Subscribe(clientBuffer)
	if h.metrics != nil {
		h.metrics.WebsocketClients.Inc()
	}
	h.logger.Info("websocket consumer connected", "remote_addr", r.RemoteAddr)

	go h.writePump(conn, sub)
	go h.readPump(conn, sub, r.RemoteAddr)
}

// readPump drains inbound frames so control messages are processed. Any data
// frame from the peer is ignored.
func (h *WebsocketHandler) readPump(conn *websocket.Conn, sub *Subscription, remoteAddr string) {
	defer func() {
		sub.Cancel()
		conn.Close()
		if h.metrics != nil {
			h.metrics.WebsocketClients.Dec()
		}
		h.logger.Info("websocket consumer disconnected", "remote_addr", remoteAddr)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error",
					"remote_addr", remoteAddr,
					"error", err,
				)
			}
			return
		}
	}
}

// writePump streams updates to the peer and keeps the connection alive with
// pings.
func (h *WebsocketHandler) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case update, ok := <-sub.Updates():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(update)
			if err != nil {
				h.logger.Error("failed to marshal update for websocket",
					"update_id", update.ID,
					"error", err,
				)
				continue
			}

			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
