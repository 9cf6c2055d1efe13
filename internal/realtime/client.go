// Package realtime wraps gorilla/websocket connections with the read and
// write pumps shared by the notification and signaling sockets.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 32
)

// NewUpgrader returns an upgrader that accepts the listed origins. An empty
// list accepts every origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
	}
}

// Client is one upgraded connection. Writes go through a buffered queue
// drained by a single writer goroutine.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Upgrade performs the WebSocket handshake. On failure the upgrader has
// already written an HTTP error response.
func Upgrade(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, logger *slog.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger.With("client_id", id),
	}, nil
}

// Send queues a text frame. A client whose queue is full is too slow to
// keep up and is disconnected.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("websocket send queue full, closing client")
		c.Close()
		return false
	}
}

// SendJSON encodes v and queues it.
func (c *Client) SendJSON(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode websocket message failed", "error", err)
		return false
	}
	return c.Send(payload)
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Run starts the writer and blocks reading messages until the connection
// fails, ctx is cancelled or Close is called. onMessage runs on the reader
// goroutine.
func (c *Client) Run(ctx context.Context, onMessage func([]byte)) {
	go c.writePump()
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		onMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
