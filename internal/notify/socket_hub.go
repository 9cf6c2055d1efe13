package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"liveroom/internal/observability/metrics"
	"liveroom/internal/realtime"

	"github.com/gorilla/websocket"
)

const socketEndpoint = "notifications"

// SocketHubConfig configures the notification WebSocket endpoint.
type SocketHubConfig struct {
	Source         Source
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// SocketHub serves /ws. Every client receives every lifecycle event; the
// only inbound message it understands is a ping.
type SocketHub struct {
	source   Source
	upgrader *websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu      sync.Mutex
	clients map[*realtime.Client]struct{}
}

func NewSocketHub(cfg SocketHubConfig) *SocketHub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketHub{
		source:   cfg.Source,
		upgrader: realtime.NewUpgrader(cfg.AllowedOrigins),
		logger:   logger,
		metrics:  cfg.Metrics,
		clients:  make(map[*realtime.Client]struct{}),
	}
}

type inboundControl struct {
	Type string `json:"type"`
}

func (h *SocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, err := realtime.Upgrade(w, r, h.upgrader, h.logger)
	if err != nil {
		h.logger.Debug("notification socket upgrade failed", "error", err)
		return
	}
	sub := h.source.Subscribe()
	h.register(client)
	defer h.unregister(client)

	go func() {
		defer sub.Close()
		for {
			select {
			case <-client.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					client.Close()
					return
				}
				client.SendJSON(event)
			}
		}
	}()

	client.Run(context.Background(), func(raw []byte) {
		var msg inboundControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Debug("ignoring malformed notification socket message", "client_id", client.ID, "error", err)
			return
		}
		if msg.Type == "ping" {
			client.SendJSON(inboundControl{Type: "pong"})
		}
	})
}

// Clients reports the number of connected sockets.
func (h *SocketHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client. Hijacked connections are not closed
// by http.Server.Shutdown, so the server calls this before shutting down.
func (h *SocketHub) CloseAll(context.Context) {
	h.mu.Lock()
	clients := make([]*realtime.Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		client.Close()
	}
}

func (h *SocketHub) register(client *realtime.Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.SocketConnected(socketEndpoint)
}

func (h *SocketHub) unregister(client *realtime.Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	h.metrics.SocketDisconnected(socketEndpoint)
}
