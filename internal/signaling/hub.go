// Package signaling relays WebRTC negotiation messages between peers in a
// room and tracks room membership. When the last peer leaves a live room,
// the room is ended.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"liveroom/internal/lifecycle"
	"liveroom/internal/models"
	"liveroom/internal/observability/logging"
	"liveroom/internal/observability/metrics"
	"liveroom/internal/realtime"

	"github.com/gorilla/websocket"
)

const (
	socketEndpoint     = "signaling"
	defaultCallTimeout = 10 * time.Second
)

// Message types exchanged over /rtc.
const (
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeUserJoined = "user-joined"
	TypeError      = "error"
)

// Message is the signaling envelope. Payload is opaque and relayed as is.
type Message struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"`
}

// Lifecycle is the subset of lifecycle.Service used by the hub.
type Lifecycle interface {
	Get(ctx context.Context, roomID string) (models.Room, error)
	EndLive(ctx context.Context, roomID, reason string) (models.Room, error)
	PromoteToLiveOnOffer(ctx context.Context, roomID string) (bool, error)
}

// Config configures a Hub.
type Config struct {
	Lifecycle      Lifecycle
	AllowedOrigins []string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	// CallTimeout bounds each lifecycle call made on behalf of a message
	// or a disconnect.
	CallTimeout time.Duration
}

// Hub serves /rtc.
type Hub struct {
	lifecycle   Lifecycle
	upgrader    *websocket.Upgrader
	logger      *slog.Logger
	metrics     *metrics.Recorder
	callTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]map[*peer]struct{}
	peers map[*peer]struct{}
}

type peer struct {
	client *realtime.Client
	// rooms is guarded by Hub.mu.
	rooms map[string]struct{}
}

func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Hub{
		lifecycle:   cfg.Lifecycle,
		upgrader:    realtime.NewUpgrader(cfg.AllowedOrigins),
		logger:      logger,
		metrics:     cfg.Metrics,
		callTimeout: timeout,
		rooms:       make(map[string]map[*peer]struct{}),
		peers:       make(map[*peer]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, err := realtime.Upgrade(w, r, h.upgrader, h.logger)
	if err != nil {
		h.logger.Debug("signaling upgrade failed", "error", err)
		return
	}
	p := &peer{client: client, rooms: make(map[string]struct{})}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.metrics.SocketConnected(socketEndpoint)

	client.Run(context.Background(), func(raw []byte) {
		h.handle(p, raw)
	})
	h.disconnect(p)
	h.metrics.SocketDisconnected(socketEndpoint)
}

// Members reports how many peers have joined roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// CloseAll disconnects every peer. Membership cleanup runs as each
// connection unwinds.
func (h *Hub) CloseAll(context.Context) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.client.Close()
	}
}

func (h *Hub) handle(p *peer, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("dropping malformed signaling message", "client_id", p.client.ID, "error", err)
		return
	}
	switch msg.Type {
	case TypeJoin, TypeLeave, TypeOffer, TypeAnswer, TypeCandidate:
	default:
		h.logger.Warn("dropping signaling message with unknown type", "client_id", p.client.ID, "type", msg.Type)
		return
	}
	if msg.RoomID == "" {
		h.logger.Warn("dropping signaling message without room", "client_id", p.client.ID, "type", msg.Type)
		return
	}

	ctx, cancel := context.WithTimeout(logging.ContextWithRoomID(context.Background(), msg.RoomID), h.callTimeout)
	defer cancel()
	logger := logging.WithContext(ctx, h.logger).With("client_id", p.client.ID)

	if msg.Type != TypeLeave {
		if _, err := h.lifecycle.Get(ctx, msg.RoomID); err != nil {
			if lifecycle.IsKind(err, lifecycle.KindNotFound) {
				h.replyError(p, msg.RoomID, "room not found")
			} else {
				logger.Warn("signaling room lookup failed", "error", err)
				h.replyError(p, msg.RoomID, "room temporarily unavailable")
			}
			return
		}
	}

	switch msg.Type {
	case TypeJoin:
		h.join(p, msg.RoomID)
		payload, _ := json.Marshal(map[string]any{"peerId": p.client.ID, "timestamp": time.Now().UnixMilli()})
		h.broadcast(msg.RoomID, p, Message{Type: TypeUserJoined, RoomID: msg.RoomID, Payload: payload, From: p.client.ID})
		logger.Debug("peer joined room")
	case TypeLeave:
		if h.leave(p, msg.RoomID) {
			h.endAbandoned(msg.RoomID)
		}
	case TypeOffer:
		if promoted, err := h.lifecycle.PromoteToLiveOnOffer(ctx, msg.RoomID); err != nil {
			logger.Warn("promote on offer failed", "error", err)
		} else if promoted {
			logger.Info("signaling offer started room")
		}
		h.relay(msg, p)
	default:
		h.relay(msg, p)
	}
}

func (h *Hub) relay(msg Message, sender *peer) {
	msg.From = sender.client.ID
	h.broadcast(msg.RoomID, sender, msg)
}

func (h *Hub) broadcast(roomID string, sender *peer, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode signaling message failed", "type", msg.Type, "error", err)
		return
	}
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.rooms[roomID]))
	for member := range h.rooms[roomID] {
		if member != sender {
			targets = append(targets, member)
		}
	}
	h.mu.Unlock()
	for _, target := range targets {
		target.client.Send(payload)
	}
}

func (h *Hub) replyError(p *peer, roomID, message string) {
	payload, _ := json.Marshal(message)
	p.client.SendJSON(Message{Type: TypeError, RoomID: roomID, Payload: payload})
}

func (h *Hub) join(p *peer, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*peer]struct{})
		h.rooms[roomID] = members
	}
	members[p] = struct{}{}
	p.rooms[roomID] = struct{}{}
}

// leave removes p from roomID and reports whether the room became empty.
func (h *Hub) leave(p *peer, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := members[p]; !member {
		return false
	}
	delete(members, p)
	delete(p.rooms, roomID)
	if len(members) > 0 {
		return false
	}
	delete(h.rooms, roomID)
	return true
}

func (h *Hub) disconnect(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	joined := make([]string, 0, len(p.rooms))
	for roomID := range p.rooms {
		joined = append(joined, roomID)
	}
	h.mu.Unlock()
	for _, roomID := range joined {
		if h.leave(p, roomID) {
			h.endAbandoned(roomID)
		}
	}
}

// endAbandoned ends roomID when it is still live and nobody rejoined in
// the meantime. Membership is ephemeral; the stored status decides.
func (h *Hub) endAbandoned(roomID string) {
	ctx, cancel := context.WithTimeout(logging.ContextWithRoomID(context.Background(), roomID), h.callTimeout)
	defer cancel()
	logger := logging.WithContext(ctx, h.logger)

	room, err := h.lifecycle.Get(ctx, roomID)
	if err != nil {
		if !lifecycle.IsKind(err, lifecycle.KindNotFound) {
			logger.Warn("abandoned room lookup failed", "error", err)
		}
		return
	}
	if room.Status != models.RoomLive || h.Members(roomID) > 0 {
		return
	}
	if _, err := h.lifecycle.EndLive(ctx, roomID, lifecycle.ReasonAbandoned); err != nil {
		logger.Warn("end abandoned room failed", "error", err)
		return
	}
	logger.Info("ended room after last signaling peer left")
}
