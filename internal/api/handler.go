package api

import (
	"context"
	"log/slog"
	"net/http"

	"liveroom/internal/ingest"
	"liveroom/internal/models"
	"liveroom/internal/observability/logging"
	"liveroom/internal/storage"
)

// RoomService is the lifecycle surface the API drives.
type RoomService interface {
	Create(ctx context.Context, title, ownerID string) (models.Room, error)
	StartLive(ctx context.Context, roomID, requesterID string) (models.Room, error)
	EndLiveAs(ctx context.Context, roomID, requesterID string) (models.Room, error)
	Get(ctx context.Context, roomID string) (models.Room, error)
	GetByStreamKey(ctx context.Context, streamKey string) (models.Room, error)
	List(ctx context.Context, filter storage.RoomFilter) ([]models.Room, error)
}

// HealthCheck reports the health of one dependency.
type HealthCheck struct {
	Component string
	Ping      func(context.Context) error
}

// Handler serves the room API.
type Handler struct {
	Rooms   RoomService
	Streams ingest.Config
	Checks  []HealthCheck
	Logger  *slog.Logger
	// SignalingPath is advertised in rtc-config responses.
	SignalingPath string
}

func NewHandler(rooms RoomService, streams ingest.Config, logger *slog.Logger) *Handler {
	return &Handler{Rooms: rooms, Streams: streams, Logger: logger, SignalingPath: "/rtc"}
}

// Register mounts every API route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms", h.ListRooms)
	mux.HandleFunc("POST /api/rooms", h.CreateRoom)
	mux.HandleFunc("GET /api/rooms/{id}", h.GetRoom)
	mux.HandleFunc("POST /api/rooms/{id}/start", h.StartRoom)
	mux.HandleFunc("POST /api/rooms/{id}/end", h.EndRoom)
	mux.HandleFunc("GET /api/rooms/{id}/stream-status", h.StreamStatus)
	mux.HandleFunc("POST /api/rooms/{id}/stream-status", h.UpdateStreamStatus)
	mux.HandleFunc("GET /api/rooms/{id}/rtc-config", h.RTCConfig)
	mux.HandleFunc("GET /api/stream/info/{streamKey}", h.StreamInfo)
	mux.HandleFunc("GET /healthz", h.Health)
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		return logger
	}
	return logging.WithContext(r.Context(), logger)
}
