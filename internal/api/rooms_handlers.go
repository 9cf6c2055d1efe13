package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"liveroom/internal/auth"
	"liveroom/internal/ingest"
	"liveroom/internal/models"
	"liveroom/internal/observability/logging"
	"liveroom/internal/storage"
)

const maxListLimit = 200

type roomResponse struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"ownerId"`
	Title          string            `json:"title"`
	Status         models.RoomStatus `json:"status"`
	StreamKey      string            `json:"streamKey,omitempty"`
	StartTime      *time.Time        `json:"startTime,omitempty"`
	EndTime        *time.Time        `json:"endTime,omitempty"`
	HasActiveMedia bool              `json:"hasActiveMedia"`
	LastMediaAt    *time.Time        `json:"lastMediaAt,omitempty"`
	ViewerCount    int               `json:"viewerCount"`
	StreamURLs     ingest.StreamURLs `json:"streamUrls"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// newRoomResponse hides the stream key from everyone but the owner.
func (h *Handler) newRoomResponse(room models.Room, viewerID string) roomResponse {
	resp := roomResponse{
		ID:             room.ID,
		OwnerID:        room.OwnerID,
		Title:          room.Title,
		Status:         room.Status,
		StartTime:      room.StartTime,
		EndTime:        room.EndTime,
		HasActiveMedia: room.HasActiveMedia,
		LastMediaAt:    room.LastMediaAt,
		ViewerCount:    room.ViewerCount,
		StreamURLs:     h.Streams.StreamURLs(room.StreamKey),
		CreatedAt:      room.CreatedAt,
		UpdatedAt:      room.UpdatedAt,
	}
	if viewerID != "" && viewerID == room.OwnerID {
		resp.StreamKey = room.StreamKey
	}
	return resp
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.UserID == "" {
		writeError(w, http.StatusUnauthorized, "authentication_required", fmt.Errorf("authentication required"))
		return auth.Identity{}, false
	}
	return identity, true
}

func callerID(r *http.Request) string {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity.UserID
}

func roomRequest(r *http.Request) *http.Request {
	id := r.PathValue("id")
	if id == "" {
		return r
	}
	return r.WithContext(logging.ContextWithRoomID(r.Context(), id))
}

// ListRooms returns open rooms by default. ?status= takes a comma separated
// list of statuses, ?owner= narrows to one owner.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.RoomFilter{
		Statuses: []models.RoomStatus{models.RoomLive, models.RoomPending},
		OwnerID:  strings.TrimSpace(query.Get("owner")),
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		filter.Statuses = nil
		for _, part := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, parseStatus(part))
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", fmt.Errorf("limit must be a positive integer"))
			return
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}

	rooms, err := h.Rooms.List(r.Context(), filter)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	viewer := callerID(r)
	response := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, h.newRoomResponse(room, viewer))
	}
	writeJSON(w, http.StatusOK, response)
}

// parseStatus accepts the legacy names idle and finished.
func parseStatus(raw string) models.RoomStatus {
	switch value := strings.ToLower(strings.TrimSpace(raw)); value {
	case "idle":
		return models.RoomPending
	case "finished":
		return models.RoomEnded
	default:
		return models.RoomStatus(value)
	}
}

type createRoomRequest struct {
	Title string `json:"title"`
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}
	room, err := h.Rooms.Create(r.Context(), req.Title, identity.UserID)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.newRoomResponse(room, identity.UserID))
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	r = roomRequest(r)
	room, err := h.Rooms.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.newRoomResponse(room, callerID(r)))
}

func (h *Handler) StartRoom(w http.ResponseWriter, r *http.Request) {
	r = roomRequest(r)
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	room, err := h.Rooms.StartLive(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.newRoomResponse(room, identity.UserID))
}

func (h *Handler) EndRoom(w http.ResponseWriter, r *http.Request) {
	r = roomRequest(r)
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	room, err := h.Rooms.EndLiveAs(r.Context(), r.PathValue("id"), identity.UserID)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.newRoomResponse(room, identity.UserID))
}

type streamStatusResponse struct {
	RoomID         string            `json:"roomId"`
	Status         models.RoomStatus `json:"status"`
	HasActiveMedia bool              `json:"hasActiveMedia"`
	LastMediaAt    *time.Time        `json:"lastMediaAt,omitempty"`
	ViewerCount    int               `json:"viewerCount"`
}

func newStreamStatus(room models.Room) streamStatusResponse {
	return streamStatusResponse{
		RoomID:         room.ID,
		Status:         room.Status,
		HasActiveMedia: room.HasActiveMedia,
		LastMediaAt:    room.LastMediaAt,
		ViewerCount:    room.ViewerCount,
	}
}

func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	r = roomRequest(r)
	room, err := h.Rooms.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStreamStatus(room))
}

type updateStreamStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStreamStatus lets the owner drive the room with {status: live} or
// {status: finished}.
func (h *Handler) UpdateStreamStatus(w http.ResponseWriter, r *http.Request) {
	r = roomRequest(r)
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req updateStreamStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var (
		room models.Room
		err  error
	)
	switch parseStatus(req.Status) {
	case models.RoomLive:
		room, err = h.Rooms.StartLive(r.Context(), r.PathValue("id"), identity.UserID)
	case models.RoomEnded:
		room, err = h.Rooms.EndLiveAs(r.Context(), r.PathValue("id"), identity.UserID)
	default:
		writeError(w, http.StatusBadRequest, "invalid_status", errors.New("status must be live or finished"))
		return
	}
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStreamStatus(room))
}

type rtcConfigResponse struct {
	RoomID    string `json:"roomId"`
	StreamKey string `json:"streamKey"`
	WebRTCURL string `json:"webrtcUrl,omitempty"`
	WSURL     string `json:"wsUrl"`
}

// RTCConfig hands the owner what a browser publisher needs: the WebRTC
// publish URL and the signaling socket.
func (h *Handler) RTCConfig(w http.ResponseWriter, r *http.Request) {
	r = roomRequest(r)
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	room, err := h.Rooms.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	if room.OwnerID != identity.UserID {
		writeError(w, http.StatusForbidden, "not_room_owner", errors.New("only the room owner can publish"))
		return
	}
	writeJSON(w, http.StatusOK, rtcConfigResponse{
		RoomID:    room.ID,
		StreamKey: room.StreamKey,
		WebRTCURL: h.Streams.PublishURL(room.StreamKey),
		WSURL:     signalingURL(r, h.SignalingPath),
	})
}

func signalingURL(r *http.Request, path string) string {
	if path == "" {
		path = "/rtc"
	}
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]), "https") {
		scheme = "wss"
	}
	host := r.Host
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host + path
}

type streamInfoResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Status      models.RoomStatus `json:"status"`
	StartTime   *time.Time        `json:"startTime,omitempty"`
	EndTime     *time.Time        `json:"endTime,omitempty"`
	ViewerCount int               `json:"viewerCount"`
	StreamURLs  ingest.StreamURLs `json:"streamUrls"`
}

func (h *Handler) StreamInfo(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("streamKey")
	room, err := h.Rooms.GetByStreamKey(r.Context(), key)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streamInfoResponse{
		ID:          room.ID,
		Title:       room.Title,
		Status:      room.Status,
		StartTime:   room.StartTime,
		EndTime:     room.EndTime,
		ViewerCount: room.ViewerCount,
		StreamURLs:  h.Streams.StreamURLs(room.StreamKey),
	})
}
