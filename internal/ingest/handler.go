package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"liveroom/internal/lifecycle"
	"liveroom/internal/observability/logging"
)

const maxHookBody = 64 << 10

// Handler exposes the gateway as SRS http_hooks endpoints.
type Handler struct {
	gateway *Gateway
	token   string
	logger  *slog.Logger
}

func NewHandler(gateway *Gateway, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gateway: gateway, token: strings.TrimSpace(cfg.HookToken), logger: logger}
}

// Register mounts the per-action routes and the combined hooks route.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/stream/on_publish", h.Action(CallbackPublish))
	mux.Handle("/api/stream/on_unpublish", h.Action(CallbackUnpublish))
	mux.Handle("/api/stream/on_play", h.Action(CallbackPlay))
	mux.Handle("/api/stream/on_stop", h.Action(CallbackStop))
	mux.Handle("/api/stream/hooks", h.Action(""))
}

type hookResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Action handles callbacks for kind. An empty kind reads the action from
// the payload or the action query parameter.
func (h *Handler) Action(kind CallbackKind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeHook(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}
		if !h.authorized(r) {
			h.logger.Warn("srs hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeHook(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		var payload hookPayload
		if r.Body != nil && r.Body != http.NoBody {
			decoder := json.NewDecoder(io.LimitReader(r.Body, maxHookBody))
			if err := decoder.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
				writeHook(w, http.StatusBadRequest, "invalid callback payload")
				return
			}
		}
		query := r.URL.Query()
		if payload.Action == "" {
			payload.Action = query.Get("action")
		}
		if payload.Stream == "" {
			payload.Stream = query.Get("stream")
		}

		resolved := kind
		if resolved == "" {
			parsed, err := ParseAction(payload.Action)
			if err != nil {
				h.gateway.metrics.IngestCallback("unknown", "invalid")
				writeHook(w, http.StatusBadRequest, err.Error())
				return
			}
			resolved = parsed
		}
		cb, err := payload.callback(resolved)
		if err != nil {
			h.gateway.metrics.IngestCallback(string(resolved), "invalid")
			writeHook(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx := r.Context()
		room, err := h.gateway.Handle(ctx, cb)
		if err != nil {
			status, result := hookStatus(err)
			h.gateway.metrics.IngestCallback(string(cb.Kind), result)
			logger := logging.WithContext(ctx, h.logger)
			if status >= http.StatusInternalServerError {
				logger.Error("srs hook failed", "action", cb.Kind, "stream", logging.MaskStreamKey(cb.StreamKey), "error", err)
			} else {
				logger.Warn("srs hook rejected", "action", cb.Kind, "stream", logging.MaskStreamKey(cb.StreamKey), "status", status, "error", err)
			}
			writeHook(w, status, hookMessage(status, err))
			return
		}
		h.gateway.metrics.IngestCallback(string(cb.Kind), "ok")
		logging.WithContext(ctx, h.logger).Debug("srs hook applied", "action", cb.Kind, "room_id", room.ID, "client_id", cb.ClientID)
		writeHook(w, http.StatusOK, "")
	})
}

func hookStatus(err error) (int, string) {
	switch lifecycle.KindOf(err) {
	case lifecycle.KindNotFound:
		return http.StatusNotFound, "not_found"
	case lifecycle.KindConflict, lifecycle.KindAuthorization:
		return http.StatusForbidden, "rejected"
	case lifecycle.KindValidation:
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusServiceUnavailable, "error"
	}
}

func hookMessage(status int, err error) string {
	switch status {
	case http.StatusNotFound:
		return "Stream not found"
	case http.StatusServiceUnavailable:
		return "temporarily unavailable"
	}
	var lifecycleErr *lifecycle.Error
	if errors.As(err, &lifecycleErr) {
		return lifecycleErr.Message
	}
	return err.Error()
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(h.token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return constantTimeEqual(h.token, token)
	}
	return false
}

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" || len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func writeHook(w http.ResponseWriter, status int, message string) {
	code := 0
	if status != http.StatusOK {
		code = 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(hookResponse{Code: code, Message: message})
}
