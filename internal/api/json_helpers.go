package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"liveroom/internal/lifecycle"
)

const maxRequestBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// WriteError renders err in the API error shape. Middleware outside this
// package uses it so every error body looks the same.
func WriteError(w http.ResponseWriter, status int, code string, err error) {
	writeError(w, status, code, err)
}

// StatusForKind maps a lifecycle error kind to an HTTP status.
func StatusForKind(kind lifecycle.Kind) int {
	switch kind {
	case lifecycle.KindValidation:
		return http.StatusBadRequest
	case lifecycle.KindNotFound:
		return http.StatusNotFound
	case lifecycle.KindAuthorization:
		return http.StatusForbidden
	case lifecycle.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	kind := lifecycle.KindOf(err)
	status := StatusForKind(kind)
	message := err.Error()
	var lifecycleErr *lifecycle.Error
	if errors.As(err, &lifecycleErr) {
		message = lifecycleErr.Message
	}
	if status >= http.StatusInternalServerError {
		h.logger(r).Error("room operation failed", "error", err)
	}
	writeError(w, status, lifecycle.CodeOf(err), errors.New(message))
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}
