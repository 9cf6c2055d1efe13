package server

import (
	"errors"
	"net/http"

	"liveroom/internal/api"
)

// writeMiddlewareError renders middleware rejections in the API error shape.
func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	api.WriteError(w, status, code, errors.New(message))
}
