package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.Checks))
	for _, check := range h.Checks {
		if check.Ping == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check.Ping(checkCtx)
		cancel()
		status := componentStatus{Component: check.Component, Status: "ok"}
		if err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
