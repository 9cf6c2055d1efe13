package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"liveroom/internal/models"
	"liveroom/internal/observability/metrics"
)

// Lifecycle is the subset of lifecycle.Service driven by media callbacks.
type Lifecycle interface {
	ConfirmMediaStart(ctx context.Context, streamKey string) (models.Room, error)
	ConfirmMediaStop(ctx context.Context, streamKey string) (models.Room, error)
	RecordViewerJoin(ctx context.Context, streamKey string) (models.Room, error)
	RecordViewerLeave(ctx context.Context, streamKey string) (models.Room, error)
}

// Gateway dispatches validated callbacks to the lifecycle.
type Gateway struct {
	lifecycle Lifecycle
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewGateway(lifecycle Lifecycle, logger *slog.Logger, recorder *metrics.Recorder) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{lifecycle: lifecycle, logger: logger, metrics: recorder}
}

// Handle applies cb. Every callback kind is safe to redeliver.
func (g *Gateway) Handle(ctx context.Context, cb Callback) (models.Room, error) {
	switch cb.Kind {
	case CallbackPublish:
		return g.lifecycle.ConfirmMediaStart(ctx, cb.StreamKey)
	case CallbackUnpublish:
		return g.lifecycle.ConfirmMediaStop(ctx, cb.StreamKey)
	case CallbackPlay:
		return g.lifecycle.RecordViewerJoin(ctx, cb.StreamKey)
	case CallbackStop:
		return g.lifecycle.RecordViewerLeave(ctx, cb.StreamKey)
	default:
		return models.Room{}, fmt.Errorf("unsupported callback %q", cb.Kind)
	}
}
