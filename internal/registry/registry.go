// Package registry keeps the list of camera sources reported by the rover.
package registry

import (
	"context"
	"sync"

	"github.com/pion/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"rovercam/internal/signaling"
	"rovercam/pkg/models"
)

// Registry holds the most recent discovery result. The list is only ever
// replaced as a whole.
type Registry struct {
	client signaling.Client
	tracer trace.Tracer
	log    logging.LeveledLogger

	mu      sync.RWMutex
	sources []models.CameraSource
}

func New(client signaling.Client, loggerFactory logging.LoggerFactory) *Registry {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Registry{
		client: client,
		tracer: otel.Tracer("registry"),
		log:    loggerFactory.NewLogger("registry"),
	}
}

// Refresh runs discovery once and stores the result. Any failure yields an
// empty list; callers cannot tell "no cameras" from "discovery failed".
func (r *Registry) Refresh(ctx context.Context) []models.CameraSource {
	ctx, span := r.tracer.Start(ctx, "registry.Refresh")
	defer span.End()

	sources, err := r.client.ListCameras(ctx)
	if err != nil {
		r.log.Warnf("camera discovery failed, treating as no sources: %v", err)
		span.RecordError(err)
		sources = nil
	}

	stored := make([]models.CameraSource, len(sources))
	copy(stored, sources)

	r.mu.Lock()
	r.sources = stored
	r.mu.Unlock()

	span.SetAttributes(attribute.Int("sources", len(stored)))
	r.log.Infof("discovered %d camera source(s)", len(stored))
	return r.Sources()
}

// Sources returns a copy of the current list.
func (r *Registry) Sources() []models.CameraSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CameraSource, len(r.sources))
	copy(out, r.sources)
	return out
}
