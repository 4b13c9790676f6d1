// Package events publishes entity lifecycle changes to the output topic
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/kafka"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// Emitter publishes entity lifecycle events through the Kafka producer
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// Emit publishes one lifecycle event
func (e *Emitter) Emit(ctx context.Context, event models.EntityEvent) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.Emit")
	defer span.End()

	if err := e.producer.PublishEntityEvent(ctx, &event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"type": event.Type,
		}).Error("Failed to emit entity event")
		return err
	}
	return nil
}

// EmitResolved publishes the event for a resolve outcome: created when the
// resolver minted a new entity, updated when it matched an existing one.
func (e *Emitter) EmitResolved(ctx context.Context, kind models.EntityKind, result models.ResolveResult) error {
	eventType := models.EventEntityUpdated
	if result.Created {
		eventType = models.EventEntityCreated
	}
	return e.Emit(ctx, models.EntityEvent{
		Type:        eventType,
		Kind:        kind,
		EntityID:    result.EntityID,
		CanonicalID: result.EntityID,
	})
}
