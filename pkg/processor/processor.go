// Package processor drives the ingest pipeline: each incoming message is
// resolved to a canonical entity, any embedded relationships are asserted
// between canonical ids, and a lifecycle event is published. Errors bubble
// up to the consumer so the offset is not committed and the message replays.
package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/kafka"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// EntityResolver resolves an attribute bundle to a canonical entity
type EntityResolver interface {
	Resolve(ctx context.Context, bundle models.AttributeBundle) (*models.ResolveResult, error)
}

// RelationshipUpserter asserts edges between canonical entities
type RelationshipUpserter interface {
	Upsert(ctx context.Context, req models.UpsertRelationshipRequest) (*models.RelationshipEdge, error)
}

// CandidateFinder scores fuzzy duplicates for review
type CandidateFinder interface {
	FindCandidates(ctx context.Context, bundle models.AttributeBundle, excludeID string) ([]models.MatchCandidate, error)
}

// EventEmitter publishes lifecycle events
type EventEmitter interface {
	EmitResolved(ctx context.Context, kind models.EntityKind, result models.ResolveResult) error
}

// GraphProjector mirrors resolved entities and edges into the graph database
type GraphProjector interface {
	ProjectEntity(ctx context.Context, entity *models.Entity) error
	ProjectEdge(ctx context.Context, edge *models.RelationshipEdge) error
}

// EntityGetter fetches entities for graph projection
type EntityGetter interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
}

// Processor handles ingest messages
type Processor struct {
	resolver      EntityResolver
	relationships RelationshipUpserter
	finder        CandidateFinder
	emitter       EventEmitter
	projector     GraphProjector
	entities      EntityGetter
	logger        ectologger.Logger
}

// SetProjector enables graph projection of resolved entities and edges.
// Optional; when unset ingest only writes to Postgres.
func (p *Processor) SetProjector(projector GraphProjector, entities EntityGetter) {
	p.projector = projector
	p.entities = entities
}

// NewProcessor creates a new ingest processor
func NewProcessor(
	resolver EntityResolver,
	relationships RelationshipUpserter,
	finder CandidateFinder,
	emitter EventEmitter,
	logger ectologger.Logger,
) *Processor {
	return &Processor{
		resolver:      resolver,
		relationships: relationships,
		finder:        finder,
		emitter:       emitter,
		logger:        logger,
	}
}

// HandleMessage is the consumer callback for the input topic
func (p *Processor) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.HandleMessage")
	defer span.End()

	if msg.Ingest == nil {
		if err := msg.ParseIngest(); err != nil {
			return err
		}
	}
	return p.Process(ctx, *msg.Ingest)
}

// Process resolves the subject bundle, asserts embedded relationships, and
// emits the lifecycle event
func (p *Processor) Process(ctx context.Context, msg models.IngestMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.Process")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"kind":             msg.Bundle.Kind,
		"source_system":    msg.Bundle.SourceSystem,
		"source_record_id": msg.Bundle.SourceRecordID,
	})

	result, err := p.resolver.Resolve(ctx, msg.Bundle)
	if err != nil {
		log.WithError(err).Error("Failed to resolve subject bundle")
		return err
	}

	for _, rel := range msg.Relationships {
		if err := p.processRelationship(ctx, msg.Bundle, result.EntityID, rel); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"rel_type": rel.RelType,
			}).Error("Failed to process embedded relationship")
			return err
		}
	}

	// New persons get scanned for fuzzy duplicates. Best effort: a failed
	// scan costs a review candidate, not the record.
	if result.Created && msg.Bundle.Kind == models.EntityKindPerson && p.finder != nil {
		if _, err := p.finder.FindCandidates(ctx, msg.Bundle, result.EntityID); err != nil {
			log.WithError(err).Warn("Failed to scan for match candidates")
		}
	}

	if p.emitter != nil {
		if err := p.emitter.EmitResolved(ctx, msg.Bundle.Kind, *result); err != nil {
			log.WithError(err).Warn("Failed to emit resolve event")
		}
	}

	p.projectEntity(ctx, result.EntityID)

	log.WithFields(map[string]any{
		"entity_id":   result.EntityID,
		"created":     result.Created,
		"discrepancy": result.Discrepancy,
	}).Info("Ingest message processed")
	return nil
}

// processRelationship resolves the object bundle and asserts the edge
// between the two canonical ids
func (p *Processor) processRelationship(ctx context.Context, subject models.AttributeBundle, subjectID string, rel models.IngestRelationship) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.processRelationship")
	defer span.End()

	object := rel.Object
	if object.SourceSystem == "" {
		object.SourceSystem = subject.SourceSystem
	}

	objectResult, err := p.resolver.Resolve(ctx, object)
	if err != nil {
		return err
	}

	edge, err := p.relationships.Upsert(ctx, models.UpsertRelationshipRequest{
		SubjectID:    subjectID,
		ObjectID:     objectResult.EntityID,
		RelType:      rel.RelType,
		Origin:       rel.Origin,
		SourceSystem: subject.SourceSystem,
		ObservedAt:   rel.ObservedAt,
		Evidence:     rel.Evidence,
	})
	if err != nil {
		return err
	}

	p.projectEntity(ctx, objectResult.EntityID)
	if p.projector != nil {
		if err := p.projector.ProjectEdge(ctx, edge); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to project edge into graph")
		}
	}
	return nil
}

// projectEntity mirrors one entity into the graph. Best effort: Postgres is
// the source of truth and the node is re-projected on the next event.
func (p *Processor) projectEntity(ctx context.Context, entityID string) {
	if p.projector == nil || p.entities == nil {
		return
	}
	entity, err := p.entities.Get(ctx, entityID)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to load entity for graph projection")
		return
	}
	if err := p.projector.ProjectEntity(ctx, entity); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to project entity into graph")
	}
}
