package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// Projector keeps the graph database in sync with the canonical store.
// Projection is best effort and eventually consistent: Postgres is the
// source of truth and a failed projection is re-applied on the next event.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

// NewProjector creates a new graph projector
func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{
		client: client,
		logger: logger,
	}
}

// kindLabel maps an entity kind to its node label
func kindLabel(kind models.EntityKind) string {
	switch kind {
	case models.EntityKindPerson:
		return "Person"
	case models.EntityKindAnimal:
		return "Animal"
	case models.EntityKindPlace:
		return "Place"
	}
	return "Entity"
}

// ProjectEntity creates or updates a canonical entity node
func (p *Projector) ProjectEntity(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectEntity")
	defer span.End()

	props := map[string]any{
		"id":           entity.ID,
		"kind":         string(entity.Kind),
		"display_name": entity.DisplayName,
		"created_at":   entity.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"updated_at":   entity.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if entity.VerifiedAt != nil {
		props["verified_at"] = entity.VerifiedAt.UTC().Format("2006-01-02T15:04:05Z")
	}

	var data map[string]any
	if len(entity.Data) > 0 {
		if err := json.Unmarshal(entity.Data, &data); err == nil {
			for k, v := range data {
				switch v.(type) {
				case string, float64, bool, int64:
					props[k] = v
				}
			}
		}
	}

	cypher := fmt.Sprintf(`
		MERGE (e:%s {id: $id})
		SET e = $props
	`, kindLabel(entity.Kind))

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":    entity.ID,
			"props": props,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id": entity.ID,
		}).Error("Failed to project entity into graph")
		return err
	}
	return nil
}

// ProjectEdge creates or updates a relationship between two canonical nodes
func (p *Projector) ProjectEdge(ctx context.Context, edge *models.RelationshipEdge) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectEdge")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (s {id: $subject_id}), (o {id: $object_id})
		MERGE (s)-[r:%s]->(o)
		SET r.confidence = $confidence,
		    r.origin = $origin,
		    r.observation_count = $observation_count
	`, relLabel(edge.RelType))

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"subject_id":        edge.SubjectID,
			"object_id":         edge.ObjectID,
			"confidence":        string(edge.Confidence),
			"origin":            string(edge.Origin),
			"observation_count": edge.ObservationCount,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subject_id": edge.SubjectID,
			"object_id":  edge.ObjectID,
			"rel_type":   edge.RelType,
		}).Error("Failed to project edge into graph")
		return err
	}
	return nil
}

// ProjectMerge removes the tombstoned node. Its relationships were already
// folded into the surviving entity in Postgres; the survivor's edges are
// re-projected by the caller after this returns.
func (p *Projector) ProjectMerge(ctx context.Context, removeID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectMerge")
	defer span.End()

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (e {id: $id})
			DETACH DELETE e
		`, map[string]any{"id": removeID})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"removed_id": removeID,
		}).Error("Failed to remove merged node from graph")
		return err
	}
	return nil
}

// relLabel uppercases a rel_type into a Cypher-safe relationship label
func relLabel(relType string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(relType) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "RELATED_TO"
	}
	return b.String()
}
