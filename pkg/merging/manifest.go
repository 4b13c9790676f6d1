package merging

import (
	"context"

	"github.com/sorrelhq/sorrel/pkg/models"
)

// CascadeFunc repoints one dependent table's references from removeID to
// keepID, combining colliding rows where the table has uniqueness across
// both sides. Cascades run inside the merge transaction.
type CascadeFunc func(ctx context.Context, keepID, removeID string) error

// Cascade is a named step in a kind's merge manifest
type Cascade struct {
	Name string
	Run  CascadeFunc
}

// Manifest lists every dependent table that must follow an entity of one
// kind through a merge. The engine is generic; kinds differ only in their
// manifests.
type Manifest struct {
	Kind     models.EntityKind
	Cascades []Cascade
}

// IdentifierCascader repoints identifier index rows
type IdentifierCascader interface {
	MergeEntityReferences(ctx context.Context, keepID, removeID string) (int64, error)
}

// EdgeCascader repoints relationship edges, combining collisions
type EdgeCascader interface {
	MergeEntityReferences(ctx context.Context, keepID, removeID string) error
}

// SourceRecordCascader repoints source record links
type SourceRecordCascader interface {
	MergeEntityReferences(ctx context.Context, keepID, removeID string) (int64, error)
}

// GeocodeCascader resolves geocode state ownership for place merges
type GeocodeCascader interface {
	MergeEntityReferences(ctx context.Context, keepID, removeID string) error
}

// BuildManifests wires the standard manifests for all three kinds.
// Everything shares identifiers, edges, and source records; places
// additionally carry geocode state.
func BuildManifests(
	identifiers IdentifierCascader,
	edges EdgeCascader,
	sources SourceRecordCascader,
	geocodes GeocodeCascader,
) map[models.EntityKind]Manifest {
	common := []Cascade{
		{Name: "identifiers", Run: func(ctx context.Context, keepID, removeID string) error {
			_, err := identifiers.MergeEntityReferences(ctx, keepID, removeID)
			return err
		}},
		{Name: "relationship_edges", Run: edges.MergeEntityReferences},
		{Name: "source_records", Run: func(ctx context.Context, keepID, removeID string) error {
			_, err := sources.MergeEntityReferences(ctx, keepID, removeID)
			return err
		}},
	}

	place := append(append([]Cascade{}, common...), Cascade{
		Name: "geocode_states",
		Run:  geocodes.MergeEntityReferences,
	})

	return map[models.EntityKind]Manifest{
		models.EntityKindPerson: {Kind: models.EntityKindPerson, Cascades: common},
		models.EntityKindAnimal: {Kind: models.EntityKindAnimal, Cascades: common},
		models.EntityKindPlace:  {Kind: models.EntityKindPlace, Cascades: place},
	}
}
