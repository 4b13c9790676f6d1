package identifier

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// Lookup is one (type, normalized value) pair to probe the index with
type Lookup struct {
	IDType models.IdentifierType
	Value  string
}

// Repository handles the identifier index: the lookup table mapping
// normalized identifiers to the entities that own them.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new identifier repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation. The resolver uses this to detect concurrent find-or-create
// races on high-trust identifiers.
func IsUniqueViolation(err error) bool {
	return database.IsUniqueViolation(err)
}

// LookupMany probes the index for every supplied pair, restricted to
// entities of the given kind. Missing pairs simply return no row.
func (r *Repository) LookupMany(ctx context.Context, kind models.EntityKind, lookups []Lookup) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.LookupMany")
	defer span.End()

	if len(lookups) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"identifiers.id", "identifiers.entity_id", "identifiers.id_type",
		"identifiers.normalized_value", "identifiers.raw_value",
		"identifiers.source_system", "identifiers.confidence", "identifiers.created_at",
	)
	sb.From("identifiers")
	sb.Join("entities", "entities.id = identifiers.entity_id")

	pairConds := make([]string, 0, len(lookups))
	for _, l := range lookups {
		pairConds = append(pairConds, sb.And(
			sb.Equal("identifiers.id_type", l.IDType),
			sb.Equal("identifiers.normalized_value", l.Value),
		))
	}
	sb.Where(
		sb.Equal("entities.kind", kind),
		sb.Or(pairConds...),
	)

	query, args := sb.Build()
	var identifiers []models.Identifier
	if err := r.db.SelectContext(ctx, &identifiers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to look up identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up identifiers")
	}

	return identifiers, nil
}

// FindOwner returns the entity that currently owns an identifier, or nil if
// nobody does. Used to re-read the winner after losing an insert race.
func (r *Repository) FindOwner(ctx context.Context, idType models.IdentifierType, value string) (*models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.FindOwner")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "entity_id", "id_type", "normalized_value", "raw_value", "source_system", "confidence", "created_at")
	sb.From("identifiers")
	sb.Where(
		sb.Equal("id_type", idType),
		sb.Equal("normalized_value", value),
	)

	query, args := sb.Build()
	var identifier models.Identifier
	if err := r.db.GetContext(ctx, &identifier, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find identifier owner")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find identifier owner")
	}

	return &identifier, nil
}

// ListForEntity returns all index rows owned by an entity
func (r *Repository) ListForEntity(ctx context.Context, entityID string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.ListForEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "entity_id", "id_type", "normalized_value", "raw_value", "source_system", "confidence", "created_at")
	sb.From("identifiers")
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("id_type ASC", "created_at ASC")

	query, args := sb.Build()
	var identifiers []models.Identifier
	if err := r.db.SelectContext(ctx, &identifiers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifiers for entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}

	return identifiers, nil
}

// InsertIgnoreConflict adds an identifier to the index, silently skipping it
// when the row would collide: the entity already holds this identifier, or a
// high-trust value is already owned by someone else. The resolver uses it to
// attach newly supplied identifiers to a matched entity; backfill uses it so
// existing owners always win.
func (r *Repository) InsertIgnoreConflict(ctx context.Context, identifier *models.Identifier) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.InsertIgnoreConflict")
	defer span.End()

	if identifier.ID == "" {
		identifier.ID = uuid.New().String()
	}
	if identifier.Confidence == 0 {
		identifier.Confidence = identifier.IDType.DefaultConfidence()
	}
	identifier.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("identifiers")
	sb.Cols("id", "entity_id", "id_type", "normalized_value", "raw_value", "source_system", "confidence", "created_at")
	sb.Values(identifier.ID, identifier.EntityID, identifier.IDType, identifier.NormalizedValue, identifier.RawValue, identifier.SourceSystem, identifier.Confidence, identifier.CreatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT DO NOTHING"

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to insert identifier")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert identifier")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MergeEntityReferences repoints all of removeID's index rows at keepID.
// Low-trust identifiers may be shared, so both sides can hold the same
// (type, value); remove's copy of any row keep already has is dropped first
// so repointing never trips the per-entity unique.
func (r *Repository) MergeEntityReferences(ctx context.Context, keepID, removeID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.MergeEntityReferences")
	defer span.End()

	dedupe := `DELETE FROM identifiers AS rm
		WHERE rm.entity_id = $2 AND EXISTS (
			SELECT 1 FROM identifiers AS k
			WHERE k.entity_id = $1 AND k.id_type = rm.id_type
				AND k.normalized_value = rm.normalized_value)`
	if _, err := r.db.ExecContext(ctx, dedupe, keepID, removeID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to drop duplicate identifiers")
		return 0, err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("identifiers")
	sb.Set(sb.Assign("entity_id", keepID))
	sb.Where(sb.Equal("entity_id", removeID))

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to merge identifier references")
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
