package entity

import (
	"context"
	"encoding/json"
	"fmt"
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

var entityColumns = []string{
	"id", "kind", "display_name", "data", "data_quality",
	"verified_at", "verified_by", "merged_into", "merged_at", "merge_reason",
	"created_at", "updated_at",
}

// Repository handles canonical entity persistence. There is deliberately no
// bare insert here: CreateResolved is the only way to create an entity, and
// it requires the identifier index rows and source link that make the new
// record findable. Merges and verification only update existing rows.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Get retrieves an entity by ID, tombstones included
func (r *Repository) Get(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var entity models.Entity
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// GetByKind retrieves an entity and enforces its kind
func (r *Repository) GetByKind(ctx context.Context, kind models.EntityKind, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetByKind")
	defer span.End()

	entity, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.Kind != kind {
		return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s is not a %s", id, kind))
	}
	return entity, nil
}

// CreateResolved inserts a new entity together with its identifier index
// rows and the source record that produced it. Callers must run this inside
// a transaction; a unique violation on any identifier means another writer
// created the same real-world entity first.
func (r *Repository) CreateResolved(ctx context.Context, entity *models.Entity, identifiers []models.Identifier, source *models.SourceRecord) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CreateResolved")
	defer span.End()

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols("id", "kind", "display_name", "data", "data_quality", "created_at", "updated_at")
	sb.Values(entity.ID, entity.Kind, entity.DisplayName, entity.Data, entity.DataQuality, entity.CreatedAt, entity.UpdatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create entity")
		return nil, err
	}

	for i := range identifiers {
		identifiers[i].EntityID = entity.ID
		if identifiers[i].ID == "" {
			identifiers[i].ID = uuid.New().String()
		}
		if identifiers[i].Confidence == 0 {
			identifiers[i].Confidence = identifiers[i].IDType.DefaultConfidence()
		}
		identifiers[i].CreatedAt = entity.CreatedAt

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto("identifiers")
		ib.Cols("id", "entity_id", "id_type", "normalized_value", "raw_value", "source_system", "confidence", "created_at")
		ib.Values(identifiers[i].ID, identifiers[i].EntityID, identifiers[i].IDType, identifiers[i].NormalizedValue, identifiers[i].RawValue, identifiers[i].SourceSystem, identifiers[i].Confidence, identifiers[i].CreatedAt)

		query, args := ib.Build()
		// Unique violations bubble up raw so the resolver can detect the
		// race and re-read the winner.
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return nil, err
		}
	}

	if source != nil {
		source.EntityID = entity.ID
		if source.ID == "" {
			source.ID = uuid.New().String()
		}
		source.CreatedAt = entity.CreatedAt
		source.UpdatedAt = entity.CreatedAt

		srb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		srb.InsertInto("source_records")
		srb.Cols("id", "entity_id", "source_system", "source_record_id", "fingerprint", "payload", "created_at", "updated_at")
		srb.Values(source.ID, source.EntityID, source.SourceSystem, source.SourceRecordID, source.Fingerprint, source.Payload, source.CreatedAt, source.UpdatedAt)

		query, args := srb.Build()
		query += " ON CONFLICT (source_system, source_record_id) DO UPDATE SET entity_id = EXCLUDED.entity_id, fingerprint = EXCLUDED.fingerprint, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at"
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return nil, err
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": entity.ID, "kind": entity.Kind}).Info("Created entity")
	return entity, nil
}

// UpdateData replaces the entity's data payload and display name
func (r *Repository) UpdateData(ctx context.Context, id string, displayName string, data json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.UpdateData")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("display_name", displayName),
		sb.Assign("data", data),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("merged_into"),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update entity data")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found or already merged", id))
	}

	return nil
}

// Tombstone marks an entity as merged into another. Only live records can be
// tombstoned; zero rows affected means the entity was already merged away.
func (r *Repository) Tombstone(ctx context.Context, removeID, keepID, reason string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Tombstone")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("merged_into", keepID),
		sb.Assign("merged_at", now),
		sb.Assign("merge_reason", reason),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", removeID),
		sb.IsNull("merged_into"),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to tombstone entity")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to tombstone entity")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// RepointTombstones flattens merge chains: every tombstone pointing at
// oldTarget is rewritten to point at newTarget so future canonical walks
// stay short. Audit rows are untouched.
func (r *Repository) RepointTombstones(ctx context.Context, oldTarget, newTarget string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.RepointTombstones")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("merged_into", newTarget),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("merged_into", oldTarget))

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint tombstones")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint tombstones")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// CompressPointer rewrites one tombstone's pointer directly to the canonical
// record found by a chain walk. Best-effort; the walk result is already
// correct even if this loses a race.
func (r *Repository) CompressPointer(ctx context.Context, id, canonicalID string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CompressPointer")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("merged_into", canonicalID),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNotNull("merged_into"),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to compress tombstone pointer")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to compress tombstone pointer")
	}

	return nil
}

// Verify stamps the entity as staff-verified. Re-verifying is a no-op that
// preserves the original stamp.
func (r *Repository) Verify(ctx context.Context, kind models.EntityKind, id, staffID string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Verify")
	defer span.End()

	entity, err := r.GetByKind(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if entity.IsVerified() {
		return entity, nil
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("verified_at", now),
		sb.Assign("verified_by", staffID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("verified_at"),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to verify entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to verify entity")
	}

	return r.Get(ctx, id)
}

// ListCanonicalByKind pages through live canonical records of one kind,
// ordered by id for stable resumable iteration. Used by backfill and match
// candidate scoring.
func (r *Repository) ListCanonicalByKind(ctx context.Context, kind models.EntityKind, afterID string, limit int) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListCanonicalByKind")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("kind", kind),
		sb.IsNull("merged_into"),
	)
	if afterID != "" {
		sb.Where(sb.GreaterThan("id", afterID))
	}
	sb.OrderBy("id ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	var entities []models.Entity
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list canonical entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	return entities, nil
}
