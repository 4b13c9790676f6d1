package sourcerecord

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

var recordColumns = []string{
	"id", "entity_id", "source_system", "source_record_id",
	"fingerprint", "payload", "created_at", "updated_at",
}

// Repository links raw source records to the canonical entities they
// resolved to
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new source record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetBySource retrieves the link for one upstream record, or nil
func (r *Repository) GetBySource(ctx context.Context, sourceSystem, sourceRecordID string) (*models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.GetBySource")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("source_records")
	sb.Where(
		sb.Equal("source_system", sourceSystem),
		sb.Equal("source_record_id", sourceRecordID),
	)

	query, args := sb.Build()
	var record models.SourceRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get source record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get source record")
	}

	return &record, nil
}

// Upsert writes the link for an upstream record. Re-ingesting an existing
// record updates its entity link, fingerprint, and payload in place.
func (r *Repository) Upsert(ctx context.Context, record *models.SourceRecord) (*models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Upsert")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("source_records")
	sb.Cols("id", "entity_id", "source_system", "source_record_id", "fingerprint", "payload", "created_at", "updated_at")
	sb.Values(record.ID, record.EntityID, record.SourceSystem, record.SourceRecordID, record.Fingerprint, record.Payload, record.CreatedAt, record.UpdatedAt)

	query, args := sb.Build()
	query += " ON CONFLICT (source_system, source_record_id) DO UPDATE SET entity_id = EXCLUDED.entity_id, fingerprint = EXCLUDED.fingerprint, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert source record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert source record")
	}

	return record, nil
}

// ListForEntity returns all source records linked to an entity
func (r *Repository) ListForEntity(ctx context.Context, entityID string) ([]models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.ListForEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(recordColumns...)
	sb.From("source_records")
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var records []models.SourceRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list source records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list source records")
	}

	return records, nil
}

// MergeEntityReferences repoints remove's source records at keep. The
// unique key (source_system, source_record_id) is owner-agnostic so
// repointing can't collide.
func (r *Repository) MergeEntityReferences(ctx context.Context, keepID, removeID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.MergeEntityReferences")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("source_records")
	sb.Set(
		sb.Assign("entity_id", keepID),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("entity_id", removeID))

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to merge source record references")
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
