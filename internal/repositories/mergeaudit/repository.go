package mergeaudit

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

// Repository handles the append-only merge audit ledger. There are no
// update or delete methods on purpose: audit rows are immutable history
// that path compression and chain flattening must never rewrite.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append records one completed merge
func (r *Repository) Append(ctx context.Context, audit *models.MergeAudit) (*models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.Append")
	defer span.End()

	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	if audit.MergedAt.IsZero() {
		audit.MergedAt = time.Now().UTC()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merge_audits")
	sb.Cols("id", "kind", "keep_id", "remove_id", "reason", "actor", "removed_snapshot", "field_diffs", "merged_at")
	sb.Values(audit.ID, audit.Kind, audit.KeepID, audit.RemoveID, audit.Reason, audit.Actor, audit.RemovedSnapshot, audit.FieldDiffs, audit.MergedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to append merge audit")
		return nil, err
	}

	return audit, nil
}

// ListForEntity returns every merge an entity participated in, on either
// side, oldest first. This is the full provenance trail for a canonical id.
func (r *Repository) ListForEntity(ctx context.Context, entityID string) ([]models.MergeAudit, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaudit.Repository.ListForEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "kind", "keep_id", "remove_id", "reason", "actor", "removed_snapshot", "field_diffs", "merged_at")
	sb.From("merge_audits")
	sb.Where(sb.Or(
		sb.Equal("keep_id", entityID),
		sb.Equal("remove_id", entityID),
	))
	sb.OrderBy("merged_at ASC")

	query, args := sb.Build()
	var audits []models.MergeAudit
	if err := r.db.SelectContext(ctx, &audits, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge audits")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge audits")
	}

	return audits, nil
}
