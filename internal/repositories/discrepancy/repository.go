package discrepancy

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

// Repository stores identifier conflicts flagged during resolution for
// manual review
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new discrepancy repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Record stores a new discrepancy. Failures here must not fail resolution,
// so the resolver logs and continues when this errors.
func (r *Repository) Record(ctx context.Context, d *models.Discrepancy) (*models.Discrepancy, error) {
	ctx, span := tracing.StartSpan(ctx, "discrepancy.Repository.Record")
	defer span.End()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("discrepancies")
	sb.Cols("id", "kind", "chosen_entity_id", "candidates", "source_system", "source_record_id", "created_at")
	sb.Values(d.ID, d.Kind, d.ChosenEntityID, d.Candidates, d.SourceSystem, d.SourceRecordID, d.CreatedAt)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to record discrepancy")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to record discrepancy")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"id":               d.ID,
		"chosen_entity_id": d.ChosenEntityID,
		"source_system":    d.SourceSystem,
	}).Warn("Recorded identifier discrepancy")
	return d, nil
}

// ListOpen returns unresolved discrepancies, oldest first
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]models.Discrepancy, error) {
	ctx, span := tracing.StartSpan(ctx, "discrepancy.Repository.ListOpen")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "kind", "chosen_entity_id", "candidates", "source_system", "source_record_id", "created_at", "resolved_at", "resolved_by")
	sb.From("discrepancies")
	sb.Where(sb.IsNull("resolved_at"))
	sb.OrderBy("created_at ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	var discrepancies []models.Discrepancy
	if err := r.db.SelectContext(ctx, &discrepancies, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list discrepancies")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list discrepancies")
	}

	return discrepancies, nil
}

// Resolve marks a discrepancy as reviewed
func (r *Repository) Resolve(ctx context.Context, id, reviewer string) error {
	ctx, span := tracing.StartSpan(ctx, "discrepancy.Repository.Resolve")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("discrepancies")
	sb.Set(
		sb.Assign("resolved_at", time.Now().UTC()),
		sb.Assign("resolved_by", reviewer),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("resolved_at"),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve discrepancy")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve discrepancy")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, "discrepancy not found or already resolved")
	}

	return nil
}
