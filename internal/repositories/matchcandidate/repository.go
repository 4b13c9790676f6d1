package matchcandidate

import (
	"context"
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

var candidateColumns = []string{
	"id", "source_system", "source_record_id", "entity_id", "score",
	"evidence", "status", "created_at", "reviewed_at", "reviewed_by",
}

// Repository persists scored match candidates for manual review
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes a candidate, replacing any previous score for the same
// (source record, entity) pair. Review decisions are never overwritten.
func (r *Repository) Upsert(ctx context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Upsert")
	defer span.End()

	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	candidate.CreatedAt = time.Now().UTC()
	if candidate.Status == "" {
		candidate.Status = models.MatchCandidateStatusPending
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("match_candidates")
	sb.Cols("id", "source_system", "source_record_id", "entity_id", "score", "evidence", "status", "created_at")
	sb.Values(candidate.ID, candidate.SourceSystem, candidate.SourceRecordID, candidate.EntityID, candidate.Score, candidate.Evidence, candidate.Status, candidate.CreatedAt)

	query, args := sb.Build()
	query += ` ON CONFLICT (source_system, source_record_id, entity_id) DO UPDATE
		SET score = EXCLUDED.score, evidence = EXCLUDED.evidence
		WHERE match_candidates.status = 'pending'`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert match candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert match candidate")
	}

	return candidate, nil
}

// ListPending returns unreviewed candidates, strongest first
func (r *Repository) ListPending(ctx context.Context, limit int) ([]models.MatchCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.ListPending")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(candidateColumns...)
	sb.From("match_candidates")
	sb.Where(sb.Equal("status", models.MatchCandidateStatusPending))
	sb.OrderBy("score DESC", "created_at ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	var candidates []models.MatchCandidate
	if err := r.db.SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list match candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match candidates")
	}

	return candidates, nil
}

// Review records an accept/reject decision on a pending candidate
func (r *Repository) Review(ctx context.Context, id string, status models.MatchCandidateStatus, reviewer string) error {
	ctx, span := tracing.StartSpan(ctx, "matchcandidate.Repository.Review")
	defer span.End()

	if status != models.MatchCandidateStatusAccepted && status != models.MatchCandidateStatusRejected {
		return httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid review status %q", status))
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("match_candidates")
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("reviewed_at", time.Now().UTC()),
		sb.Assign("reviewed_by", reviewer),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("status", models.MatchCandidateStatusPending),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to review match candidate")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to review match candidate")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, "match candidate not found or already reviewed")
	}

	return nil
}
