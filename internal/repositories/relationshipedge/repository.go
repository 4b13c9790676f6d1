package relationshipedge

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

var edgeColumns = []string{
	"id", "subject_id", "object_id", "rel_type", "confidence", "origin",
	"source_system", "observation_count", "first_observed_at", "last_observed_at",
	"evidence", "verified_at", "verified_by", "created_at", "updated_at",
}

// confidenceRankSQL orders confidence labels inside SQL so merge cascades
// can keep the stronger value. Must agree with models.Confidence.Rank.
const confidenceRankSQL = `CASE %s WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

// Repository handles relationship edge persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new relationship edge repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves an edge by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationshipedge.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(edgeColumns...)
	sb.From("relationship_edges")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var edge models.RelationshipEdge
	if err := r.db.GetContext(ctx, &edge, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("relationship %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get relationship edge")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get relationship edge")
	}

	return &edge, nil
}

// GetByTriple retrieves the edge for (subject, object, rel_type), or nil
func (r *Repository) GetByTriple(ctx context.Context, subjectID, objectID, relType string) (*models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationshipedge.Repository.GetByTriple")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(edgeColumns...)
	sb.From("relationship_edges")
	sb.Where(
		sb.Equal("subject_id", subjectID),
		sb.Equal("object_id", objectID),
		sb.Equal("rel_type", relType),
	)

	query, args := sb.Build()
	var edge models.RelationshipEdge
	if err := r.db.GetContext(ctx, &edge, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get relationship edge by triple")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get relationship edge")
	}

	return &edge, nil
}

// ListForEntity returns all edges touching an entity, either side
func (r *Repository) ListForEntity(ctx context.Context, entityID string) ([]models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationshipedge.Repository.ListForEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(edgeColumns...)
	sb.From("relationship_edges")
	sb.Where(sb.Or(
		sb.Equal("subject_id", entityID),
		sb.Equal("object_id", entityID),
	))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	var edges []models.RelationshipEdge
	if err := r.db.SelectContext(ctx, &edges, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list relationship edges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list relationship edges")
	}

	return edges, nil
}

// Insert creates a new edge
func (r *Repository) Insert(ctx context.Context, edge *models.RelationshipEdge) (*models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationshipedge.Repository.Insert")
	defer span.End()

	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	edge.CreatedAt = time.Now().UTC()
	edge.UpdatedAt = edge.CreatedAt
	if edge.ObservationCount == 0 {
		edge.ObservationCount = 1
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("relationship_edges")
	sb.Cols(
		"id", "subject_id", "object_id", "rel_type", "confidence", "origin",
		"source_system", "observation_count", "first_observed_at", "last_observed_at",
		"evidence", "created_at", "updated_at",
	)
	sb.Values(
		edge.ID, edge.SubjectID, edge.ObjectID, edge.RelType, edge.Confidence, edge.Origin,
		edge.SourceSystem, edge.ObservationCount, edge.FirstObservedAt, edge.LastObservedAt,
		edge.Evidence, edge.CreatedAt, edge.UpdatedAt,
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to insert relationship edge")
		return nil, err
	}

	return edge, nil
}

// UpdateEvidence replaces an edge's accumulated evidence fields after a
// repeat assertion is folded in
func (r *Repository) UpdateEvidence(ctx context.Context, id string, confidence models.Confidence, observationCount int, firstObserved, lastObserved *time.Time, evidence json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "relationshipedge.Repository.UpdateEvidence")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("relationship_edges")
	sb.Set(
		sb.Assign("confidence", confidence),
		sb.Assign("observation_count", observationCount),
		sb.Assign("first_observed_at", firstObserved),
		sb.Assign("last_observed_at", lastObserved),
		sb.Assign("evidence", evidence),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update relationship evidence")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update relationship evidence")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("relationship %s not found", id))
	}

	return nil
}

// Verify stamps an edge as staff-verified and raises its confidence to
// high. Idempotent: an already-verified edge keeps its original stamp.
func (r *Repository) Verify(ctx context.Context, id, staffID string) (*models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationshipedge.Repository.Verify")
	defer span.End()

	edge, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if edge.VerifiedAt != nil {
		return edge, nil
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("relationship_edges")
	sb.Set(
		sb.Assign("verified_at", now),
		sb.Assign("verified_by", staffID),
		sb.Assign("confidence", models.ConfidenceHigh),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("verified_at"),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to verify relationship edge")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to verify relationship edge")
	}

	return r.Get(ctx, id)
}

// MergeEntityReferences repoints every edge touching removeID at keepID as
// part of a merge cascade. Where repointing would collide with an existing
// keep-side edge on (subject, object, rel_type), the two edges are combined
// first: observation counts add, the observed range widens, the stronger
// confidence wins, and evidence maps union (remove's keys win ties). Edges
// directly between keep and remove are dropped entirely rather than becoming
// self-edges. Callers must run this inside the merge transaction.
func (r *Repository) MergeEntityReferences(ctx context.Context, keepID, removeID string) error {
	ctx, span := tracing.StartSpan(ctx, "relationshipedge.Repository.MergeEntityReferences")
	defer span.End()

	dropPair := `DELETE FROM relationship_edges
		WHERE (subject_id = $1 AND object_id = $2) OR (subject_id = $2 AND object_id = $1)`
	if _, err := r.db.ExecContext(ctx, dropPair, keepID, removeID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to drop keep/remove pair edges")
		return err
	}

	if err := r.mergeSide(ctx, "subject_id", "object_id", keepID, removeID); err != nil {
		return err
	}
	return r.mergeSide(ctx, "object_id", "subject_id", keepID, removeID)
}

// mergeSide folds remove's edges into keep's on one side of the edge
// (side is the column being repointed, other is the far endpoint).
func (r *Repository) mergeSide(ctx context.Context, side, other, keepID, removeID string) error {
	keepRank := fmt.Sprintf(confidenceRankSQL, "k.confidence")
	removeRank := fmt.Sprintf(confidenceRankSQL, "rm.confidence")

	combine := fmt.Sprintf(`UPDATE relationship_edges AS k SET
			observation_count = k.observation_count + rm.observation_count,
			first_observed_at = LEAST(
				COALESCE(k.first_observed_at, rm.first_observed_at),
				COALESCE(rm.first_observed_at, k.first_observed_at)),
			last_observed_at = GREATEST(
				COALESCE(k.last_observed_at, rm.last_observed_at),
				COALESCE(rm.last_observed_at, k.last_observed_at)),
			confidence = CASE WHEN %s > %s THEN rm.confidence ELSE k.confidence END,
			evidence = COALESCE(k.evidence, '{}'::jsonb) || COALESCE(rm.evidence, '{}'::jsonb),
			verified_at = COALESCE(k.verified_at, rm.verified_at),
			verified_by = COALESCE(k.verified_by, rm.verified_by),
			updated_at = now()
		FROM relationship_edges AS rm
		WHERE k.%s = $1 AND rm.%s = $2
			AND k.%s = rm.%s AND k.rel_type = rm.rel_type`,
		removeRank, keepRank, side, side, other, other)
	if _, err := r.db.ExecContext(ctx, combine, keepID, removeID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to combine colliding relationship edges")
		return err
	}

	// Colliding remove-side rows have been folded in; delete them before
	// repointing so the unique triple index can't trip.
	drop := fmt.Sprintf(`DELETE FROM relationship_edges AS rm
		WHERE rm.%s = $2 AND EXISTS (
			SELECT 1 FROM relationship_edges AS k
			WHERE k.%s = $1 AND k.%s = rm.%s AND k.rel_type = rm.rel_type)`,
		side, side, other, other)
	if _, err := r.db.ExecContext(ctx, drop, keepID, removeID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to drop folded relationship edges")
		return err
	}

	repoint := fmt.Sprintf(`UPDATE relationship_edges SET %s = $1, updated_at = now() WHERE %s = $2`, side, side)
	if _, err := r.db.ExecContext(ctx, repoint, keepID, removeID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint relationship edges")
		return err
	}

	return nil
}
