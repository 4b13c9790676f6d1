// Package relationships maintains confidence-scored edges between canonical
// entities. Repeated assertions of the same edge accumulate evidence rather
// than duplicating rows.
package relationships

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/metrics"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// EdgeStore is the relationship edge repository surface the service uses
type EdgeStore interface {
	Get(ctx context.Context, id string) (*models.RelationshipEdge, error)
	GetByTriple(ctx context.Context, subjectID, objectID, relType string) (*models.RelationshipEdge, error)
	Insert(ctx context.Context, edge *models.RelationshipEdge) (*models.RelationshipEdge, error)
	UpdateEvidence(ctx context.Context, id string, confidence models.Confidence, observationCount int, firstObserved, lastObserved *time.Time, evidence json.RawMessage) error
	Verify(ctx context.Context, id, staffID string) (*models.RelationshipEdge, error)
	ListForEntity(ctx context.Context, entityID string) ([]models.RelationshipEdge, error)
}

// CanonicalResolver maps any entity id to its canonical record
type CanonicalResolver interface {
	CanonicalID(ctx context.Context, id string) (string, error)
}

// Service asserts and verifies relationship edges
type Service struct {
	db        database.DB
	edges     EdgeStore
	canonical CanonicalResolver
	logger    ectologger.Logger
}

// NewService creates a new relationship service
func NewService(db database.DB, edges EdgeStore, canonical CanonicalResolver, logger ectologger.Logger) *Service {
	return &Service{
		db:        db,
		edges:     edges,
		canonical: canonical,
		logger:    logger,
	}
}

// Upsert asserts a relationship between two entities. Both endpoints are
// resolved to canonical ids first. A new (subject, object, type) triple
// creates an edge with confidence from the origin's reliability; a repeat
// assertion folds into the existing edge: the observed range widens, the
// observation count bumps, evidence keys union, and confidence only ever
// goes up.
func (s *Service) Upsert(ctx context.Context, req models.UpsertRelationshipRequest) (*models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationships.Service.Upsert")
	defer span.End()

	subjectID, err := s.canonical.CanonicalID(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}
	objectID, err := s.canonical.CanonicalID(ctx, req.ObjectID)
	if err != nil {
		return nil, err
	}
	if subjectID == objectID {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "subject and object resolve to the same entity")
	}

	observedAt := time.Now().UTC()
	if req.ObservedAt != nil {
		observedAt = req.ObservedAt.UTC()
	}

	// Two concurrent first assertions of the same triple both miss the read
	// and one insert trips the unique triple constraint. Losing that race
	// means the edge now exists, so the second pass folds into it.
	for attempt := 0; attempt < 2; attempt++ {
		edge, retry, err := s.upsertOnce(ctx, subjectID, objectID, observedAt, req)
		if retry {
			continue
		}
		return edge, err
	}

	return nil, httperror.NewHTTPError(http.StatusConflict, "relationship edge changed concurrently; retry")
}

// upsertOnce runs one read-fold-or-insert cycle in a single transaction.
// retry is true when an insert lost the unique race on the triple.
func (s *Service) upsertOnce(ctx context.Context, subjectID, objectID string, observedAt time.Time, req models.UpsertRelationshipRequest) (*models.RelationshipEdge, bool, error) {
	ctxTx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin relationship transaction")
	}
	defer tx.Rollback(ctxTx)

	existing, err := s.edges.GetByTriple(ctxTx, subjectID, objectID, req.RelType)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		var evidence json.RawMessage
		if len(req.Evidence) > 0 {
			evidence, err = json.Marshal(req.Evidence)
			if err != nil {
				return nil, false, httperror.NewHTTPError(http.StatusBadRequest, "invalid evidence payload")
			}
		}

		edge, err := s.edges.Insert(ctxTx, &models.RelationshipEdge{
			SubjectID:        subjectID,
			ObjectID:         objectID,
			RelType:          req.RelType,
			Confidence:       req.Origin.BaseConfidence(),
			Origin:           req.Origin,
			SourceSystem:     req.SourceSystem,
			ObservationCount: 1,
			FirstObservedAt:  &observedAt,
			LastObservedAt:   &observedAt,
			Evidence:         evidence,
		})
		if err != nil {
			if database.IsUniqueViolation(err) {
				_ = tx.Rollback(ctxTx)
				return nil, true, nil
			}
			return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert relationship edge")
		}
		if err := tx.Commit(ctxTx); err != nil {
			return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit relationship edge")
		}
		metrics.RelationshipUpsertsTotal.WithLabelValues("created").Inc()
		return edge, false, nil
	}

	confidence := existing.Confidence.Max(req.Origin.BaseConfidence())
	first := widenFirst(existing.FirstObservedAt, observedAt)
	last := widenLast(existing.LastObservedAt, observedAt)
	evidence, err := mergeEvidence(existing.Evidence, req.Evidence)
	if err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusBadRequest, "invalid evidence payload")
	}

	if err := s.edges.UpdateEvidence(ctxTx, existing.ID, confidence, existing.ObservationCount+1, first, last, evidence); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctxTx); err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit relationship edge")
	}

	metrics.RelationshipUpsertsTotal.WithLabelValues("updated").Inc()
	edge, err := s.edges.Get(ctx, existing.ID)
	return edge, false, err
}

// VerifyEdge stamps an edge as staff-verified and raises confidence to high
func (s *Service) VerifyEdge(ctx context.Context, id, staffID string) (*models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationships.Service.VerifyEdge")
	defer span.End()

	return s.edges.Verify(ctx, id, staffID)
}

// ListForEntity returns every edge touching the canonical record of id
func (s *Service) ListForEntity(ctx context.Context, id string) ([]models.RelationshipEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "relationships.Service.ListForEntity")
	defer span.End()

	canonicalID, err := s.canonical.CanonicalID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.edges.ListForEntity(ctx, canonicalID)
}

// widenFirst keeps the earliest of the known first-observed time and the
// new observation
func widenFirst(existing *time.Time, observed time.Time) *time.Time {
	if existing == nil || observed.Before(*existing) {
		return &observed
	}
	return existing
}

// widenLast keeps the latest of the known last-observed time and the new
// observation
func widenLast(existing *time.Time, observed time.Time) *time.Time {
	if existing == nil || observed.After(*existing) {
		return &observed
	}
	return existing
}

// mergeEvidence unions the new assertion's evidence keys into the existing
// map; new values win ties
func mergeEvidence(existing json.RawMessage, incoming map[string]any) (json.RawMessage, error) {
	if len(incoming) == 0 {
		return existing, nil
	}

	merged := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return json.Marshal(merged)
}
