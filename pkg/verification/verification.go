// Package verification lets staff confirm that a canonical record matches
// the real-world entity it claims to be.
package verification

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// EntityVerifier is the entity repository surface the service uses
type EntityVerifier interface {
	Verify(ctx context.Context, kind models.EntityKind, id, staffID string) (*models.Entity, error)
}

// CanonicalResolver maps ids to canonical records
type CanonicalResolver interface {
	CanonicalID(ctx context.Context, id string) (string, error)
}

// Service stamps entities as staff-verified
type Service struct {
	entities  EntityVerifier
	canonical CanonicalResolver
	logger    ectologger.Logger
}

// NewService creates a new verification service
func NewService(entities EntityVerifier, canonical CanonicalResolver, logger ectologger.Logger) *Service {
	return &Service{
		entities:  entities,
		canonical: canonical,
		logger:    logger,
	}
}

// Verify stamps the canonical record behind id with the verifying staff
// member and time. Idempotent: verifying an already-verified entity
// succeeds and keeps the original stamp.
func (s *Service) Verify(ctx context.Context, kind models.EntityKind, id, staffID string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "verification.Service.Verify")
	defer span.End()

	if staffID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "staff id is required")
	}

	canonicalID, err := s.canonical.CanonicalID(ctx, id)
	if err != nil {
		return nil, err
	}

	entity, err := s.entities.Verify(ctx, kind, canonicalID, staffID)
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id": canonicalID,
		"staff_id":  staffID,
	}).Info("Entity verified")
	return entity, nil
}
