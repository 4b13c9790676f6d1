// Package resolver implements identity resolution: given a best-effort
// attribute bundle from a source system, find the canonical entity it
// refers to or create one. This is the only code path that creates
// entities.
package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/internal/repositories/identifier"
	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/fingerprint"
	"github.com/sorrelhq/sorrel/pkg/metrics"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// EntityStore is the entity repository surface the resolver uses
type EntityStore interface {
	CreateResolved(ctx context.Context, entity *models.Entity, identifiers []models.Identifier, source *models.SourceRecord) (*models.Entity, error)
}

// IdentifierIndex is the identifier repository surface the resolver uses
type IdentifierIndex interface {
	LookupMany(ctx context.Context, kind models.EntityKind, lookups []identifier.Lookup) ([]models.Identifier, error)
	FindOwner(ctx context.Context, idType models.IdentifierType, value string) (*models.Identifier, error)
	InsertIgnoreConflict(ctx context.Context, identifier *models.Identifier) (bool, error)
}

// CanonicalResolver walks tombstone chains to the surviving record
type CanonicalResolver interface {
	CanonicalID(ctx context.Context, id string) (string, error)
}

// SourceRecordStore links upstream records to entities
type SourceRecordStore interface {
	GetBySource(ctx context.Context, sourceSystem, sourceRecordID string) (*models.SourceRecord, error)
	Upsert(ctx context.Context, record *models.SourceRecord) (*models.SourceRecord, error)
}

// DiscrepancyRecorder stores identifier conflicts for review
type DiscrepancyRecorder interface {
	Record(ctx context.Context, d *models.Discrepancy) (*models.Discrepancy, error)
}

// GeocodeEnqueuer schedules newly created places for geocoding
type GeocodeEnqueuer interface {
	Enqueue(ctx context.Context, placeID string) error
}

// Resolver performs find-or-create resolution over the identifier index
type Resolver struct {
	db            database.DB
	entities      EntityStore
	identifiers   IdentifierIndex
	canonical     CanonicalResolver
	sourceRecords SourceRecordStore
	discrepancies DiscrepancyRecorder
	geocode       GeocodeEnqueuer
	logger        ectologger.Logger
}

// NewResolver creates a new resolver
func NewResolver(
	db database.DB,
	entities EntityStore,
	identifiers IdentifierIndex,
	canonical CanonicalResolver,
	sourceRecords SourceRecordStore,
	discrepancies DiscrepancyRecorder,
	geocode GeocodeEnqueuer,
	logger ectologger.Logger,
) *Resolver {
	return &Resolver{
		db:            db,
		entities:      entities,
		identifiers:   identifiers,
		canonical:     canonical,
		sourceRecords: sourceRecords,
		discrepancies: discrepancies,
		geocode:       geocode,
		logger:        logger,
	}
}

// Resolve maps an attribute bundle to a canonical entity id, creating the
// entity when nothing matches. Conflicting identifier hits never auto-merge:
// the highest-precedence identifier picks the winner and a discrepancy row
// is left for review.
func (r *Resolver) Resolve(ctx context.Context, bundle models.AttributeBundle) (*models.ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Resolve")
	defer span.End()

	start := time.Now()
	result, err := r.resolve(ctx, bundle)
	if err != nil {
		metrics.RecordResolve(string(bundle.Kind), "error", time.Since(start).Seconds())
		return nil, err
	}

	outcome := "matched"
	if result.Created {
		outcome = "created"
	}
	if result.Discrepancy {
		outcome = "discrepancy"
	}
	metrics.RecordResolve(string(bundle.Kind), outcome, time.Since(start).Seconds())
	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, bundle models.AttributeBundle) (*models.ResolveResult, error) {
	if !bundle.Kind.Valid() {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "unknown entity kind")
	}
	if bundle.SourceSystem == "" || bundle.SourceRecordID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "source_system and source_record_id are required")
	}

	idents := deriveIdentifiers(bundle)

	// An exact re-ingest of a known record short-circuits the index probe.
	existing, err := r.sourceRecords.GetBySource(ctx, bundle.SourceSystem, bundle.SourceRecordID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		canonicalID, err := r.canonical.CanonicalID(ctx, existing.EntityID)
		if err != nil {
			return nil, err
		}
		// A re-ingest may carry identifiers the first ingest lacked.
		r.attachNewIdentifiers(ctx, canonicalID, idents, nil)
		if err := r.upsertSourceRecord(ctx, bundle, canonicalID); err != nil {
			return nil, err
		}
		return &models.ResolveResult{EntityID: canonicalID}, nil
	}

	lookups := make([]identifier.Lookup, 0, len(idents))
	for _, ident := range idents {
		lookups = append(lookups, identifier.Lookup{IDType: ident.IDType, Value: ident.NormalizedValue})
	}

	hits, err := r.identifiers.LookupMany(ctx, bundle.Kind, lookups)
	if err != nil {
		return nil, err
	}

	if len(hits) > 0 {
		return r.resolveHits(ctx, bundle, idents, hits)
	}

	return r.create(ctx, bundle, idents)
}

// candidate groups index hits by the canonical entity they resolve to
type candidate struct {
	canonicalID string
	bestType    models.IdentifierType
	hits        []models.Identifier
}

// resolveHits canonicalizes every index hit and picks the winner. Multiple
// distinct canonical ids is a conflict: precedence decides, review cleans up.
// Identifiers the bundle supplied that the index didn't know yet are attached
// to the winner, so a later resolve on any of them alone finds the same
// entity.
func (r *Resolver) resolveHits(ctx context.Context, bundle models.AttributeBundle, idents []models.Identifier, hits []models.Identifier) (*models.ResolveResult, error) {
	byCanonical := map[string]*candidate{}
	order := []string{}
	for _, hit := range hits {
		canonicalID, err := r.canonical.CanonicalID(ctx, hit.EntityID)
		if err != nil {
			return nil, err
		}
		c, ok := byCanonical[canonicalID]
		if !ok {
			c = &candidate{canonicalID: canonicalID, bestType: hit.IDType}
			byCanonical[canonicalID] = c
			order = append(order, canonicalID)
		}
		if hit.IDType.Priority() > c.bestType.Priority() {
			c.bestType = hit.IDType
		}
		c.hits = append(c.hits, hit)
	}

	winner := byCanonical[order[0]]
	for _, id := range order[1:] {
		if byCanonical[id].bestType.Priority() > winner.bestType.Priority() {
			winner = byCanonical[id]
		}
	}

	discrepancy := len(order) > 1
	if discrepancy {
		r.recordDiscrepancy(ctx, bundle, winner.canonicalID, byCanonical, order)
	}

	r.attachNewIdentifiers(ctx, winner.canonicalID, idents, hits)

	if err := r.upsertSourceRecord(ctx, bundle, winner.canonicalID); err != nil {
		return nil, err
	}

	return &models.ResolveResult{EntityID: winner.canonicalID, Discrepancy: discrepancy}, nil
}

// attachNewIdentifiers indexes the bundle identifiers that produced no hit
// against the winning entity. The conflict-ignoring insert keeps this
// idempotent and lets an existing high-trust owner win any race. Best-effort:
// the match already succeeded, and the next ingest of this record retries.
func (r *Resolver) attachNewIdentifiers(ctx context.Context, entityID string, idents []models.Identifier, hits []models.Identifier) {
	known := make(map[string]bool, len(hits))
	for _, hit := range hits {
		known[string(hit.IDType)+"|"+hit.NormalizedValue] = true
	}

	for _, ident := range idents {
		if known[string(ident.IDType)+"|"+ident.NormalizedValue] {
			continue
		}
		ident.EntityID = entityID
		inserted, err := r.identifiers.InsertIgnoreConflict(ctx, &ident)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_id": entityID,
				"id_type":   ident.IDType,
			}).Warn("Failed to attach identifier to matched entity")
			continue
		}
		if inserted {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"entity_id": entityID,
				"id_type":   ident.IDType,
			}).Info("Attached new identifier to matched entity")
		}
	}
}

// create inserts the entity, its identifiers, and the source link in one
// transaction. Losing a unique-violation race to a concurrent writer is
// recovered by re-reading the winner; the caller never sees the race.
func (r *Resolver) create(ctx context.Context, bundle models.AttributeBundle, idents []models.Identifier) (*models.ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.create")
	defer span.End()

	data, quality := buildData(bundle)
	payload, _ := json.Marshal(bundle.Attributes)
	fp := fingerprint.Generate(dataMap(bundle))

	entity := &models.Entity{
		Kind:        bundle.Kind,
		DisplayName: displayName(bundle),
		Data:        data,
		DataQuality: quality,
	}
	source := &models.SourceRecord{
		SourceSystem:   bundle.SourceSystem,
		SourceRecordID: bundle.SourceRecordID,
		Fingerprint:    fp,
		Payload:        payload,
	}

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	created, err := r.entities.CreateResolved(ctxTx, entity, idents, source)
	if err != nil {
		if identifier.IsUniqueViolation(err) {
			_ = tx.Rollback(ctxTx)
			return r.resolveRace(ctx, bundle, idents)
		}
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit entity creation")
	}

	// Geocoding is queued outside the transaction and is best-effort: a new
	// place must resolve even when the geocode queue is unavailable.
	if bundle.Kind == models.EntityKindPlace {
		if err := r.geocode.Enqueue(ctx, created.ID); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"place_id": created.ID,
			}).Warn("Failed to enqueue geocode for new place")
		}
	}

	return &models.ResolveResult{EntityID: created.ID, Created: true}, nil
}

// resolveRace re-reads the identifier index after losing an insert race.
// Some concurrent writer just indexed one of our identifiers; its entity is
// the answer. Only high-trust types carry uniqueness constraints (shared
// phones and addresses insert freely), so only those can have collided.
func (r *Resolver) resolveRace(ctx context.Context, bundle models.AttributeBundle, idents []models.Identifier) (*models.ResolveResult, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.resolveRace")
	defer span.End()

	for _, ident := range idents {
		if !ident.IDType.HighTrust() {
			continue
		}
		owner, err := r.identifiers.FindOwner(ctx, ident.IDType, ident.NormalizedValue)
		if err != nil {
			return nil, err
		}
		if owner == nil {
			continue
		}
		canonicalID, err := r.canonical.CanonicalID(ctx, owner.EntityID)
		if err != nil {
			return nil, err
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_id": canonicalID,
			"id_type":   ident.IDType,
		}).Info("Resolved create race to concurrent winner")
		r.attachNewIdentifiers(ctx, canonicalID, idents, nil)
		if err := r.upsertSourceRecord(ctx, bundle, canonicalID); err != nil {
			return nil, err
		}
		return &models.ResolveResult{EntityID: canonicalID}, nil
	}

	return nil, httperror.NewHTTPError(http.StatusConflict, "identifier conflict during creation could not be resolved")
}

func (r *Resolver) upsertSourceRecord(ctx context.Context, bundle models.AttributeBundle, entityID string) error {
	payload, _ := json.Marshal(bundle.Attributes)
	_, err := r.sourceRecords.Upsert(ctx, &models.SourceRecord{
		EntityID:       entityID,
		SourceSystem:   bundle.SourceSystem,
		SourceRecordID: bundle.SourceRecordID,
		Fingerprint:    fingerprint.Generate(dataMap(bundle)),
		Payload:        payload,
	})
	return err
}

// recordDiscrepancy is best-effort; a review-queue write failure must not
// fail resolution.
func (r *Resolver) recordDiscrepancy(ctx context.Context, bundle models.AttributeBundle, chosenID string, byCanonical map[string]*candidate, order []string) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.recordDiscrepancy")
	defer span.End()

	candidates := make([]models.DiscrepancyCandidate, 0, len(order))
	for _, id := range order {
		c := byCanonical[id]
		for _, hit := range c.hits {
			candidates = append(candidates, models.DiscrepancyCandidate{
				IDType:      hit.IDType,
				Value:       hit.NormalizedValue,
				EntityID:    hit.EntityID,
				CanonicalID: c.canonicalID,
				Priority:    hit.IDType.Priority(),
			})
		}
	}

	serialized, err := json.Marshal(candidates)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to serialize discrepancy candidates")
		return
	}

	if _, err := r.discrepancies.Record(ctx, &models.Discrepancy{
		Kind:           bundle.Kind,
		ChosenEntityID: chosenID,
		Candidates:     serialized,
		SourceSystem:   bundle.SourceSystem,
		SourceRecordID: bundle.SourceRecordID,
	}); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to record discrepancy; resolution continues")
		return
	}

	metrics.DiscrepanciesTotal.WithLabelValues(string(bundle.Kind)).Inc()
}
