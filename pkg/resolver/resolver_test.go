package resolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorrelhq/sorrel/internal/repositories/identifier"
	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/models"
)

type fakeTx struct{}

func (f *fakeTx) IsOpen() bool                       { return true }
func (f *fakeTx) Commit(ctx context.Context) error   { return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { return nil }
func (f *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, nil
}
func (f *fakeTx) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (f *fakeTx) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return nil
}
func (f *fakeTx) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	return nil
}

type fakeDB struct {
	database.DB
}

func (f *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &fakeTx{}, nil
}

type fakeEntityStore struct {
	created   []*models.Entity
	createErr error
	nextID    int
}

func (f *fakeEntityStore) CreateResolved(ctx context.Context, entity *models.Entity, identifiers []models.Identifier, source *models.SourceRecord) (*models.Entity, error) {
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return nil, err
	}
	f.nextID++
	entity.ID = fmt.Sprintf("entity-%d", f.nextID)
	f.created = append(f.created, entity)
	return entity, nil
}

type fakeIndex struct {
	rows     []models.Identifier
	inserted []models.Identifier
}

func (f *fakeIndex) LookupMany(ctx context.Context, kind models.EntityKind, lookups []identifier.Lookup) ([]models.Identifier, error) {
	var hits []models.Identifier
	for _, row := range f.rows {
		for _, lookup := range lookups {
			if row.IDType == lookup.IDType && row.NormalizedValue == lookup.Value {
				hits = append(hits, row)
			}
		}
	}
	return hits, nil
}

func (f *fakeIndex) FindOwner(ctx context.Context, idType models.IdentifierType, value string) (*models.Identifier, error) {
	for _, row := range f.rows {
		if row.IDType == idType && row.NormalizedValue == value {
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeIndex) InsertIgnoreConflict(ctx context.Context, ident *models.Identifier) (bool, error) {
	for _, row := range f.rows {
		if row.IDType != ident.IDType || row.NormalizedValue != ident.NormalizedValue {
			continue
		}
		if row.EntityID == ident.EntityID || ident.IDType.HighTrust() {
			return false, nil
		}
	}
	f.rows = append(f.rows, *ident)
	f.inserted = append(f.inserted, *ident)
	return true, nil
}

type passthroughCanonical struct{}

func (passthroughCanonical) CanonicalID(ctx context.Context, id string) (string, error) {
	return id, nil
}

type fakeSourceRecords struct {
	bySource map[string]*models.SourceRecord
	upserted []*models.SourceRecord
}

func newFakeSourceRecords() *fakeSourceRecords {
	return &fakeSourceRecords{bySource: make(map[string]*models.SourceRecord)}
}

func (f *fakeSourceRecords) GetBySource(ctx context.Context, sourceSystem, sourceRecordID string) (*models.SourceRecord, error) {
	return f.bySource[sourceSystem+"|"+sourceRecordID], nil
}

func (f *fakeSourceRecords) Upsert(ctx context.Context, record *models.SourceRecord) (*models.SourceRecord, error) {
	f.bySource[record.SourceSystem+"|"+record.SourceRecordID] = record
	f.upserted = append(f.upserted, record)
	return record, nil
}

type fakeDiscrepancies struct {
	recorded []*models.Discrepancy
}

func (f *fakeDiscrepancies) Record(ctx context.Context, d *models.Discrepancy) (*models.Discrepancy, error) {
	f.recorded = append(f.recorded, d)
	return d, nil
}

type fakeGeocode struct {
	enqueued []string
	err      error
}

func (f *fakeGeocode) Enqueue(ctx context.Context, placeID string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, placeID)
	return nil
}

type resolverFixture struct {
	resolver      *Resolver
	entities      *fakeEntityStore
	index         *fakeIndex
	sourceRecords *fakeSourceRecords
	discrepancies *fakeDiscrepancies
	geocode       *fakeGeocode
}

func newResolverFixture() *resolverFixture {
	entities := &fakeEntityStore{}
	index := &fakeIndex{}
	sourceRecords := newFakeSourceRecords()
	discrepancies := &fakeDiscrepancies{}
	geocode := &fakeGeocode{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	return &resolverFixture{
		resolver:      NewResolver(&fakeDB{}, entities, index, passthroughCanonical{}, sourceRecords, discrepancies, geocode, logger),
		entities:      entities,
		index:         index,
		sourceRecords: sourceRecords,
		discrepancies: discrepancies,
		geocode:       geocode,
	}
}

func personBundle() models.AttributeBundle {
	return models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Name:           "Jane Doe",
		Email:          "Jane@Example.com",
		Phone:          "(555) 123-4567",
	}
}

func TestResolve_CreatesWhenNoMatch(t *testing.T) {
	f := newResolverFixture()

	result, err := f.resolver.Resolve(context.Background(), personBundle())
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.False(t, result.Discrepancy)
	require.Len(t, f.entities.created, 1)
	assert.Equal(t, "Jane Doe", f.entities.created[0].DisplayName)
}

func TestResolve_MatchesExistingByIdentifier(t *testing.T) {
	f := newResolverFixture()
	f.index.rows = []models.Identifier{
		{EntityID: "existing", IDType: models.IdentifierTypeEmail, NormalizedValue: "jane@example.com"},
	}

	result, err := f.resolver.Resolve(context.Background(), personBundle())
	require.NoError(t, err)

	assert.Equal(t, "existing", result.EntityID)
	assert.False(t, result.Created)
	assert.Empty(t, f.entities.created)
	require.Len(t, f.sourceRecords.upserted, 1)
	assert.Equal(t, "existing", f.sourceRecords.upserted[0].EntityID)
}

func TestResolve_MatchedResolveAttachesNewIdentifiers(t *testing.T) {
	f := newResolverFixture()
	f.index.rows = []models.Identifier{
		{EntityID: "p1", IDType: models.IdentifierTypeEmail, NormalizedValue: "jane@example.com"},
	}

	result, err := f.resolver.Resolve(context.Background(), personBundle())
	require.NoError(t, err)
	assert.Equal(t, "p1", result.EntityID)

	require.Len(t, f.index.inserted, 1, "the phone the index had not seen is attached")
	attached := f.index.inserted[0]
	assert.Equal(t, models.IdentifierTypePhone, attached.IDType)
	assert.Equal(t, "5551234567", attached.NormalizedValue)
	assert.Equal(t, "p1", attached.EntityID)

	// A later bundle carrying only the phone lands on the same entity
	// instead of minting a duplicate.
	followUp, err := f.resolver.Resolve(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "petpoint",
		SourceRecordID: "pp-7",
		Phone:          "555-123-4567",
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", followUp.EntityID)
	assert.False(t, followUp.Created)
	assert.Empty(t, f.entities.created)
}

func TestResolve_MatchedResolveIsIdempotentOnKnownIdentifiers(t *testing.T) {
	f := newResolverFixture()
	f.index.rows = []models.Identifier{
		{EntityID: "p1", IDType: models.IdentifierTypeEmail, NormalizedValue: "jane@example.com"},
		{EntityID: "p1", IDType: models.IdentifierTypePhone, NormalizedValue: "5551234567"},
	}

	result, err := f.resolver.Resolve(context.Background(), personBundle())
	require.NoError(t, err)
	assert.Equal(t, "p1", result.EntityID)
	assert.Empty(t, f.index.inserted, "nothing new to attach")
}

func TestResolve_KnownSourceRecordShortCircuits(t *testing.T) {
	f := newResolverFixture()
	f.sourceRecords.bySource["shelterluv|sl-1"] = &models.SourceRecord{
		EntityID:       "existing",
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
	}
	// The index would say otherwise; the source link wins without probing.
	f.index.rows = []models.Identifier{
		{EntityID: "other", IDType: models.IdentifierTypeEmail, NormalizedValue: "jane@example.com"},
	}

	result, err := f.resolver.Resolve(context.Background(), personBundle())
	require.NoError(t, err)
	assert.Equal(t, "existing", result.EntityID)
	assert.False(t, result.Created)
}

func TestResolve_ConflictingHitsPickByPrecedence(t *testing.T) {
	f := newResolverFixture()
	f.index.rows = []models.Identifier{
		{EntityID: "by-phone", IDType: models.IdentifierTypePhone, NormalizedValue: "5551234567"},
		{EntityID: "by-email", IDType: models.IdentifierTypeEmail, NormalizedValue: "jane@example.com"},
	}

	result, err := f.resolver.Resolve(context.Background(), personBundle())
	require.NoError(t, err)

	assert.Equal(t, "by-email", result.EntityID, "email outranks phone")
	assert.True(t, result.Discrepancy)
	assert.False(t, result.Created, "conflicts never auto-merge")

	require.Len(t, f.discrepancies.recorded, 1)
	d := f.discrepancies.recorded[0]
	assert.Equal(t, "by-email", d.ChosenEntityID)

	var candidates []models.DiscrepancyCandidate
	require.NoError(t, json.Unmarshal(d.Candidates, &candidates))
	assert.Len(t, candidates, 2)
}

func TestResolve_AgreeingHitsAreNotADiscrepancy(t *testing.T) {
	f := newResolverFixture()
	f.index.rows = []models.Identifier{
		{EntityID: "existing", IDType: models.IdentifierTypePhone, NormalizedValue: "5551234567"},
		{EntityID: "existing", IDType: models.IdentifierTypeEmail, NormalizedValue: "jane@example.com"},
	}

	result, err := f.resolver.Resolve(context.Background(), personBundle())
	require.NoError(t, err)
	assert.False(t, result.Discrepancy)
	assert.Empty(t, f.discrepancies.recorded)
}

func TestResolve_CreateRaceRecovers(t *testing.T) {
	f := newResolverFixture()
	f.entities.createErr = &pq.Error{Code: "23505"}
	// The concurrent winner indexed our email while we were inserting.
	f.index.rows = []models.Identifier{
		{EntityID: "winner", IDType: models.IdentifierTypeEmail, NormalizedValue: "jane@example.com"},
	}

	bundle := personBundle()
	result, err := resolveSkippingFirstLookup(f, bundle)
	require.NoError(t, err)

	assert.Equal(t, "winner", result.EntityID)
	assert.False(t, result.Created)
}

// resolveSkippingFirstLookup drives the create-race path: the initial index
// probe sees nothing, the insert loses the unique race, and the re-read finds
// the winner.
func resolveSkippingFirstLookup(f *resolverFixture, bundle models.AttributeBundle) (*models.ResolveResult, error) {
	rows := f.index.rows
	f.index.rows = nil
	racing := &racingIndex{inner: f.index, winner: rows}
	f.resolver.identifiers = racing
	return f.resolver.Resolve(context.Background(), bundle)
}

// racingIndex returns no hits on LookupMany (pre-race view) but serves the
// winner's rows on FindOwner (post-race view).
type racingIndex struct {
	inner  *fakeIndex
	winner []models.Identifier
}

func (r *racingIndex) LookupMany(ctx context.Context, kind models.EntityKind, lookups []identifier.Lookup) ([]models.Identifier, error) {
	return nil, nil
}

func (r *racingIndex) FindOwner(ctx context.Context, idType models.IdentifierType, value string) (*models.Identifier, error) {
	for _, row := range r.winner {
		if row.IDType == idType && row.NormalizedValue == value {
			return &row, nil
		}
	}
	return nil, nil
}

func (r *racingIndex) InsertIgnoreConflict(ctx context.Context, ident *models.Identifier) (bool, error) {
	return r.inner.InsertIgnoreConflict(ctx, ident)
}

func TestResolve_NewPlaceEnqueuesGeocode(t *testing.T) {
	f := newResolverFixture()

	result, err := f.resolver.Resolve(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPlace,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-9",
		Address:        "123 Main Street",
	})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, []string{result.EntityID}, f.geocode.enqueued)
}

func TestResolve_GeocodeEnqueueFailureIsNonFatal(t *testing.T) {
	f := newResolverFixture()
	f.geocode.err = errors.New("queue unavailable")

	result, err := f.resolver.Resolve(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPlace,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-9",
		Address:        "123 Main Street",
	})
	require.NoError(t, err)
	assert.True(t, result.Created)
}

func TestResolve_ValidatesInput(t *testing.T) {
	f := newResolverFixture()

	_, err := f.resolver.Resolve(context.Background(), models.AttributeBundle{
		Kind:           "spaceship",
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
	})
	assert.Error(t, err)

	_, err = f.resolver.Resolve(context.Background(), models.AttributeBundle{
		Kind: models.EntityKindPerson,
	})
	assert.Error(t, err)
}

func TestDeriveIdentifiers(t *testing.T) {
	idents := deriveIdentifiers(models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Email:          "Jane@Example.com",
		Phone:          "(555) 123-4567",
		ExternalID:     "ext-9",
	})

	byType := map[models.IdentifierType]string{}
	for _, ident := range idents {
		byType[ident.IDType] = ident.NormalizedValue
	}
	assert.Equal(t, "jane@example.com", byType[models.IdentifierTypeEmail])
	assert.Equal(t, "5551234567", byType[models.IdentifierTypePhone])
	assert.Equal(t, "shelterluv:ext-9", byType[models.IdentifierTypeExternalSystemID],
		"external ids are scoped to their source system")

	for _, ident := range idents {
		assert.Equal(t, ident.IDType.DefaultConfidence(), ident.Confidence)
	}
}

func TestBuildDataQuality(t *testing.T) {
	_, quality := buildData(models.AttributeBundle{
		Kind:  models.EntityKindPerson,
		Name:  "Jane Doe",
		Email: "jane@example.com",
	})
	require.NotNil(t, quality)
	assert.InDelta(t, 0.5, *quality, 0.001, "two of four core person fields present")
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Jane", displayName(models.AttributeBundle{Name: "Jane"}))
	assert.Equal(t, "123 Main St", displayName(models.AttributeBundle{
		Kind:    models.EntityKindPlace,
		Address: "123 Main St",
	}))
	assert.Equal(t, "jane@example.com", displayName(models.AttributeBundle{Email: "jane@example.com"}))
	assert.Equal(t, "shelterluv/sl-1", displayName(models.AttributeBundle{
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
	}))
}
