package backfill

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorrelhq/sorrel/pkg/models"
)

type fakeLister struct {
	entities []models.Entity
}

func (f *fakeLister) ListCanonicalByKind(ctx context.Context, kind models.EntityKind, afterID string, limit int) ([]models.Entity, error) {
	start := 0
	if afterID != "" {
		for i, e := range f.entities {
			if e.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	if start >= len(f.entities) {
		return nil, nil
	}
	end := start + limit
	if end > len(f.entities) {
		end = len(f.entities)
	}
	return f.entities[start:end], nil
}

type fakeWriter struct {
	existing map[string]bool
	inserted []models.Identifier
}

func newFakeWriter(existingKeys ...string) *fakeWriter {
	existing := make(map[string]bool)
	for _, key := range existingKeys {
		existing[key] = true
	}
	return &fakeWriter{existing: existing}
}

func (f *fakeWriter) InsertIgnoreConflict(ctx context.Context, identifier *models.Identifier) (bool, error) {
	key := string(identifier.IDType) + "|" + identifier.NormalizedValue
	if f.existing[key] {
		return false, nil
	}
	f.existing[key] = true
	f.inserted = append(f.inserted, *identifier)
	return true, nil
}

type fakeSources struct {
	records map[string][]models.SourceRecord
}

func (f *fakeSources) ListForEntity(ctx context.Context, entityID string) ([]models.SourceRecord, error) {
	return f.records[entityID], nil
}

func newTestRunner(lister *fakeLister, writer *fakeWriter, sources *fakeSources) *Runner {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewRunner(lister, writer, sources, 2, logger)
}

func TestRun_DerivesPersonIdentifiers(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		{ID: "p1", Kind: models.EntityKindPerson, Data: json.RawMessage(`{"email": "Jane@Example.com", "phone": "(555) 123-4567"}`)},
	}}
	writer := newFakeWriter()
	sources := &fakeSources{records: map[string][]models.SourceRecord{}}

	result, err := newTestRunner(lister, writer, sources).Run(context.Background(), models.EntityKindPerson)
	require.NoError(t, err)

	assert.Equal(t, 1, result.EntitiesScanned)
	assert.Equal(t, 2, result.IdentifiersWritten)

	byType := map[models.IdentifierType]string{}
	for _, ident := range writer.inserted {
		byType[ident.IDType] = ident.NormalizedValue
	}
	assert.Equal(t, "jane@example.com", byType[models.IdentifierTypeEmail])
	assert.Equal(t, "5551234567", byType[models.IdentifierTypePhone])
}

func TestRun_DerivesExternalSystemIDs(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		{ID: "a1", Kind: models.EntityKindAnimal, Data: json.RawMessage(`{"microchip": "985112345678903"}`)},
	}}
	writer := newFakeWriter()
	sources := &fakeSources{records: map[string][]models.SourceRecord{
		"a1": {
			{EntityID: "a1", SourceSystem: "shelterluv", SourceRecordID: "sl-42"},
		},
	}}

	result, err := newTestRunner(lister, writer, sources).Run(context.Background(), models.EntityKindAnimal)
	require.NoError(t, err)
	assert.Equal(t, 2, result.IdentifiersWritten)

	found := false
	for _, ident := range writer.inserted {
		if ident.IDType == models.IdentifierTypeExternalSystemID {
			found = true
			assert.Equal(t, "shelterluv:sl-42", ident.NormalizedValue)
		}
	}
	assert.True(t, found)
}

func TestRun_Rerunnable(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		{ID: "p1", Kind: models.EntityKindPerson, Data: json.RawMessage(`{"email": "jane@example.com"}`)},
	}}
	writer := newFakeWriter("email|jane@example.com")
	sources := &fakeSources{records: map[string][]models.SourceRecord{}}

	result, err := newTestRunner(lister, writer, sources).Run(context.Background(), models.EntityKindPerson)
	require.NoError(t, err)

	assert.Equal(t, 1, result.EntitiesScanned)
	assert.Equal(t, 0, result.IdentifiersWritten, "existing rows are left alone")
}

func TestRun_SkipsUnusableValues(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		{ID: "a1", Kind: models.EntityKindAnimal, Data: json.RawMessage(`{"microchip": "1234"}`)},
	}}
	writer := newFakeWriter()
	sources := &fakeSources{records: map[string][]models.SourceRecord{}}

	result, err := newTestRunner(lister, writer, sources).Run(context.Background(), models.EntityKindAnimal)
	require.NoError(t, err)
	assert.Equal(t, 0, result.IdentifiersWritten, "partial chip reads are not indexed")
}

func TestRun_PagesThroughAllEntities(t *testing.T) {
	var entities []models.Entity
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		entities = append(entities, models.Entity{
			ID:   id,
			Kind: models.EntityKindPerson,
			Data: json.RawMessage(`{"email": "` + id + `@example.com"}`),
		})
	}
	lister := &fakeLister{entities: entities}
	writer := newFakeWriter()
	sources := &fakeSources{records: map[string][]models.SourceRecord{}}

	result, err := newTestRunner(lister, writer, sources).Run(context.Background(), models.EntityKindPerson)
	require.NoError(t, err)
	assert.Equal(t, 5, result.EntitiesScanned)
	assert.Equal(t, 5, result.IdentifiersWritten)
}
