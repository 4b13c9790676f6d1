package matching

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
	end := start + limit
	if end > len(f.entities) {
		end = len(f.entities)
	}
	if start >= len(f.entities) {
		return nil, nil
	}
	return f.entities[start:end], nil
}

type fakeCandidates struct {
	upserted []*models.MatchCandidate
}

func (f *fakeCandidates) Upsert(ctx context.Context, candidate *models.MatchCandidate) (*models.MatchCandidate, error) {
	candidate.Status = models.MatchCandidateStatusPending
	f.upserted = append(f.upserted, candidate)
	return candidate, nil
}

func person(id string, data string) models.Entity {
	return models.Entity{ID: id, Kind: models.EntityKindPerson, Data: json.RawMessage(data)}
}

func newTestFinder(lister *fakeLister, store *fakeCandidates) *Finder {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewFinder(lister, store, FinderConfig{PageSize: 2}, logger)
}

func TestFindCandidates_ExactPhoneTier(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("e1", `{"name": "Janet Doe", "phone": "(555) 123-4567"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Name:           "Jane Doe",
		Phone:          "555-123-4567",
	}, "new-entity")
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 1.0, results[0].Score)

	var evidence models.MatchEvidence
	require.NoError(t, json.Unmarshal(results[0].Evidence, &evidence))
	assert.Equal(t, models.MatchTierExactPhone, evidence.Tier)
}

func TestFindCandidates_ExactEmailTier(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("e1", `{"name": "Janet Doe", "email": "Jane@Example.com"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Email:          "jane@example.com",
	}, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.98, results[0].Score)
}

func TestFindCandidates_NamePhoneAreaTier(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("e1", `{"name": "Jon Smith", "phone": "5559990000"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Name:           "John Smith",
		Phone:          "5551112222",
	}, "")
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.GreaterOrEqual(t, results[0].Score, 0.85)
	assert.Less(t, results[0].Score, 0.98)

	var evidence models.MatchEvidence
	require.NoError(t, json.Unmarshal(results[0].Evidence, &evidence))
	assert.Equal(t, models.MatchTierNamePhone, evidence.Tier)
	require.NotNil(t, evidence.NameSimilarity)
}

func TestFindCandidates_NameOnlyTier(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("e1", `{"name": "John Smith"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Name:           "Jon Smith",
	}, "")
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.GreaterOrEqual(t, results[0].Score, 0.5)
	assert.LessOrEqual(t, results[0].Score, 0.8)
}

func TestFindCandidates_DissimilarNameSkipped(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("e1", `{"name": "Wanda Maximoff"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Name:           "John Smith",
	}, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFindCandidates_ExcludesResolvedEntity(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("self", `{"name": "Jane Doe", "phone": "5551234567"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Phone:          "5551234567",
	}, "self")
	require.NoError(t, err)
	assert.Empty(t, results, "a record is never a candidate for itself")
}

func TestFindCandidates_TopNStrongestKept(t *testing.T) {
	entities := []models.Entity{
		person("exact", `{"phone": "5551234567"}`),
		person("email", `{"email": "jane@example.com"}`),
		person("n1", `{"name": "Jane Doe"}`),
		person("n2", `{"name": "Jane Dow"}`),
		person("n3", `{"name": "Jane Doh"}`),
		person("n4", `{"name": "Jayne Doe"}`),
		person("n5", `{"name": "Jane Does"}`),
	}
	lister := &fakeLister{entities: entities}
	store := &fakeCandidates{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	f := NewFinder(lister, store, FinderConfig{TopN: 3, PageSize: 2}, logger)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Name:           "Jane Doe",
		Email:          "jane@example.com",
		Phone:          "5551234567",
	}, "")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "exact", results[0].EntityID)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, "email", results[1].EntityID)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestFindCandidates_NonPersonIsNoop(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("e1", `{"name": "Bella"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindAnimal,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
		Name:           "Bella",
	}, "")
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Empty(t, store.upserted)
}

func TestFindCandidates_EmptyBundleIsNoop(t *testing.T) {
	lister := &fakeLister{entities: []models.Entity{
		person("e1", `{"name": "Jane"}`),
	}}
	store := &fakeCandidates{}
	f := newTestFinder(lister, store)

	results, err := f.FindCandidates(context.Background(), models.AttributeBundle{
		Kind:           models.EntityKindPerson,
		SourceSystem:   "shelterluv",
		SourceRecordID: "sl-1",
	}, "")
	require.NoError(t, err)
	assert.Nil(t, results)
}
