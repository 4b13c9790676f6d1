package canonical

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorrelhq/sorrel/pkg/models"
)

type fakeStore struct {
	entities    map[string]*models.Entity
	compressed  map[string]string
	compressErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:   make(map[string]*models.Entity),
		compressed: make(map[string]string),
	}
}

func (f *fakeStore) add(id string, mergedInto *string) {
	f.entities[id] = &models.Entity{ID: id, Kind: models.EntityKindPerson, MergedInto: mergedInto}
}

func (f *fakeStore) Get(ctx context.Context, id string) (*models.Entity, error) {
	entity, ok := f.entities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return entity, nil
}

func (f *fakeStore) CompressPointer(ctx context.Context, id, canonicalID string) error {
	if f.compressErr != nil {
		return f.compressErr
	}
	f.compressed[id] = canonicalID
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func strPtr(s string) *string { return &s }

func TestCanonicalOf_LiveEntity(t *testing.T) {
	store := newFakeStore()
	store.add("a", nil)
	r := NewResolver(store, testLogger())

	entity, err := r.CanonicalOf(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", entity.ID)
	assert.Empty(t, store.compressed, "live lookups never rewrite pointers")
}

func TestCanonicalOf_SingleHop(t *testing.T) {
	store := newFakeStore()
	store.add("b", nil)
	store.add("a", strPtr("b"))
	r := NewResolver(store, testLogger())

	entity, err := r.CanonicalOf(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "b", entity.ID)
	assert.Empty(t, store.compressed, "one hop chains are already flat")
}

func TestCanonicalOf_MultiHopCompresses(t *testing.T) {
	store := newFakeStore()
	store.add("c", nil)
	store.add("b", strPtr("c"))
	store.add("a", strPtr("b"))
	r := NewResolver(store, testLogger())

	entity, err := r.CanonicalOf(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "c", entity.ID)
	assert.Equal(t, map[string]string{"a": "c"}, store.compressed)
}

func TestCanonicalOf_CompressionFailureIsNonFatal(t *testing.T) {
	store := newFakeStore()
	store.add("c", nil)
	store.add("b", strPtr("c"))
	store.add("a", strPtr("b"))
	store.compressErr = errors.New("write failed")
	r := NewResolver(store, testLogger())

	entity, err := r.CanonicalOf(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "c", entity.ID)
}

func TestCanonicalOf_CycleFailsLoudly(t *testing.T) {
	store := newFakeStore()
	store.add("a", strPtr("b"))
	store.add("b", strPtr("a"))
	r := NewResolver(store, testLogger())

	_, err := r.CanonicalOf(context.Background(), "a")
	assert.Error(t, err)
}

func TestCanonicalID(t *testing.T) {
	store := newFakeStore()
	store.add("b", nil)
	store.add("a", strPtr("b"))
	r := NewResolver(store, testLogger())

	id, err := r.CanonicalID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}
