package merging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/models"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (f *fakeTx) IsOpen() bool                       { return !f.committed && !f.rolledBack }
func (f *fakeTx) Commit(ctx context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { f.rolledBack = true; return nil }
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
	tx *fakeTx
}

func (f *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	f.tx = &fakeTx{}
	return ctx, f.tx, nil
}

type fakeEntities struct {
	entities   map[string]*models.Entity
	tombstoned map[string]string
	updated    map[string]json.RawMessage
	repointed  [][2]string
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{
		entities:   make(map[string]*models.Entity),
		tombstoned: make(map[string]string),
		updated:    make(map[string]json.RawMessage),
	}
}

func (f *fakeEntities) add(id string, kind models.EntityKind, data string) {
	f.entities[id] = &models.Entity{ID: id, Kind: kind, Data: json.RawMessage(data)}
}

func (f *fakeEntities) Get(ctx context.Context, id string) (*models.Entity, error) {
	entity, ok := f.entities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return entity, nil
}

func (f *fakeEntities) UpdateData(ctx context.Context, id string, displayName string, data json.RawMessage) error {
	f.updated[id] = data
	return nil
}

func (f *fakeEntities) Tombstone(ctx context.Context, removeID, keepID, reason string) (bool, error) {
	if _, claimed := f.tombstoned[removeID]; claimed {
		return false, nil
	}
	f.tombstoned[removeID] = keepID
	return true, nil
}

func (f *fakeEntities) RepointTombstones(ctx context.Context, oldTarget, newTarget string) (int64, error) {
	f.repointed = append(f.repointed, [2]string{oldTarget, newTarget})
	return 0, nil
}

type fakeCanonical struct {
	entities *fakeEntities
}

func (f *fakeCanonical) CanonicalOf(ctx context.Context, id string) (*models.Entity, error) {
	entity, err := f.entities.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for entity.MergedInto != nil {
		entity, err = f.entities.Get(ctx, *entity.MergedInto)
		if err != nil {
			return nil, err
		}
	}
	return entity, nil
}

type fakeAudits struct {
	appended []*models.MergeAudit
}

func (f *fakeAudits) Append(ctx context.Context, audit *models.MergeAudit) (*models.MergeAudit, error) {
	f.appended = append(f.appended, audit)
	return audit, nil
}

type fakeLock struct {
	released bool
}

func (f *fakeLock) Release(ctx context.Context) error { f.released = true; return nil }

type fakeLocker struct {
	lock      *fakeLock
	err       error
	keys      []string
	onAcquire func(key string)
}

func (f *fakeLocker) TryAcquire(ctx context.Context, key string, ttl, timeout time.Duration) (Unlocker, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.keys = append(f.keys, key)
	if f.onAcquire != nil {
		f.onAcquire(key)
	}
	f.lock = &fakeLock{}
	return f.lock, nil
}

type fakeEmitter struct {
	events []models.EntityEvent
}

func (f *fakeEmitter) Emit(ctx context.Context, event models.EntityEvent) error {
	f.events = append(f.events, event)
	return nil
}

type engineFixture struct {
	engine   *Engine
	db       *fakeDB
	entities *fakeEntities
	audits   *fakeAudits
	locker   *fakeLocker
	emitter  *fakeEmitter
	cascades *[]string
}

func newEngineFixture() *engineFixture {
	entities := newFakeEntities()
	audits := &fakeAudits{}
	locker := &fakeLocker{}
	emitter := &fakeEmitter{}
	db := &fakeDB{}

	var cascadeRuns []string
	manifests := map[models.EntityKind]Manifest{
		models.EntityKindPerson: {
			Kind: models.EntityKindPerson,
			Cascades: []Cascade{
				{Name: "identifiers", Run: func(ctx context.Context, keepID, removeID string) error {
					cascadeRuns = append(cascadeRuns, "identifiers")
					return nil
				}},
				{Name: "relationship_edges", Run: func(ctx context.Context, keepID, removeID string) error {
					cascadeRuns = append(cascadeRuns, "relationship_edges")
					return nil
				}},
			},
		},
	}

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	engine := NewEngine(db, entities, &fakeCanonical{entities}, audits, manifests, locker, emitter, Config{}, logger)

	return &engineFixture{
		engine:   engine,
		db:       db,
		entities: entities,
		audits:   audits,
		locker:   locker,
		emitter:  emitter,
		cascades: &cascadeRuns,
	}
}

func TestMerge_Success(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{"name": "Jane", "email": ""}`)
	f.entities.add("remove", models.EntityKindPerson, `{"email": "jane@example.com"}`)

	outcome, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "remove", "duplicate intake", "staff-1")
	require.NoError(t, err)

	assert.Equal(t, models.MergeStatusMerged, outcome.Status)
	assert.Equal(t, "keep", outcome.CanonicalID)

	assert.Equal(t, "keep", f.entities.tombstoned["remove"])
	assert.Equal(t, []string{"identifiers", "relationship_edges"}, *f.cascades)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(f.entities.updated["keep"], &merged))
	assert.Equal(t, "jane@example.com", merged["email"], "keep's gap is filled from remove")

	assert.Equal(t, [][2]string{{"remove", "keep"}}, f.entities.repointed)

	require.Len(t, f.audits.appended, 1)
	audit := f.audits.appended[0]
	assert.Equal(t, "keep", audit.KeepID)
	assert.Equal(t, "remove", audit.RemoveID)
	assert.Equal(t, "staff-1", audit.Actor)
	assert.NotEmpty(t, audit.RemovedSnapshot)

	require.True(t, f.db.tx.committed)
	assert.True(t, f.locker.lock.released)

	require.Len(t, f.emitter.events, 1)
	assert.Equal(t, models.EventEntityMerged, f.emitter.events[0].Type)
}

func TestMerge_SameID(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("a", models.EntityKindPerson, `{}`)

	_, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "a", "a", "", "staff-1")
	assert.Error(t, err)
}

func TestMerge_AlreadySameCanonical(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{}`)
	f.entities.entities["old"] = &models.Entity{
		ID:         "old",
		Kind:       models.EntityKindPerson,
		MergedInto: strPtr("keep"),
	}

	outcome, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "old", "", "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusAlreadyMerged, outcome.Status)
	assert.Equal(t, "keep", outcome.CanonicalID)
	assert.Empty(t, f.audits.appended)
	assert.Empty(t, f.emitter.events)
}

func TestMerge_KindMismatch(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{}`)
	f.entities.add("remove", models.EntityKindAnimal, `{}`)

	_, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "remove", "", "staff-1")
	assert.Error(t, err)
}

func TestMerge_NoManifestForKind(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindAnimal, `{}`)
	f.entities.add("remove", models.EntityKindAnimal, `{}`)

	_, err := f.engine.Merge(context.Background(), models.EntityKindAnimal, "keep", "remove", "", "staff-1")
	assert.Error(t, err)
}

func TestMerge_LockContention(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{}`)
	f.entities.add("remove", models.EntityKindPerson, `{}`)
	f.locker.err = errors.New("lock not acquired")

	_, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "remove", "", "staff-1")
	assert.Error(t, err)
	assert.Empty(t, f.entities.tombstoned)
}

func TestMerge_CascadeFailureRollsBack(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{}`)
	f.entities.add("remove", models.EntityKindPerson, `{}`)

	manifest := f.engine.manifests[models.EntityKindPerson]
	manifest.Cascades = append(manifest.Cascades, Cascade{
		Name: "boom",
		Run: func(ctx context.Context, keepID, removeID string) error {
			return errors.New("cascade failed")
		},
	})
	f.engine.manifests[models.EntityKindPerson] = manifest

	_, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "remove", "", "staff-1")
	assert.Error(t, err)
	assert.Empty(t, f.audits.appended)
	assert.Empty(t, f.emitter.events)
	assert.True(t, f.db.tx.rolledBack)
	assert.False(t, f.db.tx.committed)
}

func TestMerge_ScalarMergeSeesPreLockCommit(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{"name": "Jane"}`)
	f.entities.add("remove", models.EntityKindPerson, `{"email": "jane@example.com"}`)

	// A rival merge commits a phone fill into keep while this merge is
	// waiting on the lock.
	first := true
	f.locker.onAcquire = func(key string) {
		if first {
			first = false
			f.entities.entities["keep"].Data = json.RawMessage(`{"name": "Jane", "phone": "3035550100"}`)
		}
	}

	outcome, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "remove", "duplicate intake", "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusMerged, outcome.Status)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(f.entities.updated["keep"], &merged))
	assert.Equal(t, "3035550100", merged["phone"], "the rival merge's fill survives")
	assert.Equal(t, "jane@example.com", merged["email"], "this merge's fill lands too")
}

func TestMerge_KeepMergedAwayWhileLocking(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{}`)
	f.entities.add("keep2", models.EntityKindPerson, `{}`)
	f.entities.add("remove", models.EntityKindPerson, `{"email": "jane@example.com"}`)

	// keep loses its own merge race while this merge waits on the lock; the
	// engine must chase the survivor and lock that instead.
	first := true
	f.locker.onAcquire = func(key string) {
		if first {
			first = false
			f.entities.entities["keep"].MergedInto = strPtr("keep2")
		}
	}

	outcome, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "remove", "", "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusMerged, outcome.Status)
	assert.Equal(t, "keep2", outcome.CanonicalID)
	assert.Equal(t, "keep2", f.entities.tombstoned["remove"])
	assert.Equal(t, []string{"merge:keep", "merge:keep2"}, f.locker.keys)
}

func TestMerge_ConcurrentTombstoneClaim(t *testing.T) {
	f := newEngineFixture()
	f.entities.add("keep", models.EntityKindPerson, `{}`)
	f.entities.add("remove", models.EntityKindPerson, `{}`)
	f.entities.tombstoned["remove"] = "someone-else"

	outcome, err := f.engine.Merge(context.Background(), models.EntityKindPerson, "keep", "remove", "", "staff-1")
	require.NoError(t, err)
	assert.Equal(t, models.MergeStatusAlreadyMerged, outcome.Status)
	assert.Empty(t, f.audits.appended)
}

func strPtr(s string) *string { return &s }
