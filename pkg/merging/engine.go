// Package merging implements cascading, audited entity merges. One generic
// engine runs every kind; per-kind differences live entirely in manifests.
package merging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/metrics"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// EntityStore is the entity repository surface the engine uses
type EntityStore interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
	UpdateData(ctx context.Context, id string, displayName string, data json.RawMessage) error
	Tombstone(ctx context.Context, removeID, keepID, reason string) (bool, error)
	RepointTombstones(ctx context.Context, oldTarget, newTarget string) (int64, error)
}

// CanonicalResolver walks tombstone chains before the merge starts
type CanonicalResolver interface {
	CanonicalOf(ctx context.Context, id string) (*models.Entity, error)
}

// AuditStore appends to the immutable merge ledger
type AuditStore interface {
	Append(ctx context.Context, audit *models.MergeAudit) (*models.MergeAudit, error)
}

// Unlocker releases a held merge lock
type Unlocker interface {
	Release(ctx context.Context) error
}

// Locker serializes merges per surviving entity
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (Unlocker, error)
}

// EventEmitter publishes lifecycle events after commit
type EventEmitter interface {
	Emit(ctx context.Context, event models.EntityEvent) error
}

// Projector mirrors merge results into the graph database
type Projector interface {
	ProjectEntity(ctx context.Context, entity *models.Entity) error
	ProjectMerge(ctx context.Context, removeID string) error
}

// Config tunes merge locking
type Config struct {
	LockTTL     time.Duration
	LockTimeout time.Duration
}

// Engine merges two entities of the same kind into one surviving canonical
// record
type Engine struct {
	db        database.DB
	entities  EntityStore
	canonical CanonicalResolver
	audits    AuditStore
	manifests map[models.EntityKind]Manifest
	locker    Locker
	emitter   EventEmitter
	projector Projector
	config    Config
	logger    ectologger.Logger
}

// SetProjector enables graph projection of merge results. Optional; when
// unset merges only touch Postgres.
func (e *Engine) SetProjector(projector Projector) {
	e.projector = projector
}

// NewEngine creates a new merge engine
func NewEngine(
	db database.DB,
	entities EntityStore,
	canonical CanonicalResolver,
	audits AuditStore,
	manifests map[models.EntityKind]Manifest,
	locker Locker,
	emitter EventEmitter,
	config Config,
	logger ectologger.Logger,
) *Engine {
	if config.LockTTL == 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.LockTimeout == 0 {
		config.LockTimeout = 5 * time.Second
	}
	return &Engine{
		db:        db,
		entities:  entities,
		canonical: canonical,
		audits:    audits,
		manifests: manifests,
		locker:    locker,
		emitter:   emitter,
		config:    config,
		logger:    logger,
	}
}

// Merge folds removeID into keepID: every dependent reference is repointed,
// keep's scalar gaps are filled from remove, the merge is appended to the
// audit ledger, and remove becomes a tombstone. The whole operation is one
// transaction serialized per keep-id; any failure rolls everything back.
// Merging ids that already share a canonical record reports already_merged
// without changing anything.
func (e *Engine) Merge(ctx context.Context, kind models.EntityKind, keepID, removeID, reason, actor string) (*models.MergeOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Merge")
	defer span.End()

	start := time.Now()
	outcome, err := e.merge(ctx, kind, keepID, removeID, reason, actor)
	status := "error"
	if err == nil {
		status = string(outcome.Status)
	}
	metrics.RecordMerge(string(kind), status, time.Since(start).Seconds())
	return outcome, err
}

// maxLockAttempts bounds how often a merge chases keep's canonical record
// when keep itself gets merged away between the lock-key read and the lock.
const maxLockAttempts = 3

func (e *Engine) merge(ctx context.Context, kind models.EntityKind, keepID, removeID, reason, actor string) (*models.MergeOutcome, error) {
	manifest, ok := e.manifests[kind]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("no merge manifest for kind %q", kind))
	}
	if keepID == removeID {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "keep and remove must differ")
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		outcome, retry, err := e.mergeAttempt(ctx, manifest, kind, keepID, removeID, reason, actor)
		if retry {
			continue
		}
		return outcome, err
	}

	return nil, httperror.NewHTTPError(http.StatusConflict, "entity is being merged concurrently; retry")
}

// mergeAttempt runs one lock-acquire-and-merge cycle. Everything the merge
// reads is read while holding the lock: a snapshot taken before it could miss
// scalar fills a just-committed merge wrote into keep, and merging from that
// snapshot would silently undo them. The pre-lock read only names the lock
// key; if keep's canonical record changed by the time the lock is held, the
// attempt asks to be retried against the new survivor.
func (e *Engine) mergeAttempt(ctx context.Context, manifest Manifest, kind models.EntityKind, keepID, removeID, reason, actor string) (*models.MergeOutcome, bool, error) {
	lockTarget, err := e.canonical.CanonicalOf(ctx, keepID)
	if err != nil {
		return nil, false, err
	}

	lock, err := e.locker.TryAcquire(ctx, "merge:"+lockTarget.ID, e.config.LockTTL, e.config.LockTimeout)
	if err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusConflict, "another merge into this entity is in progress")
	}
	defer lock.Release(ctx)

	keep, err := e.canonical.CanonicalOf(ctx, keepID)
	if err != nil {
		return nil, false, err
	}
	if keep.ID != lockTarget.ID {
		return nil, true, nil
	}
	remove, err := e.canonical.CanonicalOf(ctx, removeID)
	if err != nil {
		return nil, false, err
	}

	if keep.ID == remove.ID {
		return &models.MergeOutcome{Status: models.MergeStatusAlreadyMerged, CanonicalID: keep.ID}, false, nil
	}
	if keep.Kind != kind || remove.Kind != kind {
		return nil, false, httperror.NewHTTPError(http.StatusBadRequest, "entities are not of the requested kind")
	}

	outcome, err := e.mergeLocked(ctx, manifest, keep, remove, reason, actor)
	if err != nil {
		return nil, false, err
	}

	if outcome.Status == models.MergeStatusMerged && e.emitter != nil {
		event := models.EntityEvent{
			Type:        models.EventEntityMerged,
			Kind:        kind,
			EntityID:    remove.ID,
			CanonicalID: keep.ID,
			Timestamp:   time.Now().UTC(),
		}
		if err := e.emitter.Emit(ctx, event); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("Failed to emit merge event")
		}
	}

	if outcome.Status == models.MergeStatusMerged && e.projector != nil {
		// Best effort: the graph is a projection, Postgres is the truth.
		if err := e.projector.ProjectMerge(ctx, remove.ID); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("Failed to project merge into graph")
		} else if merged, err := e.entities.Get(ctx, keep.ID); err == nil {
			if err := e.projector.ProjectEntity(ctx, merged); err != nil {
				e.logger.WithContext(ctx).WithError(err).Warn("Failed to project merged entity into graph")
			}
		}
	}

	return outcome, false, nil
}

func (e *Engine) mergeLocked(ctx context.Context, manifest Manifest, keep, remove *models.Entity, reason, actor string) (*models.MergeOutcome, error) {
	ctxTx, tx, err := e.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin merge transaction")
	}
	defer tx.Rollback(ctxTx)

	// Tombstone first: zero rows affected means a concurrent merge already
	// claimed remove, and nothing else should run.
	tombstoned, err := e.entities.Tombstone(ctxTx, remove.ID, keep.ID, reason)
	if err != nil {
		return nil, err
	}
	if !tombstoned {
		return &models.MergeOutcome{Status: models.MergeStatusAlreadyMerged, CanonicalID: keep.ID}, nil
	}

	for _, cascade := range manifest.Cascades {
		if err := cascade.Run(ctxTx, keep.ID, remove.ID); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"cascade": cascade.Name,
				"keep_id": keep.ID,
			}).Error("Merge cascade failed; rolling back")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("merge cascade %s failed", cascade.Name))
		}
	}

	mergedData, diffs, err := MergeScalars(keep.Data, remove.Data, remove.ID)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to merge entity data")
	}

	displayName := keep.DisplayName
	if displayName == "" {
		displayName = remove.DisplayName
	}
	if err := e.entities.UpdateData(ctxTx, keep.ID, displayName, mergedData); err != nil {
		return nil, err
	}

	// Chain flattening: tombstones that pointed at remove now point at keep,
	// so no live chain is ever longer than one hop.
	if _, err := e.entities.RepointTombstones(ctxTx, remove.ID, keep.ID); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(remove)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to snapshot removed entity")
	}
	var diffsJSON json.RawMessage
	if len(diffs) > 0 {
		diffsJSON, err = json.Marshal(diffs)
		if err != nil {
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to serialize field diffs")
		}
	}

	if _, err := e.audits.Append(ctxTx, &models.MergeAudit{
		Kind:            keep.Kind,
		KeepID:          keep.ID,
		RemoveID:        remove.ID,
		Reason:          reason,
		Actor:           actor,
		RemovedSnapshot: snapshot,
		FieldDiffs:      diffsJSON,
	}); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to append merge audit")
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit merge")
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"kind":      keep.Kind,
		"keep_id":   keep.ID,
		"remove_id": remove.ID,
		"diffs":     len(diffs),
	}).Info("Merged entities")

	return &models.MergeOutcome{
		Status:      models.MergeStatusMerged,
		CanonicalID: keep.ID,
		Diffs:       diffs,
	}, nil
}
