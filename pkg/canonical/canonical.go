// Package canonical resolves any entity id, live or tombstoned, to the
// surviving canonical record by walking merged_into pointers.
package canonical

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/metrics"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// MaxHops bounds the tombstone walk. Chain flattening keeps real chains at
// one hop, so hitting this bound means the pointer graph is corrupt (a
// cycle or unflattened pathological chain) and must fail loudly rather
// than spin.
const MaxHops = 50

// EntityStore is the slice of the entity repository the resolver needs
type EntityStore interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
	CompressPointer(ctx context.Context, id, canonicalID string) error
}

// Resolver walks tombstone chains and opportunistically compresses them
type Resolver struct {
	store  EntityStore
	logger ectologger.Logger
}

// NewResolver creates a new canonical chain resolver
func NewResolver(store EntityStore, logger ectologger.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// CanonicalOf returns the canonical record the given id resolves to. A live
// id resolves to itself. When the walk crossed more than one hop, the
// starting tombstone's pointer is rewritten directly to the destination so
// the next read is one hop; the rewrite is best-effort and never touches
// the merge audit ledger.
func (r *Resolver) CanonicalOf(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "canonical.Resolver.CanonicalOf")
	defer span.End()

	current, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	hops := 0
	for !current.IsCanonical() {
		hops++
		if hops > MaxHops {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"start_id": id,
				"max_hops": MaxHops,
			}).Error("Tombstone chain exceeded hop bound; pointer graph is corrupt")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError,
				fmt.Sprintf("tombstone chain from %s exceeds %d hops", id, MaxHops))
		}

		current, err = r.store.Get(ctx, *current.MergedInto)
		if err != nil {
			return nil, err
		}
	}

	if hops > 1 {
		if err := r.store.CompressPointer(ctx, id, current.ID); err != nil {
			// The walk result is still correct; compression just didn't stick.
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"id":           id,
				"canonical_id": current.ID,
			}).Warn("Failed to compress tombstone chain")
		} else {
			metrics.ChainCompressions.Inc()
		}
	}

	return current, nil
}

// CanonicalID is CanonicalOf for callers that only need the id
func (r *Resolver) CanonicalID(ctx context.Context, id string) (string, error) {
	entity, err := r.CanonicalOf(ctx, id)
	if err != nil {
		return "", err
	}
	return entity.ID, nil
}
