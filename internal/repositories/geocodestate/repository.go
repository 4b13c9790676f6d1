package geocodestate

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/sorrelhq/sorrel/pkg/database"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

var stateColumns = []string{
	"place_id", "status", "attempts", "last_error", "last_category",
	"next_attempt_at", "latitude", "longitude", "formatted_address",
	"created_at", "updated_at",
}

// Repository persists the geocode state machine for place entities
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new geocode state repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the geocode state for a place
func (r *Repository) Get(ctx context.Context, placeID string) (*models.GeocodeState, error) {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(stateColumns...)
	sb.From("geocode_states")
	sb.Where(sb.Equal("place_id", placeID))

	query, args := sb.Build()
	var state models.GeocodeState
	if err := r.db.GetContext(ctx, &state, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, "geocode state not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get geocode state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get geocode state")
	}

	return &state, nil
}

// Enqueue creates the state row for a new place and immediately schedules
// it. Idempotent: a place that already has a state keeps it.
func (r *Repository) Enqueue(ctx context.Context, placeID string) error {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.Enqueue")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("geocode_states")
	sb.Cols("place_id", "status", "attempts", "next_attempt_at", "created_at", "updated_at")
	sb.Values(placeID, models.GeocodeStatusScheduled, 0, now, now, now)

	query, args := sb.Build()
	query += " ON CONFLICT (place_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to enqueue geocode state")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to enqueue geocode state")
	}

	return nil
}

// ClaimBatch atomically moves up to limit due SCHEDULED rows to IN_PROGRESS
// and returns them. FOR UPDATE SKIP LOCKED lets concurrent workers claim
// disjoint batches without blocking each other.
func (r *Repository) ClaimBatch(ctx context.Context, limit int) ([]models.GeocodeState, error) {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.ClaimBatch")
	defer span.End()

	query := `UPDATE geocode_states SET status = $1, updated_at = now()
		WHERE place_id IN (
			SELECT place_id FROM geocode_states
			WHERE status = $2 AND (next_attempt_at IS NULL OR next_attempt_at <= now())
			ORDER BY next_attempt_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING place_id, status, attempts, last_error, last_category,
			next_attempt_at, latitude, longitude, formatted_address, created_at, updated_at`

	var claimed []models.GeocodeState
	if err := r.db.SelectContext(ctx, &claimed, query, models.GeocodeStatusInProgress, models.GeocodeStatusScheduled, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to claim geocode batch")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim geocode batch")
	}

	return claimed, nil
}

// MarkSuccess records a successful geocode and stores the coordinates
func (r *Repository) MarkSuccess(ctx context.Context, placeID string, lat, lng float64, formattedAddress string) error {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.MarkSuccess")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("geocode_states")
	sb.Set(
		sb.Assign("status", models.GeocodeStatusSuccess),
		sb.Incr("attempts"),
		sb.Assign("latitude", lat),
		sb.Assign("longitude", lng),
		sb.Assign("formatted_address", formattedAddress),
		sb.Assign("last_error", nil),
		sb.Assign("last_category", nil),
		sb.Assign("next_attempt_at", nil),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(sb.Equal("place_id", placeID))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark geocode success")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark geocode success")
	}

	return nil
}

// MarkFailure records a failed attempt. Transient failures reschedule
// without consuming the attempt budget; others count an attempt and either
// reschedule with backoff or exhaust into PERMANENTLY_FAILED.
func (r *Repository) MarkFailure(ctx context.Context, placeID string, category models.GeocodeFailureCategory, errMsg string, nextAttemptAt time.Time, exhausted bool) error {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.MarkFailure")
	defer span.End()

	status := models.GeocodeStatusScheduled
	if exhausted {
		status = models.GeocodeStatusPermanentlyFailed
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("geocode_states")
	assigns := []string{
		sb.Assign("status", status),
		sb.Assign("last_error", errMsg),
		sb.Assign("last_category", category),
		sb.Assign("updated_at", time.Now().UTC()),
	}
	if !category.Transient() {
		assigns = append(assigns, sb.Incr("attempts"))
	}
	if exhausted {
		assigns = append(assigns, sb.Assign("next_attempt_at", nil))
	} else {
		assigns = append(assigns, sb.Assign("next_attempt_at", nextAttemptAt))
	}
	sb.Set(assigns...)
	sb.Where(sb.Equal("place_id", placeID))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark geocode failure")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark geocode failure")
	}

	return nil
}

// RetryFailed resets every PERMANENTLY_FAILED place back to SCHEDULED with
// a fresh attempt budget. Staff trigger this after correcting addresses.
func (r *Repository) RetryFailed(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.RetryFailed")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("geocode_states")
	sb.Set(
		sb.Assign("status", models.GeocodeStatusScheduled),
		sb.Assign("attempts", 0),
		sb.Assign("next_attempt_at", now),
		sb.Assign("updated_at", now),
	)
	sb.Where(sb.Equal("status", models.GeocodeStatusPermanentlyFailed))

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reset failed geocode states")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset failed geocode states")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{"count": rows}).Info("Reset permanently failed geocode states")
	return rows, nil
}

// MergeEntityReferences resolves geocode state during a place merge: if keep
// already has a state row the remove-side row is dropped, otherwise the
// remove-side row is repointed to keep.
func (r *Repository) MergeEntityReferences(ctx context.Context, keepID, removeID string) error {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.MergeEntityReferences")
	defer span.End()

	drop := `DELETE FROM geocode_states rm WHERE rm.place_id = $2
		AND EXISTS (SELECT 1 FROM geocode_states k WHERE k.place_id = $1)`
	if _, err := r.db.ExecContext(ctx, drop, keepID, removeID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to drop duplicate geocode state")
		return err
	}

	repoint := `UPDATE geocode_states SET place_id = $1, updated_at = now() WHERE place_id = $2`
	if _, err := r.db.ExecContext(ctx, repoint, keepID, removeID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to repoint geocode state")
		return err
	}

	return nil
}

// CountByStatus returns how many places are in the given status; feeds the
// queue depth gauge.
func (r *Repository) CountByStatus(ctx context.Context, status models.GeocodeStatus) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "geocodestate.Repository.CountByStatus")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("geocode_states")
	sb.Where(sb.Equal("status", status))

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count geocode states")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count geocode states")
	}

	return count, nil
}
