package geocode

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/sorrelhq/sorrel/pkg/metrics"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/tracing"
)

// StateStore is the geocode state repository surface the worker uses
type StateStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]models.GeocodeState, error)
	MarkSuccess(ctx context.Context, placeID string, lat, lng float64, formattedAddress string) error
	MarkFailure(ctx context.Context, placeID string, category models.GeocodeFailureCategory, errMsg string, nextAttemptAt time.Time, exhausted bool) error
	CountByStatus(ctx context.Context, status models.GeocodeStatus) (int, error)
}

// PlaceReader fetches the place entity whose address is being geocoded
type PlaceReader interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
}

// WorkerConfig tunes the polling worker
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Worker polls for scheduled geocode states, calls the provider, and
// advances the state machine. Cancelling the context stops the polling
// loop; claims already in flight finish their provider calls first.
type Worker struct {
	states   StateStore
	places   PlaceReader
	provider Provider
	config   WorkerConfig
	logger   ectologger.Logger
	wg       sync.WaitGroup
}

// NewWorker creates a new geocode worker
func NewWorker(states StateStore, places PlaceReader, provider Provider, config WorkerConfig, logger ectologger.Logger) *Worker {
	if config.BatchSize == 0 {
		config.BatchSize = 25
	}
	if config.PollInterval == 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 5
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = time.Minute
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = 6 * time.Hour
	}
	return &Worker{
		states:   states,
		places:   places,
		provider: provider,
		config:   config,
		logger:   logger,
	}
}

// Run polls until the context is cancelled
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Infof("Geocode worker polling every %s", w.config.PollInterval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Geocode worker stopping; waiting for in-flight attempts")
			w.wg.Wait()
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "geocode.Worker.processBatch")
	defer span.End()

	claimed, err := w.states.ClaimBatch(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("Failed to claim geocode batch")
		return
	}
	if len(claimed) == 0 {
		return
	}

	for _, state := range claimed {
		w.wg.Add(1)
		// In-flight attempts run to completion on shutdown, so the provider
		// call deliberately does not use the polling context.
		w.processOne(context.WithoutCancel(ctx), state)
	}

	if depth, err := w.states.CountByStatus(ctx, models.GeocodeStatusScheduled); err == nil {
		metrics.GeocodeQueueDepth.Set(float64(depth))
	}
}

func (w *Worker) processOne(ctx context.Context, state models.GeocodeState) {
	defer w.wg.Done()

	place, err := w.places.Get(ctx, state.PlaceID)
	if err != nil {
		w.failAttempt(ctx, state, models.GeocodeFailureUnknown, "place lookup failed: "+err.Error())
		return
	}

	address := addressOf(place)
	if address == "" {
		w.failAttempt(ctx, state, models.GeocodeFailureInvalidAddress, "place has no address")
		return
	}

	result, err := w.provider.Geocode(ctx, address)
	if err != nil {
		category := Classify(err)
		w.failAttempt(ctx, state, category, err.Error())
		return
	}

	if err := w.states.MarkSuccess(ctx, state.PlaceID, result.Latitude, result.Longitude, result.FormattedAddress); err != nil {
		w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"place_id": state.PlaceID,
		}).Error("Failed to record geocode success")
		return
	}
	metrics.RecordGeocodeAttempt("success")
}

// failAttempt advances the state machine after a failed attempt. Transient
// categories always reschedule and never consume the budget; other
// categories count an attempt and exhaust into PERMANENTLY_FAILED at the
// cap (addresses can be corrected between attempts, so even a hard
// not-found gets its full budget).
func (w *Worker) failAttempt(ctx context.Context, state models.GeocodeState, category models.GeocodeFailureCategory, message string) {
	metrics.RecordGeocodeAttempt(string(category))

	attempts := state.Attempts
	exhausted := false
	if !category.Transient() {
		attempts++
		exhausted = attempts >= w.config.MaxAttempts
	}

	nextAttempt := time.Now().UTC().Add(NextDelay(attempts+1, w.config.BackoffBase, w.config.BackoffCap))
	if err := w.states.MarkFailure(ctx, state.PlaceID, category, message, nextAttempt, exhausted); err != nil {
		w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"place_id": state.PlaceID,
			"category": category,
		}).Error("Failed to record geocode failure")
		return
	}

	if exhausted {
		w.logger.WithContext(ctx).WithFields(map[string]any{
			"place_id": state.PlaceID,
			"category": category,
			"attempts": attempts,
		}).Warn("Geocode attempts exhausted; place permanently failed until manual retry")
	}
}

// addressOf pulls the address out of a place's data payload
func addressOf(place *models.Entity) string {
	if len(place.Data) == 0 {
		return ""
	}
	var data map[string]any
	if err := json.Unmarshal(place.Data, &data); err != nil {
		return ""
	}
	if addr, ok := data["address"].(string); ok {
		return addr
	}
	return ""
}
