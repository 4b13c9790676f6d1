// Package geocode exposes geocode state reads and the manual retry reset
package geocode

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sorrelhq/sorrel/internal/repositories/geocodestate"
	"github.com/sorrelhq/sorrel/pkg/models"
)

// Handler serves geocode routes
type Handler struct {
	states *geocodestate.Repository
}

// NewHandler creates a new geocode handler
func NewHandler(states *geocodestate.Repository) *Handler {
	return &Handler{states: states}
}

// Register registers geocode routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/geocode/stats", h.Stats)
	g.GET("/geocode/:placeId", h.Get)
	g.POST("/geocode/retry-failed", h.RetryFailed)
}

// Get returns the geocode state for one place
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	state, err := h.states.Get(ctx, c.Param("placeId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// Stats returns queue depth per status
func (h *Handler) Stats(c echo.Context) error {
	ctx := c.Request().Context()

	statuses := []models.GeocodeStatus{
		models.GeocodeStatusNeverAttempted,
		models.GeocodeStatusScheduled,
		models.GeocodeStatusInProgress,
		models.GeocodeStatusSuccess,
		models.GeocodeStatusPermanentlyFailed,
	}
	counts := make(map[models.GeocodeStatus]int, len(statuses))
	for _, status := range statuses {
		count, err := h.states.CountByStatus(ctx, status)
		if err != nil {
			return err
		}
		counts[status] = count
	}
	return c.JSON(http.StatusOK, counts)
}

// RetryFailed reschedules every permanently failed place with a fresh
// attempt budget
func (h *Handler) RetryFailed(c echo.Context) error {
	ctx := c.Request().Context()

	reset, err := h.states.RetryFailed(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int64{"rescheduled": reset})
}
