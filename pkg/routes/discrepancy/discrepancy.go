// Package discrepancy exposes the identifier conflict review queue
package discrepancy

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/sorrelhq/sorrel/internal/repositories/discrepancy"
	"github.com/sorrelhq/sorrel/pkg/appcontext"
)

// Handler serves discrepancy routes
type Handler struct {
	discrepancies *discrepancy.Repository
}

// NewHandler creates a new discrepancy handler
func NewHandler(discrepancies *discrepancy.Repository) *Handler {
	return &Handler{discrepancies: discrepancies}
}

// Register registers discrepancy routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/discrepancies", h.ListOpen)
	g.POST("/discrepancies/:id/resolve", h.Resolve)
}

// ListOpen returns unresolved identifier conflicts, oldest first
func (h *Handler) ListOpen(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	open, err := h.discrepancies.ListOpen(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, open)
}

// Resolve marks a discrepancy as reviewed. The reviewer resolves the
// underlying conflict separately, usually with a merge.
func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()

	actor := appcontext.GetActorID(ctx)
	if actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor id header is required")
	}

	if err := h.discrepancies.Resolve(ctx, c.Param("id"), actor); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
