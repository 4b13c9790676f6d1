// Package admin exposes operational endpoints that are not part of the
// normal ingest or review flows
package admin

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/sorrelhq/sorrel/pkg/backfill"
	"github.com/sorrelhq/sorrel/pkg/models"
)

// Handler serves admin routes
type Handler struct {
	backfill *backfill.Runner
}

// NewHandler creates a new admin handler
func NewHandler(runner *backfill.Runner) *Handler {
	return &Handler{backfill: runner}
}

// Register registers admin routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/admin/backfill/:kind", h.Backfill)
}

// Backfill rebuilds the identifier index for one entity kind. Synchronous;
// expected to be called by an operator, not on a request path.
func (h *Handler) Backfill(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.EntityKind(c.Param("kind"))
	if !kind.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown entity kind")
	}

	result, err := h.backfill.Run(ctx, kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
