// Package merge exposes the manual merge endpoint
package merge

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/sorrelhq/sorrel/pkg/appcontext"
	"github.com/sorrelhq/sorrel/pkg/merging"
	"github.com/sorrelhq/sorrel/pkg/models"
)

// Handler serves merge routes
type Handler struct {
	engine   *merging.Engine
	validate *validator.Validate
}

// NewHandler creates a new merge handler
func NewHandler(engine *merging.Engine) *Handler {
	return &Handler{
		engine:   engine,
		validate: validator.New(),
	}
}

// Register registers merge routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/merges", h.Merge)
}

// Merge collapses two canonical entities into one
func (h *Handler) Merge(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.MergeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	actor := appcontext.GetActorID(ctx)
	if actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor id header is required for merges")
	}

	outcome, err := h.engine.Merge(ctx, req.Kind, req.KeepID, req.RemoveID, req.Reason, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, outcome)
}
