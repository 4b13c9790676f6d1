// Package relationship exposes edge assertion, listing, and verification
package relationship

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/sorrelhq/sorrel/pkg/appcontext"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/relationships"
)

// Handler serves relationship routes
type Handler struct {
	service  *relationships.Service
	validate *validator.Validate
}

// NewHandler creates a new relationship handler
func NewHandler(service *relationships.Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
	}
}

// Register registers relationship routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/relationships", h.Upsert)
	g.POST("/relationships/:id/verify", h.Verify)
	g.GET("/entities/:id/relationships", h.ListForEntity)
}

// Upsert asserts a relationship between two entities
func (h *Handler) Upsert(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.UpsertRelationshipRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	edge, err := h.service.Upsert(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, edge)
}

// Verify stamps an edge as staff-verified and raises it to high confidence
func (h *Handler) Verify(c echo.Context) error {
	ctx := c.Request().Context()

	actor := appcontext.GetActorID(ctx)
	if actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor id header is required")
	}

	edge, err := h.service.VerifyEdge(ctx, c.Param("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, edge)
}

// ListForEntity returns every edge touching an entity
func (h *Handler) ListForEntity(c echo.Context) error {
	ctx := c.Request().Context()

	edges, err := h.service.ListForEntity(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, edges)
}
