// Package entity exposes the canonical entity read API and the resolve
// endpoint sources use to submit records synchronously.
package entity

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	entityrepo "github.com/sorrelhq/sorrel/internal/repositories/entity"
	"github.com/sorrelhq/sorrel/internal/repositories/identifier"
	"github.com/sorrelhq/sorrel/internal/repositories/mergeaudit"
	"github.com/sorrelhq/sorrel/internal/repositories/sourcerecord"
	"github.com/sorrelhq/sorrel/pkg/appcontext"
	"github.com/sorrelhq/sorrel/pkg/canonical"
	"github.com/sorrelhq/sorrel/pkg/graph"
	"github.com/sorrelhq/sorrel/pkg/models"
	"github.com/sorrelhq/sorrel/pkg/resolver"
	"github.com/sorrelhq/sorrel/pkg/verification"
)

// Handler serves entity routes
type Handler struct {
	resolver     *resolver.Resolver
	entities     *entityrepo.Repository
	canonical    *canonical.Resolver
	verification *verification.Service
	identifiers  *identifier.Repository
	sources      *sourcerecord.Repository
	audits       *mergeaudit.Repository
	graphQueries *graph.QueryService
	validate     *validator.Validate
}

// NewHandler creates a new entity handler. graphQueries may be nil when the
// graph projection is disabled.
func NewHandler(
	res *resolver.Resolver,
	entities *entityrepo.Repository,
	can *canonical.Resolver,
	ver *verification.Service,
	identifiers *identifier.Repository,
	sources *sourcerecord.Repository,
	audits *mergeaudit.Repository,
	graphQueries *graph.QueryService,
) *Handler {
	return &Handler{
		resolver:     res,
		entities:     entities,
		canonical:    can,
		verification: ver,
		identifiers:  identifiers,
		sources:      sources,
		audits:       audits,
		graphQueries: graphQueries,
		validate:     validator.New(),
	}
}

// Register registers entity routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/resolve", h.Resolve)
	g.GET("/entities/:kind/:id", h.Get)
	g.GET("/entities/:id/canonical", h.GetCanonical)
	g.GET("/entities/:id/identifiers", h.ListIdentifiers)
	g.GET("/entities/:id/sources", h.ListSources)
	g.GET("/entities/:id/history", h.ListHistory)
	g.GET("/entities/:id/neighborhood", h.GetNeighborhood)
	g.POST("/entities/:kind/:id/verify", h.Verify)
}

// Resolve submits one attribute bundle for synchronous resolution
func (h *Handler) Resolve(c echo.Context) error {
	ctx := c.Request().Context()

	var bundle models.AttributeBundle
	if err := c.Bind(&bundle); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(bundle); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.resolver.Resolve(ctx, bundle)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, result)
}

// Get fetches one entity by kind and id, tombstones included
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.EntityKind(c.Param("kind"))
	if !kind.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown entity kind")
	}

	entity, err := h.entities.GetByKind(ctx, kind, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entity)
}

// GetCanonical follows the tombstone chain and returns the live record
func (h *Handler) GetCanonical(c echo.Context) error {
	ctx := c.Request().Context()

	entity, err := h.canonical.CanonicalOf(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entity)
}

// ListIdentifiers returns the index rows owned by an entity
func (h *Handler) ListIdentifiers(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := h.canonical.CanonicalID(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	identifiers, err := h.identifiers.ListForEntity(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, identifiers)
}

// ListSources returns the source records linked to an entity
func (h *Handler) ListSources(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := h.canonical.CanonicalID(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	records, err := h.sources.ListForEntity(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// ListHistory returns the merge audit trail touching an entity
func (h *Handler) ListHistory(c echo.Context) error {
	ctx := c.Request().Context()

	audits, err := h.audits.ListForEntity(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, audits)
}

// GetNeighborhood returns the relationship network around an entity
func (h *Handler) GetNeighborhood(c echo.Context) error {
	ctx := c.Request().Context()

	if h.graphQueries == nil {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "graph queries are not enabled")
	}

	depth := 1
	if raw := c.QueryParam("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "depth must be an integer")
		}
		depth = parsed
	}

	id, err := h.canonical.CanonicalID(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	hood, err := h.graphQueries.FetchNeighborhood(ctx, id, depth)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hood)
}

// Verify stamps an entity as staff-verified
func (h *Handler) Verify(c echo.Context) error {
	ctx := c.Request().Context()

	kind := models.EntityKind(c.Param("kind"))
	if !kind.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown entity kind")
	}

	actor := appcontext.GetActorID(ctx)
	entity, err := h.verification.Verify(ctx, kind, c.Param("id"), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entity)
}
