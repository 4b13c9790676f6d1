// Package matchcandidate exposes the fuzzy duplicate review queue
package matchcandidate

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/sorrelhq/sorrel/internal/repositories/matchcandidate"
	"github.com/sorrelhq/sorrel/pkg/appcontext"
	"github.com/sorrelhq/sorrel/pkg/models"
)

// Handler serves match candidate routes
type Handler struct {
	candidates *matchcandidate.Repository
}

// NewHandler creates a new match candidate handler
func NewHandler(candidates *matchcandidate.Repository) *Handler {
	return &Handler{candidates: candidates}
}

// Register registers match candidate routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/match-candidates", h.ListPending)
	g.POST("/match-candidates/:id/review", h.Review)
}

// ListPending returns unreviewed candidates, strongest first
func (h *Handler) ListPending(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	candidates, err := h.candidates.ListPending(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidates)
}

// reviewRequest is the accept/reject decision body
type reviewRequest struct {
	Status models.MatchCandidateStatus `json:"status"`
}

// Review records a reviewer's decision on a pending candidate. Accepting a
// candidate does not merge anything; the reviewer follows up with an
// explicit merge request.
func (h *Handler) Review(c echo.Context) error {
	ctx := c.Request().Context()

	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	actor := appcontext.GetActorID(ctx)
	if actor == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "actor id header is required")
	}

	if err := h.candidates.Review(ctx, c.Param("id"), req.Status, actor); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
