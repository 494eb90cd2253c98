package verification

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/errs"
	"github.com/medvault/medvault/internal/platform/auth"
)

type Handler struct {
	svc *Orchestrator
}

func NewHandler(svc *Orchestrator) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "clinician"))
	g.POST("/documents/:id/sign", h.Sign)
	g.POST("/documents/:id/anchor", h.Anchor)
	api.GET("/documents/:id/anchor", h.CheckAnchor, auth.RequireRole("admin", "clinician", "auditor"))
}

func (h *Handler) Sign(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Sign(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Anchor(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Anchor(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CheckAnchor(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ok, err := h.svc.CheckAnchor(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"anchored": ok})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	case errors.Is(err, errs.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrUpstreamUnavailable):
		e := echo.NewHTTPError(http.StatusServiceUnavailable, "ledger unavailable, retry later")
		e.SetInternal(err)
		return e
	case errors.Is(err, errs.ErrIntegrityViolation):
		e := echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		e.SetInternal(err)
		return e
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
