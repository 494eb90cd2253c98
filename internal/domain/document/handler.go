package document

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/errs"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	svc *Pipeline
}

func NewHandler(svc *Pipeline) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "clinician", "auditor"))
	read.GET("/documents", h.List)
	read.GET("/documents/:id", h.Get)
	read.GET("/documents/:id/content", h.Download)

	write := api.Group("", auth.RequireRole("admin", "clinician"))
	write.POST("/documents", h.Upload)
	write.DELETE("/documents/:id", h.Delete)
	write.POST("/documents/:id/rotate-key", h.RotateKey)
}

// Upload accepts multipart form data with the content under "file".
// Duplicate content answers 409 with the surviving record's identity so
// clients can adopt it.
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file part is required")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read file part")
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read file part")
	}

	mediaType := c.FormValue("media_type")
	if mediaType == "" {
		mediaType = fh.Header.Get("Content-Type")
	}

	req := UploadRequest{
		OwnerID:      auth.UserIDFromContext(c.Request().Context()),
		OriginID:     c.FormValue("origin_id"),
		MediaType:    mediaType,
		OriginalName: fh.Filename,
		Bytes:        data,
	}

	res, err := h.svc.Upload(c.Request().Context(), req)
	if errors.Is(err, errs.ErrDuplicateContent) {
		return c.JSON(http.StatusConflict, res)
	}
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ownerID := c.QueryParam("owner_id")
	if ownerID == "" {
		ownerID = auth.UserIDFromContext(c.Request().Context())
	}
	items, total, err := h.svc.List(c.Request().Context(), ownerID, c.QueryParam("state"), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Download(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	data, rec, err := h.svc.Download(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	c.Response().Header().Set("X-Content-Digest", rec.ContentDigest)
	return c.Blob(http.StatusOK, rec.MediaType, data)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RotateKey(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.RotateKey(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// mapError translates domain sentinels into HTTP status codes. Integrity
// violations deliberately surface as opaque 500s; details live only in the
// security log.
func mapError(err error) error {
	switch {
	case errors.Is(err, errs.ErrValidationRejected):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	case errors.Is(err, errs.ErrDuplicateContent), errors.Is(err, errs.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrUpstreamUnavailable):
		e := echo.NewHTTPError(http.StatusServiceUnavailable, "upstream unavailable, retry later")
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
