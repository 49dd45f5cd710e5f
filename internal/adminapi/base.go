package adminapi

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// parseUUID parses a UUID path parameter (teacher's handlers.ParseUUID).
func parseUUID(c echo.Context, param string) (uuid.UUID, error) {
	idStr := c.Param(param)
	if idStr == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "missing "+param)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a valid UUID", param)
	}
	return id, nil
}

// tenantID resolves the calling tenant from the X-Tenant-Id header that the
// upstream gateway forwards, in both modes. A missing header is answered 401
// with AuthEnabled and 400 without it; an unparseable one is 400 either way.
func (h *Handlers) tenantID(c echo.Context) (uuid.UUID, error) {
	raw := c.Request().Header.Get("X-Tenant-Id")
	if raw == "" {
		if h.cfg.AuthEnabled {
			return uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "X-Tenant-Id header is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid X-Tenant-Id")
	}
	return id, nil
}

func successResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func createdResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, data)
}

func noContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func badRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

func notFound(message string) error {
	return httperror.NewHTTPError(http.StatusNotFound, message)
}

func conflict(message string) error {
	return httperror.NewHTTPError(http.StatusConflict, message)
}
