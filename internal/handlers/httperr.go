package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ticketdesk/ticketdesk/internal/autherr"
)

// httpError maps domain error kinds onto HTTP responses. Messages stay
// generic on purpose: a caller learns which flow to restart, not which
// internal check tripped.
func httpError(err error) error {
	switch {
	case errors.Is(err, autherr.ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
	case errors.Is(err, autherr.ErrInvalidToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	case errors.Is(err, autherr.ErrReuseDetected):
		return echo.NewHTTPError(http.StatusUnauthorized, "refresh token no longer valid")
	case errors.Is(err, autherr.ErrRevoked):
		return echo.NewHTTPError(http.StatusUnauthorized, "token revoked")
	case errors.Is(err, autherr.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "conflicting request, retry the flow")
	case errors.Is(err, autherr.ErrExpired):
		return echo.NewHTTPError(http.StatusBadRequest, "expired")
	case errors.Is(err, autherr.ErrAlreadyUsed):
		return echo.NewHTTPError(http.StatusBadRequest, "already used")
	case errors.Is(err, autherr.ErrInsufficientScope):
		return echo.NewHTTPError(http.StatusForbidden, "not enough permissions")
	case errors.Is(err, autherr.ErrDisabled):
		return echo.NewHTTPError(http.StatusForbidden, "user disabled")
	case errors.Is(err, autherr.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, autherr.ErrInvalidGrant):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid grant")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
