package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/logging"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/scopes"
	"github.com/ticketdesk/ticketdesk/internal/service/family"
)

// TokenService authenticates requests with bearer access tokens and
// populates the echo context with the resolved user and claims.
type TokenService struct {
	DB       *gorm.DB
	Families *family.Service
}

// RequireAuth verifies the bearer token, rejects revoked families and
// disabled users, and enforces that the token carries every listed scope.
func (t *TokenService) RequireAuth(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			raw := bearerFromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if raw == "" {
				return unauthorized(c)
			}

			claims, err := t.Families.VerifyAccessToken(ctx, raw)
			if err != nil {
				logging.FromContext(ctx).Warn("access_token_rejected", "error", err)
				return unauthorized(c)
			}

			var user models.User
			if err := t.DB.WithContext(ctx).
				Where("username = ?", claims.Subject).First(&user).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return unauthorized(c)
				}
				return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
			}
			if user.Disabled {
				return echo.NewHTTPError(http.StatusForbidden, "user disabled")
			}

			if !scopes.IsSubset(required, claims.Scope) {
				return echo.NewHTTPError(http.StatusForbidden, autherr.ErrInsufficientScope.Error())
			}

			c.Set("user", &user)
			c.Set("claims", claims)
			return next(c)
		}
	}
}

func bearerFromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func unauthorized(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
	return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid token")
}
