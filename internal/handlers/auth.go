package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/audit"
	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/events"
	"github.com/ticketdesk/ticketdesk/internal/hash"
	"github.com/ticketdesk/ticketdesk/internal/logging"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/service/family"
	"github.com/ticketdesk/ticketdesk/internal/tokens"
)

type AuthHandler struct {
	DB       *gorm.DB
	Families *family.Service
	Signer   *tokens.Signer
	Producer *events.Producer
	Audit    *audit.Indexer
}

func (h *AuthHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req struct {
		Username string   `json:"username" form:"username"`
		Password string   `json:"password" form:"password"`
		Email    string   `json:"email"    form:"email"`
		FullName string   `json:"full_name" form:"full_name"`
		Scopes   []string `json:"scopes"`
	}
	if err := c.Bind(&req); err != nil {
		l.Warn("register_failed", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	pwHash, err := hash.HashPassword(req.Password)
	if err != nil {
		l.Error("register_failed", "status", 500, "reason", "cannot hash the password", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	user := models.User{
		UUID:           uuid.New(),
		Username:       req.Username,
		Email:          req.Email,
		FullName:       req.FullName,
		HashedPassword: pwHash,
		Scopes:         req.Scopes,
	}
	// The unique index on username is the only duplicate check; a racing
	// registration loses here rather than in a pre-read.
	if err := h.DB.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			l.Warn("register_failed", "status", 409, "reason", "user_exists")
			return echo.NewHTTPError(http.StatusConflict, "user already exists")
		}
		l.Error("register_failed", "status", 500, "reason", "db_error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	event := events.AuthEvent{
		Type:     events.TypeUserRegistered,
		Username: user.Username,
		UserUUID: user.UUID.String(),
		At:       time.Now().UTC(),
	}
	if err := h.Producer.PublishEvent(ctx, events.TopicAuthEvents, user.UUID.String(), event); err != nil {
		l.Error("event_publish_failed", "error", err)
	}
	if err := h.Audit.Record(ctx, event); err != nil {
		l.Error("audit_record_failed", "error", err)
	}

	l.Info("register_success", "username", user.Username)
	return c.JSON(http.StatusCreated, user)
}

func (h *AuthHandler) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req struct {
		Username string   `json:"username" form:"username"`
		Password string   `json:"password" form:"password"`
		Scopes   []string `json:"scopes"`
		Scope    string   `json:"scope"    form:"scope"`
	}
	if err := c.Bind(&req); err != nil {
		l.Warn("login_failed", "status", 400, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	requested := req.Scopes
	if len(requested) == 0 && req.Scope != "" {
		requested = strings.Fields(req.Scope)
	}

	pair, err := h.Families.Login(ctx, req.Username, req.Password, requested)
	if err != nil {
		l.Warn("login_failed", "status", 401, "reason", "invalid username or password")
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *AuthHandler) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	var req struct {
		RefreshToken string   `json:"refresh_token" form:"refresh_token"`
		Scopes       []string `json:"scopes"`
		Scope        string   `json:"scope" form:"scope"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh token is required")
	}
	requested := req.Scopes
	if len(requested) == 0 && req.Scope != "" {
		requested = strings.Fields(req.Scope)
	}

	pair, err := h.Families.Rotate(ctx, req.RefreshToken, requested)
	if err != nil {
		l.Warn("refresh_failed", "error", err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

func (h *AuthHandler) Logout(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	raw, err := bearerToken(c)
	if err != nil {
		return httpError(autherr.ErrInvalidToken)
	}

	if err := h.Families.Logout(ctx, raw); err != nil {
		// A family that is already gone counts as logged out.
		if errors.Is(err, autherr.ErrNotFound) {
			l.Info("logout_noop", "reason", "family_not_found")
			return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
		}
		l.Warn("logout_failed", "error", err)
		return httpError(err)
	}

	l.Info("logout_success")
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func (h *AuthHandler) Me(c echo.Context) error {
	user, ok := c.Get("user").(*models.User)
	if !ok {
		return httpError(autherr.ErrInvalidToken)
	}
	return c.JSON(http.StatusOK, user)
}

// ListFamilies lists the current user's active session lineages.
func (h *AuthHandler) ListFamilies(c echo.Context) error {
	ctx := c.Request().Context()
	user, ok := c.Get("user").(*models.User)
	if !ok {
		return httpError(autherr.ErrInvalidToken)
	}
	fams, err := h.Families.ListFamilies(ctx, user.UUID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, fams)
}

// PublicKeyPEM serves the verification key for relying parties that check
// token signatures themselves.
func (h *AuthHandler) PublicKeyPEM(c echo.Context) error {
	pemBytes, err := h.Signer.PublicKeyPEM()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.Blob(http.StatusOK, "application/x-pem-file", pemBytes)
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", autherr.ErrInvalidToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", autherr.ErrInvalidToken
	}
	return token, nil
}
