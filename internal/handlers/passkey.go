package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/logging"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/service/passkey"
)

type PasskeyHandler struct {
	DB       *gorm.DB
	Passkeys *passkey.Service
}

// RegisterOptions begins a passkey registration ceremony for the
// authenticated user.
func (h *PasskeyHandler) RegisterOptions(c echo.Context) error {
	ctx := c.Request().Context()
	user, ok := c.Get("user").(*models.User)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid token")
	}

	options, err := h.Passkeys.BeginRegistration(ctx, user)
	if err != nil {
		logging.FromContext(ctx).Error("passkey_register_options_failed", "error", err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, options)
}

type passkeyVerifyInput struct {
	ChallengeID uuid.UUID       `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
}

// RegisterVerify finishes a passkey registration ceremony and stores the
// new credential.
func (h *PasskeyHandler) RegisterVerify(c echo.Context) error {
	ctx := c.Request().Context()
	user, ok := c.Get("user").(*models.User)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid token")
	}

	var input passkeyVerifyInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid input")
	}
	if input.ChallengeID == uuid.Nil || len(input.Credential) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "challenge_id and credential are required")
	}

	cred, err := h.Passkeys.FinishRegistration(ctx, user, input.ChallengeID, input.Credential)
	if err != nil {
		logging.FromContext(ctx).Warn("passkey_register_verify_failed", "username", user.Username, "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"credential_id": cred.UUID,
		"device_type":   cred.DeviceType,
		"backed_up":     cred.BackedUp,
	})
}

type passkeyLoginOptionsInput struct {
	Username string `json:"username"`
}

// LoginOptions begins a passkey authentication ceremony. The username is
// optional; without one a discoverable-credential ceremony is started.
func (h *PasskeyHandler) LoginOptions(c echo.Context) error {
	ctx := c.Request().Context()

	var input passkeyLoginOptionsInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid input")
	}

	options, err := h.Passkeys.BeginAuthentication(ctx, input.Username)
	if err != nil {
		logging.FromContext(ctx).Warn("passkey_login_options_failed", "username", input.Username, "error", err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, options)
}

type passkeyLoginVerifyInput struct {
	ChallengeID uuid.UUID       `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
	Scopes      []string        `json:"scopes"`
}

// LoginVerify finishes a passkey authentication ceremony and issues a
// token pair.
func (h *PasskeyHandler) LoginVerify(c echo.Context) error {
	ctx := c.Request().Context()

	var input passkeyLoginVerifyInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid input")
	}
	if input.ChallengeID == uuid.Nil || len(input.Credential) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "challenge_id and credential are required")
	}

	pair, err := h.Passkeys.FinishAuthentication(ctx, input.ChallengeID, input.Credential, input.Scopes)
	if err != nil {
		logging.FromContext(ctx).Warn("passkey_login_verify_failed", "error", err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

// Credentials lists the authenticated user's registered passkeys.
func (h *PasskeyHandler) Credentials(c echo.Context) error {
	user, ok := c.Get("user").(*models.User)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid token")
	}

	var creds []models.WebAuthnCredential
	if err := h.DB.WithContext(c.Request().Context()).
		Where("user_uuid = ?", user.UUID).Find(&creds).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	out := make([]echo.Map, 0, len(creds))
	for _, cred := range creds {
		out = append(out, echo.Map{
			"credential_id": cred.UUID,
			"device_type":   cred.DeviceType,
			"backed_up":     cred.BackedUp,
			"transports":    cred.Transports,
		})
	}
	return c.JSON(http.StatusOK, out)
}
