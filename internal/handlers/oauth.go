package handlers

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/logging"
	"github.com/ticketdesk/ticketdesk/internal/scopes"
	"github.com/ticketdesk/ticketdesk/internal/service/oauthbridge"
	"github.com/ticketdesk/ticketdesk/internal/tokens"
)

type OAuthHandler struct {
	Bridge           *oauthbridge.Service
	Signer           *tokens.Signer
	PublicBaseURL    string
	FrontendLoginURL string
}

var loginFormTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>OAuth Login</title>
    <style>
      body { font-family: Arial, sans-serif; max-width: 420px; margin: 40px auto; padding: 0 12px; }
      label { display: block; margin-top: 12px; }
      input { width: 100%; padding: 8px; margin-top: 4px; }
      button { margin-top: 16px; padding: 10px 14px; }
    </style>
  </head>
  <body>
    <h2>Sign in</h2>
    {{if .Error}}<p style="color:#b00020">{{.Error}}</p>{{end}}
    <form method="post" action="/oauth/authorize">
      {{range $key, $value := .Params}}<input type="hidden" name="{{$key}}" value="{{$value}}">
      {{end}}
      <label>Username
        <input type="text" name="username" required />
      </label>
      <label>Password
        <input type="password" name="password" required />
      </label>
      <button type="submit">Continue</button>
    </form>
  </body>
</html>
`))

func (h *OAuthHandler) authorizeRequest(c echo.Context) oauthbridge.AuthorizeRequest {
	get := c.FormValue
	if c.Request().Method == http.MethodGet {
		get = c.QueryParam
	}
	req := oauthbridge.AuthorizeRequest{
		ResponseType:        get("response_type"),
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		Scope:               get("scope"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
		Resource:            get("resource"),
	}
	if req.ResponseType == "" {
		req.ResponseType = "code"
	}
	return req
}

func formParams(req oauthbridge.AuthorizeRequest) map[string]string {
	return map[string]string{
		"response_type":         req.ResponseType,
		"client_id":             req.ClientID,
		"redirect_uri":          req.RedirectURI,
		"scope":                 req.Scope,
		"state":                 req.State,
		"code_challenge":        req.CodeChallenge,
		"code_challenge_method": req.CodeChallengeMethod,
		"resource":              req.Resource,
	}
}

func (h *OAuthHandler) renderLoginForm(c echo.Context, errMsg string, req oauthbridge.AuthorizeRequest) error {
	var buf bytes.Buffer
	err := loginFormTemplate.Execute(&buf, struct {
		Error  string
		Params map[string]string
	}{Error: errMsg, Params: formParams(req)})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.HTML(http.StatusOK, buf.String())
}

// AuthorizeGET validates the authorization request and shows the login
// form, or forwards the whole parameter set to a configured frontend.
func (h *OAuthHandler) AuthorizeGET(c echo.Context) error {
	req := h.authorizeRequest(c)
	if _, err := h.Bridge.ValidateAuthorizeRequest(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid authorization request")
	}

	if h.FrontendLoginURL != "" {
		values := url.Values{}
		for key, value := range formParams(req) {
			values.Set(key, value)
		}
		return c.Redirect(http.StatusFound, h.FrontendLoginURL+"?"+values.Encode())
	}
	return h.renderLoginForm(c, "", req)
}

// AuthorizePOST authenticates the resource owner and redirects back to the
// client with a fresh authorization code. Bad credentials re-render the
// form; no code is issued.
func (h *OAuthHandler) AuthorizePOST(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "oauth_authorize")

	req := h.authorizeRequest(c)
	redirect, err := h.Bridge.Authorize(ctx, req, c.FormValue("username"), c.FormValue("password"))
	if err != nil {
		switch {
		case errors.Is(err, autherr.ErrInvalidCredentials):
			l.Warn("authorize_failed", "reason", "invalid_credentials")
			return h.renderLoginForm(c, "Invalid credentials", req)
		case errors.Is(err, autherr.ErrDisabled):
			return echo.NewHTTPError(http.StatusForbidden, "user disabled")
		case errors.Is(err, autherr.ErrInvalidGrant):
			return echo.NewHTTPError(http.StatusBadRequest, "invalid authorization request")
		default:
			l.Error("authorize_failed", "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
	}
	return c.Redirect(http.StatusFound, redirect)
}

// Token redeems an authorization code for a token pair.
func (h *OAuthHandler) Token(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "oauth_token")

	req := oauthbridge.TokenRequest{
		GrantType:    c.FormValue("grant_type"),
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		ClientID:     c.FormValue("client_id"),
		ClientSecret: c.FormValue("client_secret"),
		CodeVerifier: c.FormValue("code_verifier"),
		BasicAuth:    c.Request().Header.Get(echo.HeaderAuthorization),
	}

	pair, err := h.Bridge.Exchange(ctx, req)
	if err != nil {
		l.Warn("token_exchange_failed", "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"access_token":  pair.AccessToken,
		"token_type":    pair.TokenType,
		"expires_in":    pair.ExpiresIn,
		"refresh_token": pair.RefreshToken,
		"scope":         strings.Join(pair.Scope, " "),
	})
}

// JWKS publishes the signing key for relying parties that verify
// independently.
func (h *OAuthHandler) JWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Signer.PublicJWKS())
}

// ProtectedResourceMetadata serves the OAuth protected-resource discovery
// document.
func (h *OAuthHandler) ProtectedResourceMetadata(c echo.Context) error {
	supported := h.Bridge.Cfg.ScopesSupported
	if len(supported) == 0 {
		supported = scopes.SupportedList()
	}
	return c.JSON(http.StatusOK, echo.Map{
		"resource":                 h.PublicBaseURL,
		"authorization_servers":    []string{h.PublicBaseURL},
		"scopes_supported":         supported,
		"bearer_methods_supported": []string{"header"},
	})
}
