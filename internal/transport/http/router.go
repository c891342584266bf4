package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/handlers"
	authmw "github.com/ticketdesk/ticketdesk/internal/middleware/auth"
)

type Deps struct {
	DB             *gorm.DB
	AuthHandler    *handlers.AuthHandler
	OAuthHandler   *handlers.OAuthHandler
	PasskeyHandler *handlers.PasskeyHandler
	AdminHandler   *handlers.AdminHandler
	TokenService   *authmw.TokenService
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if sqlDB, err := d.DB.DB(); err != nil || sqlDB.Ping() != nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})

	auth := e.Group("/auth")

	auth.POST("/register", d.AuthHandler.Register)
	auth.POST("/login", d.AuthHandler.Login)
	auth.POST("/refresh", d.AuthHandler.Refresh)
	auth.POST("/logout", d.AuthHandler.Logout)
	auth.GET("/jwt/public_key.pem", d.AuthHandler.PublicKeyPEM)

	auth.GET("/users/me", d.AuthHandler.Me, d.TokenService.RequireAuth())
	auth.GET("/families", d.AuthHandler.ListFamilies, d.TokenService.RequireAuth("token_family:read"))
	auth.GET("/admin/audit", d.AdminHandler.SearchAudit, d.TokenService.RequireAuth("token_family:read"))

	passkeys := auth.Group("/passkeys")
	passkeys.POST("/register/options", d.PasskeyHandler.RegisterOptions, d.TokenService.RequireAuth())
	passkeys.POST("/register/verify", d.PasskeyHandler.RegisterVerify, d.TokenService.RequireAuth())
	passkeys.POST("/login/options", d.PasskeyHandler.LoginOptions)
	passkeys.POST("/login/verify", d.PasskeyHandler.LoginVerify)
	passkeys.GET("", d.PasskeyHandler.Credentials, d.TokenService.RequireAuth())

	oauth := e.Group("/oauth")
	oauth.GET("/authorize", d.OAuthHandler.AuthorizeGET)
	oauth.POST("/authorize", d.OAuthHandler.AuthorizePOST)
	oauth.POST("/token", d.OAuthHandler.Token)

	e.GET("/.well-known/jwks.json", d.OAuthHandler.JWKS)
	e.GET("/.well-known/oauth-protected-resource", d.OAuthHandler.ProtectedResourceMetadata)
}
