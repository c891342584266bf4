package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ticketdesk/ticketdesk/internal/audit"
	"github.com/ticketdesk/ticketdesk/internal/config"
	"github.com/ticketdesk/ticketdesk/internal/events"
	"github.com/ticketdesk/ticketdesk/internal/handlers"
	"github.com/ticketdesk/ticketdesk/internal/logging"
	authmw "github.com/ticketdesk/ticketdesk/internal/middleware/auth"
	"github.com/ticketdesk/ticketdesk/internal/service/family"
	"github.com/ticketdesk/ticketdesk/internal/service/oauthbridge"
	"github.com/ticketdesk/ticketdesk/internal/service/passkey"
	"github.com/ticketdesk/ticketdesk/internal/tokens"
	httpserver "github.com/ticketdesk/ticketdesk/internal/transport/http"
)

func main() {
	configuration, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(configuration.LogLevel)

	db, err := config.InitDB(configuration)
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}

	signer, err := tokens.NewSigner(
		configuration.JWTPrivateKeyPath,
		configuration.JWTPublicKeyPath,
		configuration.JWTAlgorithm,
		configuration.JWKSURL,
	)
	if err != nil {
		log.Fatalf("signer init error: %v", err)
	}

	prod := events.NewProducer(configuration.KafkaAddress)

	var auditIdx *audit.Indexer
	if configuration.ESURL != "" {
		esClient, err := audit.NewClient(configuration.ESURL, configuration.ESUser, configuration.ESPassword)
		if err != nil {
			log.Fatalf("elasticsearch init error: %v", err)
		}
		auditIdx = &audit.Indexer{ES: esClient, Index: audit.DefaultIndex}
	}

	families := &family.Service{
		DB:         db,
		Signer:     signer,
		Producer:   prod,
		Audit:      auditIdx,
		AccessTTL:  configuration.AccessTokenTTL,
		RefreshTTL: configuration.RefreshTokenTTL,
	}

	passkeys, err := passkey.NewService(db, passkey.Config{
		RPID:                    configuration.WebAuthnRPID,
		RPName:                  configuration.WebAuthnRPName,
		Origin:                  configuration.WebAuthnOrigin,
		RequireUserVerification: configuration.WebAuthnRequireUserVerification,
		ChallengeTTL:            configuration.WebAuthnChallengeTTL,
	}, families, prod, auditIdx)
	if err != nil {
		log.Fatalf("webauthn init error: %v", err)
	}

	bridge := &oauthbridge.Service{
		DB:       db,
		Families: families,
		Producer: prod,
		Audit:    auditIdx,
		Cfg: oauthbridge.Config{
			ClientID:         configuration.OAuthClientID,
			ClientSecret:     configuration.OAuthClientSecret,
			RedirectURIs:     configuration.OAuthRedirectURIs,
			ScopesSupported:  configuration.OAuthScopesSupported,
			TokenAuthMethods: configuration.OAuthTokenAuthMethods,
		},
	}

	e := echo.New()
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.IntoContext(req.Context(), logger)))
			return next(c)
		}
	})

	deps := httpserver.Deps{
		DB:          db,
		AuthHandler: &handlers.AuthHandler{DB: db, Families: families, Signer: signer, Producer: prod, Audit: auditIdx},
		OAuthHandler: &handlers.OAuthHandler{
			Bridge:           bridge,
			Signer:           signer,
			PublicBaseURL:    configuration.PublicBaseURL,
			FrontendLoginURL: configuration.OAuthFrontendLoginURL,
		},
		PasskeyHandler: &handlers.PasskeyHandler{DB: db, Passkeys: passkeys},
		AdminHandler:   &handlers.AdminHandler{Audit: auditIdx},
		TokenService:   &authmw.TokenService{DB: db, Families: families},
	}

	httpserver.Register(e, &deps)

	srv := &http.Server{
		Addr:         configuration.HTTPAddr,
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Printf("db close error: %v", err)
		}
	} else {
		log.Printf("db() error: %v", err)
	}

	if err := prod.Close(); err != nil {
		log.Printf("kafka close error: %v", err)
	}

	log.Println("shutdown complete")
}
