// Package oauthbridge implements the Authorization-Code-with-PKCE flow for
// the single configured third-party client. Codes are opaque, high-entropy,
// short-lived and single-use.
package oauthbridge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/audit"
	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/events"
	"github.com/ticketdesk/ticketdesk/internal/hash"
	"github.com/ticketdesk/ticketdesk/internal/logging"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/scopes"
	"github.com/ticketdesk/ticketdesk/internal/service/family"
)

// codeTTL is the fixed lifetime of an authorization code.
const codeTTL = 5 * time.Minute

type Config struct {
	ClientID         string
	ClientSecret     string
	RedirectURIs     []string
	ScopesSupported  []string
	TokenAuthMethods []string
}

type Service struct {
	DB       *gorm.DB
	Families *family.Service
	Producer *events.Producer
	Audit    *audit.Indexer
	Cfg      Config
}

// AuthorizeRequest carries the query/form parameters of the authorize
// endpoints. All of them round-trip through the login form as opaque
// state.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// ValidateAuthorizeRequest enforces the client allow-lists and PKCE
// constraints and returns the parsed requested scopes.
func (s *Service) ValidateAuthorizeRequest(req AuthorizeRequest) ([]string, error) {
	if req.ResponseType != "code" {
		return nil, autherr.ErrInvalidGrant
	}
	if err := s.validateClient(req.ClientID); err != nil {
		return nil, err
	}
	if err := s.validateRedirectURI(req.RedirectURI); err != nil {
		return nil, err
	}
	if req.CodeChallengeMethod != "S256" || req.CodeChallenge == "" {
		return nil, autherr.ErrInvalidGrant
	}
	return s.validateScope(req.Scope)
}

func (s *Service) validateClient(clientID string) error {
	if s.Cfg.ClientID == "" || clientID != s.Cfg.ClientID {
		return autherr.ErrInvalidGrant
	}
	return nil
}

func (s *Service) validateRedirectURI(redirectURI string) error {
	for _, allowed := range s.Cfg.RedirectURIs {
		if redirectURI == allowed {
			return nil
		}
	}
	return autherr.ErrInvalidGrant
}

func (s *Service) validateScope(scope string) ([]string, error) {
	supported := s.Cfg.ScopesSupported
	if len(supported) == 0 {
		supported = scopes.SupportedList()
	}
	var requested []string
	for _, item := range strings.Fields(scope) {
		if !scopes.Contains(supported, item) {
			return nil, autherr.ErrInvalidGrant
		}
		requested = append(requested, item)
	}
	return requested, nil
}

// Authorize authenticates the resource owner and mints an authorization
// code. The returned URL carries the code and the client's state back to
// the allow-listed redirect target.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest, username, password string) (string, error) {
	requested, err := s.ValidateAuthorizeRequest(req)
	if err != nil {
		return "", err
	}

	var user models.User
	if err := s.DB.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", autherr.ErrInvalidCredentials
		}
		return "", err
	}
	if !hash.CheckPassword(user.HashedPassword, password) {
		return "", autherr.ErrInvalidCredentials
	}
	if user.Disabled {
		return "", autherr.ErrDisabled
	}

	effective := scopes.Intersect(user.Scopes, nil, requested)

	code, err := NewCode()
	if err != nil {
		return "", err
	}
	row := models.OAuthAuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               effective,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resource:            req.Resource,
		ExpiresAt:           time.Now().UTC().Add(codeTTL),
		UserUUID:            user.UUID,
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypeOAuthCodeIssued,
		Username: user.Username,
		UserUUID: user.UUID.String(),
		ClientID: req.ClientID,
		At:       time.Now().UTC(),
	})

	redirect := req.RedirectURI + "?code=" + url.QueryEscape(code)
	if req.State != "" {
		redirect += "&state=" + url.QueryEscape(req.State)
	}
	return redirect, nil
}

// TokenRequest carries the token-endpoint form parameters plus the raw
// Authorization header for basic client authentication.
type TokenRequest struct {
	GrantType     string
	Code          string
	RedirectURI   string
	ClientID      string
	ClientSecret  string
	CodeVerifier  string
	BasicAuth     string
}

// Exchange redeems an authorization code for a token pair. The code is
// consumed with a conditional delete so two parallel redemptions cannot
// both succeed.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (*family.TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "oauthbridge.exchange")

	if req.GrantType != "authorization_code" {
		return nil, autherr.ErrInvalidGrant
	}
	if err := s.validateClient(req.ClientID); err != nil {
		return nil, err
	}
	if err := s.validateRedirectURI(req.RedirectURI); err != nil {
		return nil, err
	}
	if err := s.authenticateClient(req); err != nil {
		return nil, err
	}

	var code models.OAuthAuthorizationCode
	if err := s.DB.WithContext(ctx).Where("code = ?", req.Code).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrInvalidGrant
		}
		return nil, err
	}
	if code.RedirectURI != req.RedirectURI || code.ClientID != req.ClientID {
		return nil, autherr.ErrInvalidGrant
	}
	if code.ExpiresAt.Before(time.Now().UTC()) {
		// Delete on detection; a later retry with the same code is
		// indistinguishable from an unknown one.
		s.DB.WithContext(ctx).Delete(&models.OAuthAuthorizationCode{}, "code = ?", code.Code)
		return nil, autherr.ErrExpired
	}

	if req.CodeVerifier == "" || !VerifierMatches(req.CodeVerifier, code.CodeChallenge) {
		return nil, autherr.ErrInvalidGrant
	}

	// Single use: whoever deletes the row first wins the redemption.
	res := s.DB.WithContext(ctx).Delete(&models.OAuthAuthorizationCode{}, "code = ?", code.Code)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, autherr.ErrInvalidGrant
	}

	var user models.User
	if err := s.DB.WithContext(ctx).Where("uuid = ?", code.UserUUID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrNotFound
		}
		return nil, err
	}

	pair, err := s.Families.IssueForUser(ctx, &user, code.Scope, code.Resource)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypeOAuthCodeRedeemed,
		Username: user.Username,
		UserUUID: user.UUID.String(),
		ClientID: req.ClientID,
		At:       time.Now().UTC(),
	})
	l.Info("code_redeemed", "client_id", req.ClientID)
	return pair, nil
}

// authenticateClient checks client identity per the configured methods.
// Each method authorizes only its own transport: "none" disables the
// check, "client_secret_basic" reads the Authorization header,
// "client_secret_post" reads the form field. A secret arriving over a
// transport whose method is not configured is ignored.
func (s *Service) authenticateClient(req TokenRequest) error {
	if s.methodAllowed("none") {
		return nil
	}
	if s.Cfg.ClientSecret == "" {
		return autherr.ErrInvalidGrant
	}

	if s.methodAllowed("client_secret_basic") && strings.HasPrefix(strings.ToLower(req.BasicAuth), "basic ") {
		decoded, err := base64.StdEncoding.DecodeString(req.BasicAuth[len("basic "):])
		if err == nil {
			if id, secret, ok := strings.Cut(string(decoded), ":"); ok {
				if id == req.ClientID && secretEqual(secret, s.Cfg.ClientSecret) {
					return nil
				}
			}
		}
	}

	if s.methodAllowed("client_secret_post") && req.ClientSecret != "" && secretEqual(req.ClientSecret, s.Cfg.ClientSecret) {
		return nil
	}
	return autherr.ErrInvalidCredentials
}

func (s *Service) methodAllowed(method string) bool {
	for _, m := range s.Cfg.TokenAuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewCode mints a URL-safe opaque code with 384 bits of entropy.
func NewCode() (string, error) {
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifierMatches reports whether the SHA-256 digest of the verifier,
// base64url-encoded without padding, equals the stored challenge.
func VerifierMatches(verifier, challenge string) bool {
	digest := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(digest[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func (s *Service) emit(ctx context.Context, event events.AuthEvent) {
	l := logging.FromContext(ctx)
	if err := s.Producer.PublishEvent(ctx, events.TopicAuthEvents, event.ClientID+event.Username, event); err != nil {
		l.Error("event_publish_failed", "type", event.Type, "error", err)
	}
	if err := s.Audit.Record(ctx, event); err != nil {
		l.Error("audit_record_failed", "type", event.Type, "error", err)
	}
}
