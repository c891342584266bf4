// Package passkey runs WebAuthn registration and authentication
// ceremonies. Every ceremony is anchored to a persisted single-use,
// time-boxed challenge; consumption happens in the same transaction as the
// cryptographic verification so a double submit can never finish twice.
package passkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/audit"
	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/events"
	"github.com/ticketdesk/ticketdesk/internal/logging"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/scopes"
	"github.com/ticketdesk/ticketdesk/internal/service/family"
)

type Config struct {
	RPID                    string
	RPName                  string
	Origin                  string
	RequireUserVerification bool
	ChallengeTTL            time.Duration
}

type Service struct {
	DB       *gorm.DB
	Web      *webauthn.WebAuthn
	Families *family.Service
	Producer *events.Producer
	Audit    *audit.Indexer

	requireUserVerification bool
	challengeTTL            time.Duration
}

func NewService(db *gorm.DB, cfg Config, families *family.Service, producer *events.Producer, auditIdx *audit.Indexer) (*Service, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPName,
		RPOrigins:     []string{cfg.Origin},
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		DB:                      db,
		Web:                     web,
		Families:                families,
		Producer:                producer,
		Audit:                   auditIdx,
		requireUserVerification: cfg.RequireUserVerification,
		challengeTTL:            cfg.ChallengeTTL,
	}, nil
}

// RegistrationOptions is what the browser needs to run
// navigator.credentials.create, plus the reference it must present back.
type RegistrationOptions struct {
	ChallengeID uuid.UUID                                   `json:"challenge_id"`
	PublicKey   protocol.PublicKeyCredentialCreationOptions `json:"public_key"`
}

type AuthenticationOptions struct {
	ChallengeID uuid.UUID                                  `json:"challenge_id"`
	PublicKey   protocol.PublicKeyCredentialRequestOptions `json:"public_key"`
}

func (s *Service) userVerification() protocol.UserVerificationRequirement {
	if s.requireUserVerification {
		return protocol.VerificationRequired
	}
	return protocol.VerificationPreferred
}

// BeginRegistration issues registration options excluding the user's
// already-registered credentials and persists the challenge bound to the
// user.
func (s *Service) BeginRegistration(ctx context.Context, user *models.User) (*RegistrationOptions, error) {
	wuser, err := s.webUser(ctx, user)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(wuser.creds))
	for _, cred := range wuser.creds {
		exclusions = append(exclusions, cred.Descriptor())
	}

	creation, session, err := s.Web.BeginRegistration(wuser,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: s.userVerification(),
		}),
	)
	if err != nil {
		return nil, err
	}

	ch, err := s.createChallenge(ctx, models.ChallengeTypeRegistration, session.Challenge, user.Username, &user.UUID)
	if err != nil {
		return nil, err
	}
	return &RegistrationOptions{ChallengeID: ch.UUID, PublicKey: creation.Response}, nil
}

// FinishRegistration verifies the attestation against the stored challenge
// and persists the new credential. The duplicate check and the used-flag
// flip share one transaction.
func (s *Service) FinishRegistration(ctx context.Context, user *models.User, challengeID uuid.UUID, credentialJSON []byte) (*models.WebAuthnCredential, error) {
	ch, err := s.loadChallenge(ctx, challengeID, models.ChallengeTypeRegistration)
	if err != nil {
		return nil, err
	}
	if ch.UserUUID == nil || *ch.UserUUID != user.UUID {
		return nil, autherr.ErrInvalidCredentials
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(credentialJSON))
	if err != nil {
		return nil, autherr.ErrInvalidCredentials
	}

	wuser, err := s.webUser(ctx, user)
	if err != nil {
		return nil, err
	}
	cred, err := s.Web.CreateCredential(wuser, s.sessionFor(ch, user.UUID[:]), parsed)
	if err != nil {
		return nil, autherr.ErrInvalidCredentials
	}

	created := models.WebAuthnCredential{
		UUID:         uuid.New(),
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		SignCount:    cred.Authenticator.SignCount,
		Transports:   transportStrings(cred.Transport),
		BackedUp:     cred.Flags.BackupState,
		DeviceType:   deviceType(cred.Flags.BackupEligible),
		UserUUID:     user.UUID,
	}
	if err := s.persistCredential(ctx, ch.UUID, &created); err != nil {
		return nil, err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypePasskeyRegistered,
		Username: user.Username,
		UserUUID: user.UUID.String(),
		At:       time.Now().UTC(),
	})
	return &created, nil
}

// persistCredential stores a freshly validated credential and burns its
// challenge in one transaction. A credential ID already on file belongs to
// someone; registering it again returns ErrConflict and leaves the
// challenge untouched.
func (s *Service) persistCredential(ctx context.Context, challengeID uuid.UUID, created *models.WebAuthnCredential) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.WebAuthnCredential{}).
			Where("credential_id = ?", created.CredentialID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return autherr.ErrConflict
		}
		if err := s.consumeChallenge(tx, challengeID); err != nil {
			return err
		}
		return tx.Create(created).Error
	})
}

// BeginAuthentication issues authentication options. With a username the
// allow-list is pinned to that user's credentials; without one, any
// discoverable credential may answer.
func (s *Service) BeginAuthentication(ctx context.Context, username string) (*AuthenticationOptions, error) {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		boundUser *uuid.UUID
		err       error
	)

	if username != "" {
		var user models.User
		if err := s.DB.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, autherr.ErrNotFound
			}
			return nil, err
		}
		wuser, err2 := s.webUser(ctx, &user)
		if err2 != nil {
			return nil, err2
		}
		if len(wuser.creds) == 0 {
			return nil, autherr.ErrNotFound
		}
		assertion, session, err = s.Web.BeginLogin(wuser,
			webauthn.WithUserVerification(s.userVerification()),
		)
		boundUser = &user.UUID
	} else {
		assertion, session, err = s.Web.BeginDiscoverableLogin(
			webauthn.WithUserVerification(s.userVerification()),
		)
	}
	if err != nil {
		return nil, err
	}

	ch, err := s.createChallenge(ctx, models.ChallengeTypeAuthentication, session.Challenge, username, boundUser)
	if err != nil {
		return nil, err
	}
	return &AuthenticationOptions{ChallengeID: ch.UUID, PublicKey: assertion.Response}, nil
}

// FinishAuthentication verifies the assertion, enforces the strictly
// increasing signature counter, consumes the challenge and issues a token
// pair for the credential's owner.
func (s *Service) FinishAuthentication(ctx context.Context, challengeID uuid.UUID, credentialJSON []byte, requested []string) (*family.TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "passkey.finish_authentication")

	ch, err := s.loadChallenge(ctx, challengeID, models.ChallengeTypeAuthentication)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(credentialJSON))
	if err != nil {
		return nil, autherr.ErrInvalidCredentials
	}

	var credModel models.WebAuthnCredential
	if err := s.DB.WithContext(ctx).Where("credential_id = ?", []byte(parsed.RawID)).First(&credModel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrNotFound
		}
		return nil, err
	}

	// A challenge issued for one account must not be answerable with
	// another account's credential.
	if ch.UserUUID != nil && *ch.UserUUID != credModel.UserUUID {
		return nil, autherr.ErrInvalidCredentials
	}

	var owner models.User
	if err := s.DB.WithContext(ctx).Where("uuid = ?", credModel.UserUUID).First(&owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrNotFound
		}
		return nil, err
	}
	wuser, err := s.webUser(ctx, &owner)
	if err != nil {
		return nil, err
	}

	var validated *webauthn.Credential
	if ch.UserUUID != nil {
		validated, err = s.Web.ValidateLogin(wuser, s.sessionFor(ch, owner.UUID[:]), parsed)
	} else {
		validated, err = s.Web.ValidateDiscoverableLogin(
			func(rawID, userHandle []byte) (webauthn.User, error) { return wuser, nil },
			s.sessionFor(ch, nil),
			parsed,
		)
	}
	if err != nil {
		return nil, autherr.ErrInvalidCredentials
	}

	if validated.Authenticator.CloneWarning || !signCountAdvanced(validated.Authenticator.SignCount, credModel.SignCount) {
		l.Warn("sign_count_rejected",
			"credential", credModel.UUID.String(),
			"stored", credModel.SignCount,
			"reported", validated.Authenticator.SignCount,
		)
		return nil, autherr.ErrInvalidCredentials
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.consumeChallenge(tx, ch.UUID); err != nil {
			return err
		}
		return tx.Model(&models.WebAuthnCredential{}).
			Where("uuid = ?", credModel.UUID).
			Update("sign_count", validated.Authenticator.SignCount).Error
	})
	if err != nil {
		return nil, err
	}

	if owner.Disabled {
		return nil, autherr.ErrDisabled
	}

	effective := scopes.Intersect(owner.Scopes, nil, requested)
	pair, err := s.Families.IssueForUser(ctx, &owner, effective, "")
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypePasskeyLogin,
		Username: owner.Username,
		UserUUID: owner.UUID.String(),
		At:       time.Now().UTC(),
	})
	return pair, nil
}

func (s *Service) createChallenge(ctx context.Context, challengeType, sessionChallenge, username string, userUUID *uuid.UUID) (*models.WebAuthnChallenge, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sessionChallenge)
	if err != nil {
		return nil, err
	}
	ch := models.WebAuthnChallenge{
		UUID:          uuid.New(),
		Challenge:     raw,
		ChallengeType: challengeType,
		ExpiresAt:     time.Now().UTC().Add(s.challengeTTL),
		Used:          false,
		Username:      username,
		UserUUID:      userUUID,
	}
	if err := s.DB.WithContext(ctx).Create(&ch).Error; err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *Service) loadChallenge(ctx context.Context, id uuid.UUID, challengeType string) (*models.WebAuthnChallenge, error) {
	var ch models.WebAuthnChallenge
	if err := s.DB.WithContext(ctx).Where("uuid = ?", id).First(&ch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrNotFound
		}
		return nil, err
	}
	if ch.ChallengeType != challengeType {
		return nil, autherr.ErrInvalidGrant
	}
	if ch.Used {
		return nil, autherr.ErrAlreadyUsed
	}
	if ch.ExpiresAt.Before(time.Now().UTC()) {
		return nil, autherr.ErrExpired
	}
	return &ch, nil
}

// consumeChallenge flips the used flag conditionally so only one finisher
// of a ceremony can win.
func (s *Service) consumeChallenge(tx *gorm.DB, id uuid.UUID) error {
	res := tx.Model(&models.WebAuthnChallenge{}).
		Where("uuid = ? AND used = ?", id, false).
		Update("used", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return autherr.ErrAlreadyUsed
	}
	return nil
}

func (s *Service) sessionFor(ch *models.WebAuthnChallenge, userID []byte) webauthn.SessionData {
	return webauthn.SessionData{
		Challenge:        base64.RawURLEncoding.EncodeToString(ch.Challenge),
		UserID:           userID,
		Expires:          ch.ExpiresAt,
		UserVerification: s.userVerification(),
	}
}

func (s *Service) emit(ctx context.Context, event events.AuthEvent) {
	l := logging.FromContext(ctx)
	if err := s.Producer.PublishEvent(ctx, events.TopicAuthEvents, event.Username, event); err != nil {
		l.Error("event_publish_failed", "type", event.Type, "error", err)
	}
	if err := s.Audit.Record(ctx, event); err != nil {
		l.Error("audit_record_failed", "type", event.Type, "error", err)
	}
}

// signCountAdvanced reports whether an assertion's counter is strictly
// greater than the stored one. An equal or lower counter smells like a
// cloned authenticator and fails the login.
func signCountAdvanced(reported, stored uint32) bool {
	return reported > stored
}

func transportStrings(transports []protocol.AuthenticatorTransport) models.StringList {
	out := make(models.StringList, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}

func deviceType(backupEligible bool) string {
	if backupEligible {
		return "multi_device"
	}
	return "single_device"
}
