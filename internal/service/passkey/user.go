package passkey

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/ticketdesk/ticketdesk/internal/models"
)

// webUser adapts a stored user and their credentials to the webauthn.User
// interface. The WebAuthn user handle is the raw 16-byte user id.
type webUser struct {
	user  *models.User
	creds []webauthn.Credential
}

func (s *Service) webUser(ctx context.Context, user *models.User) (*webUser, error) {
	var stored []models.WebAuthnCredential
	if err := s.DB.WithContext(ctx).Where("user_uuid = ?", user.UUID).Find(&stored).Error; err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(stored))
	for _, m := range stored {
		creds = append(creds, credentialFromModel(m))
	}
	return &webUser{user: user, creds: creds}, nil
}

func credentialFromModel(m models.WebAuthnCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(m.Transports))
	for _, t := range m.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        m.CredentialID,
		PublicKey: m.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: m.BackedUp,
			BackupState:    m.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: m.SignCount,
		},
	}
}

func (u *webUser) WebAuthnID() []byte { return u.user.UUID[:] }

func (u *webUser) WebAuthnName() string { return u.user.Username }

func (u *webUser) WebAuthnDisplayName() string {
	if u.user.FullName != "" {
		return u.user.FullName
	}
	return u.user.Username
}

func (u *webUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (u *webUser) WebAuthnIcon() string { return "" }
