package passkey

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/service/family"
	"github.com/ticketdesk/ticketdesk/internal/tokens"
)

func InitTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect to in-memory db: %v", err)
		return nil
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.User{},
		&models.TokenFamily{},
		&models.RevokedTokenFamily{},
		&models.WebAuthnCredential{},
		&models.WebAuthnChallenge{},
	); err != nil {
		t.Fatalf("failed to migrate tables: %v", err)
	}

	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	db := InitTestDB(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := tokens.NewSignerFromKey(key, "RS256")
	require.NoError(t, err)

	families := &family.Service{
		DB:         db,
		Signer:     signer,
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}

	svc, err := NewService(db, Config{
		RPID:         "example.com",
		RPName:       "ticketdesk",
		Origin:       "https://example.com",
		ChallengeTTL: 5 * time.Minute,
	}, families, nil, nil)
	require.NoError(t, err)
	return svc, db
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
	user := models.User{
		UUID:           uuid.New(),
		Username:       username,
		HashedPassword: "x",
		Scopes:         models.StringList{"tickets:read"},
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func createCredential(t *testing.T, db *gorm.DB, user *models.User) *models.WebAuthnCredential {
	cred := models.WebAuthnCredential{
		UUID:         uuid.New(),
		CredentialID: []byte(user.Username + "-credential"),
		PublicKey:    []byte{0x01, 0x02},
		SignCount:    7,
		UserUUID:     user.UUID,
	}
	require.NoError(t, db.Create(&cred).Error)
	return &cred
}

func TestBeginRegistrationPersistsBoundChallenge(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice")

	options, err := svc.BeginRegistration(context.Background(), user)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, options.ChallengeID)
	require.NotEmpty(t, options.PublicKey.Challenge)

	var ch models.WebAuthnChallenge
	require.NoError(t, db.First(&ch, "uuid = ?", options.ChallengeID).Error)
	require.Equal(t, models.ChallengeTypeRegistration, ch.ChallengeType)
	require.False(t, ch.Used)
	require.NotEmpty(t, ch.Challenge)
	require.NotNil(t, ch.UserUUID)
	require.Equal(t, user.UUID, *ch.UserUUID)
	require.True(t, ch.ExpiresAt.After(time.Now()))
}

func TestBeginRegistrationExcludesExistingCredentials(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice")
	cred := createCredential(t, db, user)

	options, err := svc.BeginRegistration(context.Background(), user)
	require.NoError(t, err)

	require.Len(t, options.PublicKey.CredentialExcludeList, 1)
	require.EqualValues(t, cred.CredentialID, options.PublicKey.CredentialExcludeList[0].CredentialID)
}

func TestBeginAuthenticationNamedUser(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice")
	cred := createCredential(t, db, user)

	options, err := svc.BeginAuthentication(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, options.PublicKey.AllowedCredentials, 1)
	require.EqualValues(t, cred.CredentialID, options.PublicKey.AllowedCredentials[0].CredentialID)

	var ch models.WebAuthnChallenge
	require.NoError(t, db.First(&ch, "uuid = ?", options.ChallengeID).Error)
	require.Equal(t, models.ChallengeTypeAuthentication, ch.ChallengeType)
	require.NotNil(t, ch.UserUUID)
}

func TestBeginAuthenticationWithoutPasskey(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice")

	_, err := svc.BeginAuthentication(context.Background(), "alice")
	require.ErrorIs(t, err, autherr.ErrNotFound)

	_, err = svc.BeginAuthentication(context.Background(), "nobody")
	require.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestBeginAuthenticationDiscoverable(t *testing.T) {
	svc, db := newTestService(t)

	options, err := svc.BeginAuthentication(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, options.PublicKey.AllowedCredentials)

	var ch models.WebAuthnChallenge
	require.NoError(t, db.First(&ch, "uuid = ?", options.ChallengeID).Error)
	require.Nil(t, ch.UserUUID)
}

func TestFinishRejectsUnknownChallenge(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.FinishAuthentication(context.Background(), uuid.New(), []byte("{}"), nil)
	require.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestFinishRejectsChallengeTypeMismatch(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice")

	options, err := svc.BeginRegistration(context.Background(), user)
	require.NoError(t, err)

	// A registration challenge cannot finish an authentication ceremony.
	_, err = svc.FinishAuthentication(context.Background(), options.ChallengeID, []byte("{}"), nil)
	require.ErrorIs(t, err, autherr.ErrInvalidGrant)
}

func TestFinishRejectsUsedChallenge(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice")

	options, err := svc.BeginAuthentication(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.WebAuthnChallenge{}).
		Where("uuid = ?", options.ChallengeID).
		Update("used", true).Error)

	_, err = svc.FinishAuthentication(context.Background(), options.ChallengeID, []byte("{}"), nil)
	require.ErrorIs(t, err, autherr.ErrAlreadyUsed)
}

func TestFinishRejectsExpiredChallenge(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice")

	options, err := svc.BeginAuthentication(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.WebAuthnChallenge{}).
		Where("uuid = ?", options.ChallengeID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	_, err = svc.FinishAuthentication(context.Background(), options.ChallengeID, []byte("{}"), nil)
	require.ErrorIs(t, err, autherr.ErrExpired)
}

func TestFinishRegistrationRejectsForeignChallenge(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	options, err := svc.BeginRegistration(context.Background(), alice)
	require.NoError(t, err)

	_, err = svc.FinishRegistration(context.Background(), bob, options.ChallengeID, []byte("{}"))
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}

func TestFinishRegistrationRejectsGarbageAttestation(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice")

	options, err := svc.BeginRegistration(context.Background(), user)
	require.NoError(t, err)

	_, err = svc.FinishRegistration(context.Background(), user, options.ChallengeID, []byte("not json"))
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	// A failed parse must leave the challenge reusable within its TTL.
	var ch models.WebAuthnChallenge
	require.NoError(t, db.First(&ch, "uuid = ?", options.ChallengeID).Error)
	require.False(t, ch.Used)
}

func TestConsumeChallengeSingleWinner(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice")

	options, err := svc.BeginAuthentication(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, svc.consumeChallenge(db, options.ChallengeID))
	require.ErrorIs(t, svc.consumeChallenge(db, options.ChallengeID), autherr.ErrAlreadyUsed)
}

// assertionJSON builds the smallest assertion body the wire format
// accepts: a syntactically valid response naming the given credential,
// with a zeroed authenticator data block and a junk signature.
func assertionJSON(t *testing.T, credentialID []byte) []byte {
	t.Helper()
	enc := base64.RawURLEncoding.EncodeToString
	clientData := enc([]byte(`{"type":"webauthn.get","challenge":"x","origin":"https://example.com"}`))
	authData := enc(make([]byte, 37))
	return []byte(fmt.Sprintf(
		`{"id":%q,"rawId":%q,"type":"public-key","response":{"clientDataJSON":%q,"authenticatorData":%q,"signature":%q}}`,
		enc(credentialID), enc(credentialID), clientData, authData, enc([]byte{1}),
	))
}

func TestFinishAuthenticationRejectsForeignCredential(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	createCredential(t, db, alice)
	bobCred := createCredential(t, db, bob)

	ctx := context.Background()
	options, err := svc.BeginAuthentication(ctx, "alice")
	require.NoError(t, err)

	// Answering alice's challenge with bob's credential must fail before
	// any signature check runs, and must not burn the challenge.
	_, err = svc.FinishAuthentication(ctx, options.ChallengeID, assertionJSON(t, bobCred.CredentialID), nil)
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	var ch models.WebAuthnChallenge
	require.NoError(t, db.First(&ch, "uuid = ?", options.ChallengeID).Error)
	require.False(t, ch.Used)
}

func TestSignCountMustStrictlyIncrease(t *testing.T) {
	cases := []struct {
		reported uint32
		stored   uint32
		ok       bool
	}{
		{6, 5, true},
		{5, 5, false},
		{4, 5, false},
		{1, 0, true},
		{0, 0, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, signCountAdvanced(tc.reported, tc.stored),
			"reported=%d stored=%d", tc.reported, tc.stored)
	}
}

func TestPersistCredentialRejectsDuplicate(t *testing.T) {
	svc, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	existing := createCredential(t, db, alice)

	ctx := context.Background()
	options, err := svc.BeginRegistration(ctx, bob)
	require.NoError(t, err)

	dup := models.WebAuthnCredential{
		UUID:         uuid.New(),
		CredentialID: existing.CredentialID,
		PublicKey:    []byte{0x03, 0x04},
		UserUUID:     bob.UUID,
	}
	require.ErrorIs(t, svc.persistCredential(ctx, options.ChallengeID, &dup), autherr.ErrConflict)

	// The losing registration keeps its challenge and writes nothing.
	var ch models.WebAuthnChallenge
	require.NoError(t, db.First(&ch, "uuid = ?", options.ChallengeID).Error)
	require.False(t, ch.Used)

	var count int64
	require.NoError(t, db.Model(&models.WebAuthnCredential{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestDeviceType(t *testing.T) {
	require.Equal(t, "multi_device", deviceType(true))
	require.Equal(t, "single_device", deviceType(false))
}
