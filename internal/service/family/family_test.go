package family

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/hash"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/scopes"
	"github.com/ticketdesk/ticketdesk/internal/tokens"
)

func InitTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect to in-memory db: %v", err)
		return nil
	}

	// A second pool connection would see a different in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.User{},
		&models.TokenFamily{},
		&models.RevokedTokenFamily{},
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

	svc := &Service{
		DB:         db,
		Signer:     signer,
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}
	return svc, db
}

func createUser(t *testing.T, db *gorm.DB, username string, userScopes []string, disabled bool) *models.User {
	hashed, err := hash.HashPassword("password")
	require.NoError(t, err)

	user := models.User{
		UUID:           uuid.New(),
		Username:       username,
		Email:          username + "@example.com",
		HashedPassword: hashed,
		Disabled:       disabled,
		Scopes:         userScopes,
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func TestLoginIssuesPair(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", []string{"users:read", "tickets:read"}, false)

	pair, err := svc.Login(context.Background(), "alice", "password", []string{"tickets:read"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "bearer", pair.TokenType)
	require.Equal(t, []string{"tickets:read"}, pair.Scope)

	claims, err := svc.Signer.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, []string{"tickets:read"}, claims.Scope)

	var count int64
	require.NoError(t, db.Model(&models.TokenFamily{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", nil, false)
	createUser(t, db, "mallory", nil, true)

	ctx := context.Background()

	_, err := svc.Login(ctx, "nobody", "password", nil)
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	_, err = svc.Login(ctx, "alice", "wrong", nil)
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	_, err = svc.Login(ctx, "mallory", "password", nil)
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}

func TestRotateAdvancesIdentifier(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", []string{"tickets:read"}, false)

	ctx := context.Background()
	pair, err := svc.Login(ctx, "alice", "password", nil)
	require.NoError(t, err)

	var before models.TokenFamily
	require.NoError(t, db.First(&before).Error)

	rotated, err := svc.Rotate(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	var after models.TokenFamily
	require.NoError(t, db.First(&after).Error)
	require.Equal(t, before.UUID, after.UUID)
	require.NotEqual(t, before.LastRefreshToken, after.LastRefreshToken)
}

func TestRotateReuseDetected(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", []string{"tickets:read"}, false)

	ctx := context.Background()
	pair, err := svc.Login(ctx, "alice", "password", nil)
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)

	var before models.TokenFamily
	require.NoError(t, db.First(&before).Error)

	// The first refresh token is now stale. Presenting it again must be
	// rejected without changing the family.
	_, err = svc.Rotate(ctx, pair.RefreshToken, nil)
	require.ErrorIs(t, err, autherr.ErrReuseDetected)

	var after models.TokenFamily
	require.NoError(t, db.First(&after).Error)
	require.Equal(t, before.LastRefreshToken, after.LastRefreshToken)
	require.WithinDuration(t, before.DeleteDate, after.DeleteDate, time.Second)

	var revoked int64
	require.NoError(t, db.Model(&models.RevokedTokenFamily{}).Count(&revoked).Error)
	require.Zero(t, revoked)
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", []string{"tickets:read"}, false)

	ctx := context.Background()
	pair, err := svc.Login(ctx, "alice", "password", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Rotate(ctx, pair.RefreshToken, nil)
		}(i)
	}
	wg.Wait()

	var ok, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, autherr.ErrConflict), errors.Is(err, autherr.ErrReuseDetected):
			lost++
		default:
			t.Fatalf("unexpected rotation error: %v", err)
		}
	}
	require.Equal(t, 1, ok, "exactly one rotation may win")
	require.Equal(t, 1, lost)

	var count int64
	require.NoError(t, db.Model(&models.TokenFamily{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRotateDisabledUser(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice", []string{"tickets:read"}, false)

	ctx := context.Background()
	pair, err := svc.Login(ctx, "alice", "password", nil)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).
		Where("uuid = ?", user.UUID).Update("disabled", true).Error)

	_, err = svc.Rotate(ctx, pair.RefreshToken, nil)
	require.ErrorIs(t, err, autherr.ErrDisabled)
}

func TestRotateNarrowsScopes(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", []string{"users:read", "tickets:read", "tickets:edit"}, false)

	ctx := context.Background()
	pair, err := svc.Login(ctx, "alice", "password", []string{"tickets:read", "tickets:edit"})
	require.NoError(t, err)

	rotated, err := svc.Rotate(ctx, pair.RefreshToken, []string{"tickets:read", "users:read"})
	require.NoError(t, err)

	// users:read was never in the family's stored scopes, so it cannot
	// reappear on rotation.
	require.Equal(t, []string{"tickets:read"}, rotated.Scope)
	require.True(t, scopes.IsSubset(rotated.Scope, []string{"tickets:read", "tickets:edit"}))

	var fam models.TokenFamily
	require.NoError(t, db.First(&fam).Error)
	require.Equal(t, models.StringList{"tickets:read"}, fam.TokenScopes)
}

func TestRotatePreservesAudience(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice", []string{"tickets:read"}, false)

	ctx := context.Background()
	pair, err := svc.IssueForUser(ctx, user, []string{"tickets:read"}, "https://api.example.com")
	require.NoError(t, err)

	claims, err := svc.Signer.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Contains(t, claims.Audience, "https://api.example.com")

	// The audience survives rotation; a relying party that checks aud
	// keeps accepting tokens from the refreshed session.
	rotated, err := svc.Rotate(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)

	claims, err = svc.Signer.VerifyAccess(rotated.AccessToken)
	require.NoError(t, err)
	require.Contains(t, claims.Audience, "https://api.example.com")

	var fam models.TokenFamily
	require.NoError(t, db.First(&fam).Error)
	require.Equal(t, "https://api.example.com", fam.Resource)
}

func TestRevokeMovesFamilyToLedger(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", nil, false)

	ctx := context.Background()
	_, err := svc.Login(ctx, "alice", "password", nil)
	require.NoError(t, err)

	var fam models.TokenFamily
	require.NoError(t, db.First(&fam).Error)

	require.NoError(t, svc.Revoke(ctx, fam.UUID))

	var families, tombstones int64
	require.NoError(t, db.Model(&models.TokenFamily{}).Count(&families).Error)
	require.NoError(t, db.Model(&models.RevokedTokenFamily{}).Count(&tombstones).Error)
	require.Zero(t, families)
	require.EqualValues(t, 1, tombstones)

	revoked, err := svc.IsRevoked(ctx, fam.UUID)
	require.NoError(t, err)
	require.True(t, revoked)

	require.ErrorIs(t, svc.Revoke(ctx, fam.UUID), autherr.ErrNotFound)
}

func TestLogoutRevokesAndBlocksTokens(t *testing.T) {
	svc, db := newTestService(t)
	createUser(t, db, "alice", nil, false)

	ctx := context.Background()
	pair, err := svc.Login(ctx, "alice", "password", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.AccessToken))

	_, err = svc.VerifyAccessToken(ctx, pair.AccessToken)
	require.ErrorIs(t, err, autherr.ErrRevoked)

	_, err = svc.Rotate(ctx, pair.RefreshToken, nil)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestVerifyAccessTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.VerifyAccessToken(context.Background(), "not-a-token")
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}
