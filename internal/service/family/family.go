// Package family owns the refresh-token rotation protocol. A family is one
// login session; it accepts exactly one refresh-token identifier at a time
// and advances it on every successful rotation.
package family

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ticketdesk/ticketdesk/internal/audit"
	"github.com/ticketdesk/ticketdesk/internal/autherr"
	"github.com/ticketdesk/ticketdesk/internal/events"
	"github.com/ticketdesk/ticketdesk/internal/hash"
	"github.com/ticketdesk/ticketdesk/internal/logging"
	"github.com/ticketdesk/ticketdesk/internal/models"
	"github.com/ticketdesk/ticketdesk/internal/scopes"
	"github.com/ticketdesk/ticketdesk/internal/tokens"
)

type Service struct {
	DB         *gorm.DB
	Signer     *tokens.Signer
	Producer   *events.Producer
	Audit      *audit.Indexer
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
}

// CreateFamily starts a new session lineage for the user with a fresh
// one-time refresh identifier and a rotation deadline of now + refresh TTL.
// The audience the family was issued for is stored on the row so later
// rotations reissue tokens with the same aud claim.
func (s *Service) CreateFamily(ctx context.Context, user *models.User, tokenScopes []string, audience string) (*models.TokenFamily, error) {
	fam := models.TokenFamily{
		UUID:             uuid.New(),
		LastRefreshToken: uuid.New(),
		DeleteDate:       time.Now().UTC().Add(s.RefreshTTL),
		TokenScopes:      tokenScopes,
		Resource:         audience,
		UserUUID:         user.UUID,
	}
	if err := s.DB.WithContext(ctx).Create(&fam).Error; err != nil {
		return nil, err
	}
	return &fam, nil
}

// IssuePair signs an access/refresh pair for the family's current state.
// The refresh token embeds the family's live one-time identifier; its
// expiry matches the family's rotation deadline.
func (s *Service) IssuePair(user *models.User, fam *models.TokenFamily, effective []string) (*TokenPair, error) {
	now := time.Now().UTC()

	accessClaims := tokens.AccessClaims{
		FamilyID: fam.UUID.String(),
		Scope:    effective,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.AccessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	if fam.Resource != "" {
		accessClaims.Audience = jwt.ClaimStrings{fam.Resource}
	}
	accessToken, err := s.Signer.Sign(accessClaims)
	if err != nil {
		return nil, err
	}

	refreshClaims := tokens.RefreshClaims{
		FamilyID: fam.UUID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fam.LastRefreshToken.String(),
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(fam.DeleteDate),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	refreshToken, err := s.Signer.Sign(refreshClaims)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(s.AccessTTL.Seconds()),
		Scope:        effective,
	}, nil
}

// IssueForUser creates a fresh family and signs its first pair. All three
// login paths (password, PKCE redemption, passkey) converge here.
func (s *Service) IssueForUser(ctx context.Context, user *models.User, tokenScopes []string, audience string) (*TokenPair, error) {
	fam, err := s.CreateFamily(ctx, user, tokenScopes, audience)
	if err != nil {
		return nil, err
	}
	return s.IssuePair(user, fam, tokenScopes)
}

// Login verifies credentials and opens a new family. The failure reason is
// deliberately uniform: a missing user, a wrong password and a disabled
// account all report invalid credentials.
func (s *Service) Login(ctx context.Context, username, password string, requested []string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "family.login")

	var user models.User
	if err := s.DB.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrInvalidCredentials
		}
		return nil, err
	}
	if !hash.CheckPassword(user.HashedPassword, password) {
		return nil, autherr.ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, autherr.ErrInvalidCredentials
	}

	effective := scopes.Intersect(user.Scopes, nil, requested)
	pair, err := s.IssueForUser(ctx, &user, effective, "")
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypeUserLoggedIn,
		Username: user.Username,
		UserUUID: user.UUID.String(),
		At:       time.Now().UTC(),
	})
	l.Info("login_success", "username", username)
	return pair, nil
}

// Rotate exchanges a valid refresh token for a new pair and advances the
// family. A stale identifier is rejected without touching the family; a
// lost concurrent race surfaces as a conflict, never as a second valid
// pair.
func (s *Service) Rotate(ctx context.Context, rawRefresh string, requested []string) (*TokenPair, error) {
	l := logging.FromContext(ctx).With("svc", "family.rotate")

	claims, err := s.Signer.VerifyRefresh(rawRefresh)
	if err != nil {
		return nil, autherr.ErrInvalidToken
	}
	famID, err := uuid.Parse(claims.FamilyID)
	if err != nil {
		return nil, autherr.ErrInvalidToken
	}
	presentedJTI, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, autherr.ErrInvalidToken
	}

	var fam models.TokenFamily
	if err := s.DB.WithContext(ctx).Where("uuid = ?", famID).First(&fam).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrInvalidToken
		}
		return nil, err
	}

	if fam.LastRefreshToken != presentedJTI {
		s.emit(ctx, events.AuthEvent{
			Type:     events.TypeReuseDetected,
			FamilyID: fam.UUID.String(),
			UserUUID: fam.UserUUID.String(),
			At:       time.Now().UTC(),
		})
		l.Warn("reuse_detected", "family", fam.UUID.String())
		return nil, autherr.ErrReuseDetected
	}

	var user models.User
	if err := s.DB.WithContext(ctx).Where("uuid = ?", fam.UserUUID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, autherr.ErrInvalidToken
		}
		return nil, err
	}
	if user.Disabled {
		return nil, autherr.ErrDisabled
	}

	effective := scopes.Intersect(user.Scopes, fam.TokenScopes, requested)

	newJTI := uuid.New()
	newDeadline := time.Now().UTC().Add(s.RefreshTTL)

	// Compare-and-swap on the old identifier: two concurrent rotations of
	// the same family cannot both update the row.
	res := s.DB.WithContext(ctx).Model(&models.TokenFamily{}).
		Where("uuid = ? AND last_refresh_token = ?", fam.UUID, presentedJTI).
		Updates(map[string]any{
			"last_refresh_token": newJTI,
			"delete_date":        newDeadline,
			"token_scopes":       models.StringList(effective),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		l.Warn("rotation_conflict", "family", fam.UUID.String())
		return nil, autherr.ErrConflict
	}

	fam.LastRefreshToken = newJTI
	fam.DeleteDate = newDeadline
	fam.TokenScopes = effective

	pair, err := s.IssuePair(&user, &fam, effective)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypeTokenRotated,
		Username: user.Username,
		UserUUID: user.UUID.String(),
		FamilyID: fam.UUID.String(),
		At:       time.Now().UTC(),
	})
	return pair, nil
}

// Revoke moves the family into the tombstone ledger. Insert and delete
// commit together; no reader ever sees the family as neither active nor
// revoked.
func (s *Service) Revoke(ctx context.Context, familyID uuid.UUID) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fam models.TokenFamily
		if err := tx.Where("uuid = ?", familyID).First(&fam).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return autherr.ErrNotFound
			}
			return err
		}
		tombstone := models.RevokedTokenFamily{
			UUID:       fam.UUID,
			DeleteDate: fam.DeleteDate,
		}
		if err := tx.Create(&tombstone).Error; err != nil {
			return err
		}
		return tx.Delete(&models.TokenFamily{}, "uuid = ?", fam.UUID).Error
	})
	if err != nil {
		return err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypeFamilyRevoked,
		FamilyID: familyID.String(),
		At:       time.Now().UTC(),
	})
	return nil
}

// IsRevoked consults the tombstone ledger only. Whether the family row
// still exists is irrelevant here.
func (s *Service) IsRevoked(ctx context.Context, familyID uuid.UUID) (bool, error) {
	var count int64
	if err := s.DB.WithContext(ctx).Model(&models.RevokedTokenFamily{}).
		Where("uuid = ?", familyID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Logout verifies the access token and revokes its family. A family that
// is already gone counts as logged out.
func (s *Service) Logout(ctx context.Context, rawAccess string) error {
	claims, err := s.Signer.VerifyAccess(rawAccess)
	if err != nil {
		return autherr.ErrInvalidToken
	}
	famID, err := uuid.Parse(claims.FamilyID)
	if err != nil {
		return autherr.ErrInvalidToken
	}
	if err := s.Revoke(ctx, famID); err != nil {
		return err
	}

	s.emit(ctx, events.AuthEvent{
		Type:     events.TypeUserLoggedOut,
		Username: claims.Subject,
		FamilyID: famID.String(),
		At:       time.Now().UTC(),
	})
	return nil
}

// VerifyAccessToken checks signature and expiry, then the revocation
// ledger. It does not confirm the family row still exists.
func (s *Service) VerifyAccessToken(ctx context.Context, rawAccess string) (*tokens.AccessClaims, error) {
	claims, err := s.Signer.VerifyAccess(rawAccess)
	if err != nil {
		return nil, autherr.ErrInvalidToken
	}
	famID, err := uuid.Parse(claims.FamilyID)
	if err != nil {
		return nil, autherr.ErrInvalidToken
	}
	revoked, err := s.IsRevoked(ctx, famID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, autherr.ErrRevoked
	}
	return claims, nil
}

// ListFamilies returns the user's active session lineages.
func (s *Service) ListFamilies(ctx context.Context, userUUID uuid.UUID) ([]models.TokenFamily, error) {
	var fams []models.TokenFamily
	if err := s.DB.WithContext(ctx).Where("user_uuid = ?", userUUID).Find(&fams).Error; err != nil {
		return nil, err
	}
	return fams, nil
}

func (s *Service) emit(ctx context.Context, event events.AuthEvent) {
	l := logging.FromContext(ctx)
	if err := s.Producer.PublishEvent(ctx, events.TopicAuthEvents, event.FamilyID+event.Username, event); err != nil {
		l.Error("event_publish_failed", "type", event.Type, "error", err)
	}
	if err := s.Audit.Record(ctx, event); err != nil {
		l.Error("audit_record_failed", "type", event.Type, "error", err)
	}
}
