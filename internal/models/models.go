package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StringList is stored as a JSON text column so the same model works on
// postgres and the in-memory sqlite used in tests.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

type User struct {
	UUID           uuid.UUID  `gorm:"type:uuid;primaryKey"     json:"uuid"`
	Username       string     `gorm:"uniqueIndex;not null"     json:"username"`
	Email          string     `gorm:"index"                    json:"email"`
	FullName       string     `json:"full_name"`
	HashedPassword string     `gorm:"not null"                 json:"-"`
	Disabled       bool       `gorm:"default:false"            json:"disabled"`
	Scopes         StringList `gorm:"type:text"                json:"scopes"`
}

// TokenFamily is one login session lineage. LastRefreshToken is the only
// refresh-token identifier the family currently accepts; it is replaced on
// every rotation, never appended.
type TokenFamily struct {
	UUID             uuid.UUID  `gorm:"type:uuid;primaryKey"       json:"uuid"`
	LastRefreshToken uuid.UUID  `gorm:"type:uuid;not null"         json:"-"`
	DeleteDate       time.Time  `gorm:"index;not null"             json:"delete_date"`
	TokenScopes      StringList `gorm:"type:text"                  json:"token_scopes"`
	Resource         string     `gorm:"size:512"                   json:"resource,omitempty"`
	UserUUID         uuid.UUID  `gorm:"type:uuid;index;not null"   json:"user_uuid"`
	User             User       `gorm:"foreignKey:UserUUID;references:UUID;constraint:OnDelete:CASCADE" json:"-"`
}

func (TokenFamily) TableName() string { return "auth_token_families" }

// RevokedTokenFamily is the tombstone ledger. Rows are append-only and are
// never pruned here.
type RevokedTokenFamily struct {
	UUID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"uuid"`
	DeleteDate time.Time `gorm:"index"                json:"delete_date"`
}

func (RevokedTokenFamily) TableName() string { return "auth_token_families_revoked" }

type WebAuthnCredential struct {
	UUID         uuid.UUID  `gorm:"type:uuid;primaryKey"     json:"uuid"`
	CredentialID []byte     `gorm:"uniqueIndex;not null"     json:"credential_id"`
	PublicKey    []byte     `gorm:"not null"                 json:"-"`
	SignCount    uint32     `gorm:"not null"                 json:"sign_count"`
	Transports   StringList `gorm:"type:text"                json:"transports"`
	BackedUp     bool       `gorm:"not null;default:false"   json:"backed_up"`
	DeviceType   string     `gorm:"size:64"                  json:"device_type"`
	UserUUID     uuid.UUID  `gorm:"type:uuid;index;not null" json:"user_uuid"`
	User         User       `gorm:"foreignKey:UserUUID;references:UUID;constraint:OnDelete:CASCADE" json:"-"`
}

const (
	ChallengeTypeRegistration   = "registration"
	ChallengeTypeAuthentication = "authentication"
)

// WebAuthnChallenge is single-use: Used flips to true exactly once, inside
// the same transaction as the ceremony verification.
type WebAuthnChallenge struct {
	UUID          uuid.UUID  `gorm:"type:uuid;primaryKey"   json:"uuid"`
	Challenge     []byte     `gorm:"not null"               json:"-"`
	ChallengeType string     `gorm:"size:32;index;not null" json:"challenge_type"`
	ExpiresAt     time.Time  `gorm:"index;not null"         json:"expires_at"`
	Used          bool       `gorm:"index;not null"         json:"used"`
	Username      string     `gorm:"size:255"               json:"username"`
	UserUUID      *uuid.UUID `gorm:"type:uuid;index"        json:"user_uuid"`
}

// OAuthAuthorizationCode rows are deleted on redemption or on expiry
// detection, never updated.
type OAuthAuthorizationCode struct {
	Code                string     `gorm:"primaryKey"               json:"-"`
	ClientID            string     `gorm:"not null"                 json:"client_id"`
	RedirectURI         string     `gorm:"not null"                 json:"redirect_uri"`
	Scope               StringList `gorm:"type:text"                json:"scope"`
	CodeChallenge       string     `gorm:"not null"                 json:"-"`
	CodeChallengeMethod string     `gorm:"size:16;not null"         json:"code_challenge_method"`
	Resource            string     `json:"resource"`
	ExpiresAt           time.Time  `gorm:"index;not null"           json:"expires_at"`
	UserUUID            uuid.UUID  `gorm:"type:uuid;index;not null" json:"user_uuid"`
	User                User       `gorm:"foreignKey:UserUUID;references:UUID;constraint:OnDelete:CASCADE" json:"-"`
}
