package tokens

import "github.com/golang-jwt/jwt/v5"

// AccessClaims is the payload of an access token: the subject is the
// username, rtfid names the refresh-token family the token was issued
// from, scope is the effective scope set of the session.
type AccessClaims struct {
	FamilyID string   `json:"rtfid"`
	Scope    []string `json:"scope"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token. The registered ID claim
// (jti) carries the one-time identifier that must match the family's
// stored last_refresh_token for a rotation to succeed.
type RefreshClaims struct {
	FamilyID string `json:"rtfid"`
	jwt.RegisteredClaims
}
