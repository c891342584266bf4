// Package autherr defines the error kinds of the auth subsystem. Every
// expected domain failure is a sentinel so callers match with errors.Is
// instead of inspecting strings.
package autherr

import "errors"

var (
	// ErrInvalidCredentials covers bad username/password pairs and failed
	// passkey verifications. The message never reveals which part failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken covers bad signatures, expired tokens and malformed
	// payloads.
	ErrInvalidToken = errors.New("invalid token")

	// ErrReuseDetected means a presented refresh token no longer matches
	// its family's current identifier: it was already rotated or is unknown.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrConflict means a concurrent rotation of the same family won.
	ErrConflict = errors.New("concurrent rotation conflict")

	// ErrRevoked means the token's family is in the revocation ledger.
	ErrRevoked = errors.New("token family revoked")

	// ErrExpired means an authorization code or challenge is past its deadline.
	ErrExpired = errors.New("expired")

	// ErrAlreadyUsed means a single-use challenge or code was already consumed.
	ErrAlreadyUsed = errors.New("already used")

	ErrInsufficientScope = errors.New("insufficient scope")

	ErrDisabled = errors.New("user disabled")

	ErrNotFound = errors.New("not found")

	// ErrInvalidGrant covers PKCE verifier mismatches and bad client or
	// redirect parameters on the token endpoint.
	ErrInvalidGrant = errors.New("invalid grant")
)
