package tokens

import (
	"crypto/sha256"
	"encoding/base64"
	"math/big"
)

// PublicJWK renders the signer's verification key for the JWKS endpoint.
// The kid is a truncated digest of the modulus so it stays stable across
// restarts with the same key pair.
func (s *Signer) PublicJWK() JWK {
	n := s.publicKey.N.Bytes()
	e := big.NewInt(int64(s.publicKey.E)).Bytes()
	digest := sha256.Sum256(n)
	return JWK{
		KeyType:   "RSA",
		Use:       "sig",
		KeyID:     base64.RawURLEncoding.EncodeToString(digest[:])[:16],
		Algorithm: s.method.Alg(),
		N:         base64.RawURLEncoding.EncodeToString(n),
		E:         base64.RawURLEncoding.EncodeToString(e),
	}
}

// PublicJWKS wraps the signer's key as a one-element key set.
func (s *Signer) PublicJWKS() JWKS {
	return JWKS{Keys: []JWK{s.PublicJWK()}}
}
