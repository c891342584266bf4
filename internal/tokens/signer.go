package tokens

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ticketdesk/ticketdesk/internal/autherr"
)

// Signer creates and verifies asymmetrically signed tokens. When a remote
// key-set URL is configured, verification falls back to the fetched keys
// after a local failure, so tokens from a federated issuer are accepted
// too.
type Signer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	method     jwt.SigningMethod
	remote     *JWKSClient
}

func NewSigner(privateKeyPath, publicKeyPath, algorithm, jwksURL string) (*Signer, error) {
	privPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	priv, err := parsePrivateKey(privPEM)
	if err != nil {
		return nil, err
	}

	pub := &priv.PublicKey
	if publicKeyPath != "" {
		pubPEM, err := os.ReadFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		if pub, err = ParsePublicKey(pubPEM); err != nil {
			return nil, err
		}
	}

	return newSigner(priv, pub, algorithm, jwksURL)
}

// NewSignerFromKey builds a signer around an in-memory key. Used by tests
// and anywhere key material is not file-based.
func NewSignerFromKey(priv *rsa.PrivateKey, algorithm string) (*Signer, error) {
	return newSigner(priv, &priv.PublicKey, algorithm, "")
}

func newSigner(priv *rsa.PrivateKey, pub *rsa.PublicKey, algorithm, jwksURL string) (*Signer, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("unknown signing algorithm %q", algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q, expected an RSA variant", algorithm)
	}
	s := &Signer{privateKey: priv, publicKey: pub, method: method}
	if jwksURL != "" {
		s.remote = NewJWKSClient(jwksURL, 15*time.Minute)
	}
	return s, nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}

// Sign signs the claims with the configured method. The expiry claim must
// already be set by the caller.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(s.method, claims)
	t.Header["kid"] = s.PublicJWK().KeyID
	return t.SignedString(s.privateKey)
}

func (s *Signer) VerifyAccess(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.verify(raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (s *Signer) VerifyRefresh(raw string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.verify(raw, &claims); err != nil {
		return nil, err
	}
	if claims.ID == "" || claims.FamilyID == "" {
		return nil, autherr.ErrInvalidToken
	}
	return &claims, nil
}

func (s *Signer) verify(raw string, claims jwt.Claims) error {
	tkn, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.publicKey, nil
	}, jwt.WithValidMethods([]string{s.method.Alg()}))
	if err == nil && tkn.Valid {
		return nil
	}

	// Expiry is terminal regardless of which key would verify.
	if errors.Is(err, jwt.ErrTokenExpired) || s.remote == nil {
		return autherr.ErrInvalidToken
	}

	tkn, err = jwt.ParseWithClaims(raw, claims, s.remote.Keyfunc, jwt.WithValidMethods([]string{s.method.Alg()}))
	if err != nil || !tkn.Valid {
		return autherr.ErrInvalidToken
	}
	return nil
}

// PublicKeyPEM renders the verification key for the /auth/jwt/public_key
// endpoint.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(s.publicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Algorithm reports the configured signing algorithm name.
func (s *Signer) Algorithm() string {
	return s.method.Alg()
}
