package exchange

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const DefaultTokenTTL = 30 * time.Minute

// TokenSource produces bearer tokens for authenticated REST calls.
type TokenSource interface {
	Token() (string, error)
}

// Signer issues ES256 tokens for a user session. The exchange verifies them
// against the session's registered public key.
type Signer struct {
	UserID    string
	SessionID string
	TTL       time.Duration
	key       *ecdsa.PrivateKey
}

// NewSigner builds a signer from a PEM encoded EC private key.
func NewSigner(userID, sessionID string, pemKey []byte) (*Signer, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse session key: %w", err)
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("session key must be on curve P-256")
	}
	return &Signer{UserID: userID, SessionID: sessionID, TTL: DefaultTokenTTL, key: key}, nil
}

// GenerateSessionKey returns a fresh P-256 key in PEM form.
func GenerateSessionKey() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// Token signs a new token with claims uid, sid, exp and jti.
func (s *Signer) Token() (string, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"uid": s.UserID,
		"sid": s.SessionID,
		"exp": time.Now().Add(ttl).Unix(),
		"jti": uuid.New().String(),
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// PublicKeyHex returns the hex encoded PKIX public key, the form the exchange
// stores for a session.
func (s *Signer) PublicKeyHex() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(der), nil
}

// PublicKey returns the verification key.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}
