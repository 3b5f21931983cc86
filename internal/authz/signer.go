package authz

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues handshake tokens for local tooling and tests. Production
// tokens come from the auth service.
type Signer struct {
	method jwt.SigningMethod
	key    any
	public ed25519.PublicKey
	KeyID  string
	Issuer string
}

func NewHMACSigner(secret, iss string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("authz: empty hmac secret")
	}
	return &Signer{method: jwt.SigningMethodHS256, key: []byte(secret), Issuer: iss}, nil
}

// NewEd25519Signer decodes base64 private key bytes. An empty key generates
// an ephemeral one.
func NewEd25519Signer(privB64, kid, iss string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		var err error
		if _, priv, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, err
		}
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("authz: invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	return &Signer{
		method: jwt.SigningMethodEdDSA,
		key:    priv,
		public: priv.Public().(ed25519.PublicKey),
		KeyID:  kid,
		Issuer: iss,
	}, nil
}

func (s *Signer) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       id.UserID,
		CoupleClaim: id.CoupleID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if s.Issuer != "" {
		claims["iss"] = s.Issuer
	}

	t := jwt.NewWithClaims(s.method, claims)
	if s.KeyID != "" {
		t.Header["kid"] = s.KeyID
	}
	return t.SignedString(s.key)
}

// PublicJWK renders the Ed25519 public key for a JWKS document.
func (s *Signer) PublicJWK() map[string]any {
	if s.public == nil {
		return nil
	}
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}
