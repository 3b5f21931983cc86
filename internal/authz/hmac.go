package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

type HMACValidator struct {
	secret []byte
	issuer string
}

func NewHMACValidator(secret, issuer string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret), issuer: issuer}
}

func (h *HMACValidator) Method() string { return "hmac" }

func (h *HMACValidator) Verify(_ context.Context, raw string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if h.issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.issuer))
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return h.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		slog.Warn("handshake token rejected", "method", "hmac", "error", err)
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return identityFromClaims(claims["sub"], claims[CoupleClaim])
}
