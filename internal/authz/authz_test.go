package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHMACRoundTrip(t *testing.T) {
	signer, err := NewHMACSigner("s3cret", "linkly")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	tok, err := signer.Sign(Identity{CoupleID: "c1", UserID: "alice"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := NewHMACValidator("s3cret", "linkly").Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.CoupleID != "c1" || id.UserID != "alice" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestHMACRejects(t *testing.T) {
	good, _ := NewHMACSigner("s3cret", "linkly")
	otherIssuer, _ := NewHMACSigner("s3cret", "someone-else")
	otherSecret, _ := NewHMACSigner("nope", "linkly")

	valid := func(s *Signer, id Identity, ttl time.Duration) string {
		tok, err := s.Sign(id, ttl)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice", CoupleClaim: "c1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"wrong secret":   valid(otherSecret, Identity{CoupleID: "c1", UserID: "alice"}, time.Minute),
		"wrong issuer":   valid(otherIssuer, Identity{CoupleID: "c1", UserID: "alice"}, time.Minute),
		"expired":        valid(good, Identity{CoupleID: "c1", UserID: "alice"}, -time.Minute),
		"missing couple": valid(good, Identity{UserID: "alice"}, time.Minute),
		"alg none":       unsigned,
		"garbage":        "not.a.token",
	}

	v := NewHMACValidator("s3cret", "linkly")
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestJWKSValidator(t *testing.T) {
	signer, err := NewEd25519Signer("", "k1", "linkly")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": []any{signer.PublicJWK()}})
	}))
	defer srv.Close()

	v, err := NewJWKSValidator(srv.URL, "linkly")
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	defer v.Close()

	tok, err := signer.Sign(Identity{CoupleID: "c1", UserID: "bob"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "bob" || id.CoupleID != "c1" {
		t.Fatalf("unexpected identity %+v", id)
	}

	stranger, _ := NewEd25519Signer("", "k1", "linkly")
	forged, _ := stranger.Sign(Identity{CoupleID: "c1", UserID: "bob"}, time.Minute)
	if _, err := v.Verify(context.Background(), forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected forged token to fail, got %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token=query-token", nil)
	if got := TokenFromRequest(r); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(r); got != "header-token" {
		t.Fatalf("expected header token to win, got %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	signer, _ := NewHMACSigner("s3cret", "")
	v := NewHMACValidator("s3cret", "")

	var got Identity
	h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/chat/messages", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	tok, _ := signer.Sign(Identity{CoupleID: "c1", UserID: "alice"}, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/chat/messages", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || got.UserID != "alice" {
		t.Fatalf("expected pass-through with identity, got %d %+v", rr.Code, got)
	}
}
