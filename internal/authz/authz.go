package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/choiyounggi/linkly-calendar/internal/observability/metrics"
)

var (
	ErrMissingToken = errors.New("authz: missing token")
	ErrInvalidToken = errors.New("authz: invalid token")
)

// CoupleClaim carries the couple id next to the standard sub (user id).
const CoupleClaim = "coupleId"

type Identity struct {
	CoupleID string
	UserID   string
}

// Verifier turns a bearer token into the identity bound to a connection.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
	Method() string
}

// TokenFromRequest reads "Authorization: Bearer" first, then ?token=.
func TokenFromRequest(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if len(raw) > len("bearer ") && strings.EqualFold(raw[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(raw[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Authenticate verifies the request token and records the outcome.
func Authenticate(ctx context.Context, v Verifier, r *http.Request) (Identity, error) {
	result := "success"
	defer func() {
		metrics.HandshakeAttemptsTotal.WithLabelValues(v.Method(), result).Inc()
	}()

	tok := TokenFromRequest(r)
	if tok == "" {
		result = "missing"
		return Identity{}, ErrMissingToken
	}
	id, err := v.Verify(ctx, tok)
	if err != nil {
		result = "failure"
		return Identity{}, err
	}
	return id, nil
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(Identity)
	return v, ok
}

// Middleware rejects requests without a valid token and stores the
// verified identity in the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(r.Context(), v, r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"ok":false,"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func identityFromClaims(sub, couple any) (Identity, error) {
	userID, _ := sub.(string)
	coupleID, _ := couple.(string)
	if userID == "" || coupleID == "" {
		return Identity{}, errors.Join(ErrInvalidToken, errors.New("token must carry sub and coupleId"))
	}
	return Identity{CoupleID: coupleID, UserID: userID}, nil
}
