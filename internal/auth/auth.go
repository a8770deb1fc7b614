// Package auth extracts the caller's Identity from a bearer JWT. Full JWKS
// refresh and issuer trust are an external collaborator per the spec's
// scope; this package only verifies a token against a fixed HMAC secret and
// pulls the two claims the authorization rule in §6 needs, adapted from
// kernel/internal/auth and reasoning-graph/internal/auth.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the caller principal extracted from a validated token.
type Identity struct {
	ID          string
	IsSuperuser bool
}

type ctxKey string

const ctxKeyIdentity ctxKey = "sdwh.identity"

// FromContext returns the Identity placed by Middleware, or (_, false) if
// the request was never authenticated.
func FromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(ctxKeyIdentity)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Verifier validates bearer tokens signed with an HMAC secret and extracts
// Identity from their claims.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errors.New("missing sub claim")
	}
	superuser, _ := claims["is_superuser"].(bool)
	return Identity{ID: sub, IsSuperuser: superuser}, nil
}

// Middleware authenticates every request's Authorization: Bearer header and
// places the resulting Identity into the request context. Requests without
// a valid token are rejected with 401 before reaching the handler.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			tokenStr := strings.TrimSpace(authz[len("Bearer "):])
			id, err := v.Verify(tokenStr)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
