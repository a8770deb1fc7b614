package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdwh/query-engine/internal/auth"
)

const secret = "test-secret"

func signToken(t *testing.T, sub string, superuser bool) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":          sub,
		"is_superuser": superuser,
		"exp":          time.Now().Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerifyExtractsIdentity(t *testing.T) {
	v := auth.NewVerifier(secret)
	id, err := v.Verify(signToken(t, "user-1", true))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.True(t, id.IsSuperuser)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := auth.NewVerifier("other-secret")
	_, err := v.Verify(signToken(t, "user-1", false))
	require.Error(t, err)
}

func TestMiddlewarePlacesIdentityInContext(t *testing.T) {
	v := auth.NewVerifier(secret)
	var got auth.Identity
	var ok bool
	handler := auth.Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-2", false))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, ok)
	assert.Equal(t, "user-2", got.ID)
}

func TestMiddlewareRejectsMissingAuth(t *testing.T) {
	v := auth.NewVerifier(secret)
	handler := auth.Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
