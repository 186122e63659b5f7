package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueHS256(t *testing.T, secret, tenantID string, roles []string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"tenant_id": tenantID,
		"exp":       time.Now().Add(ttl).Unix(),
	}
	if len(roles) > 0 {
		anyRoles := make([]interface{}, len(roles))
		for i, r := range roles {
			anyRoles[i] = r
		}
		claims["roles"] = anyRoles
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func echoIdentityHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Tenant-ID", id.TenantID)
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDisabledSubstitutesDemoIdentity(t *testing.T) {
	mw, err := NewMiddleware(Config{Enabled: false}, nil)
	require.NoError(t, err)

	handler := mw(echoIdentityHandler())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, DemoTenantID, w.Header().Get("X-Tenant-ID"))
}

func TestMiddlewareRejectsMissingAuthorizationHeader(t *testing.T) {
	mw, err := NewMiddleware(Config{Enabled: true, Secret: "s3cret"}, nil)
	require.NoError(t, err)

	handler := mw(echoIdentityHandler())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
}

func TestMiddlewareAcceptsValidHS256Token(t *testing.T) {
	mw, err := NewMiddleware(Config{Enabled: true, Algorithm: "HS256", Secret: "s3cret"}, nil)
	require.NoError(t, err)

	token := issueHS256(t, "s3cret", "tenant-a", []string{"admin"}, time.Hour)
	handler := mw(echoIdentityHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tenant-a", w.Header().Get("X-Tenant-ID"))
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	mw, err := NewMiddleware(Config{Enabled: true, Algorithm: "HS256", Secret: "s3cret"}, nil)
	require.NoError(t, err)

	token := issueHS256(t, "s3cret", "tenant-a", nil, -time.Hour)
	handler := mw(echoIdentityHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	mw, err := NewMiddleware(Config{Enabled: true, Algorithm: "HS256", Secret: "s3cret"}, nil)
	require.NoError(t, err)

	token := issueHS256(t, "wrong-secret", "tenant-a", nil, time.Hour)
	handler := mw(echoIdentityHandler())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareExcludesConfiguredPaths(t *testing.T) {
	mw, err := NewMiddleware(Config{Enabled: true, Secret: "s3cret", ExcludePaths: []string{"/health"}}, nil)
	require.NoError(t, err)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewMiddlewareFailsFastWithoutSecretWhenEnabled(t *testing.T) {
	_, err := NewMiddleware(Config{Enabled: true, Algorithm: "HS256"}, nil)
	assert.Error(t, err)
}

func TestNewMiddlewareRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewMiddleware(Config{Enabled: true, Algorithm: "ES256", Secret: "s3cret"}, nil)
	assert.Error(t, err)
}
