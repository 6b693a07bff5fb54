package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(UserID(r.Context())))
	})
}

func TestAuth_BearerHeader(t *testing.T) {
	v := NewTokenValidator(testSecret)
	token, err := v.Issue("user-1", time.Hour)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	Auth(v)(echoUser()).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", rec.Body.String())
}

func TestAuth_QueryToken(t *testing.T) {
	v := NewTokenValidator(testSecret)
	token, err := v.Issue("user-2", 0)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws?userId=user-2&token="+token, nil)
	Auth(v)(echoUser()).ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-2", rec.Body.String())
}

func TestAuth_Rejects(t *testing.T) {
	v := NewTokenValidator(testSecret)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	foreign, err := NewTokenValidator("another-secret-another-secret-xx").Issue("user-1", time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "user-1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", "missing authorization token"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "invalid authorization format"},
		{"garbage", "Bearer not-a-jwt", "invalid token"},
		{"expired", "Bearer " + expired, "invalid token"},
		{"wrong secret", "Bearer " + foreign, "invalid token"},
		{"no subject", "Bearer " + noSubject, "invalid token"},
		{"other algorithm", "Bearer " + hs512, "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			Auth(v)(echoUser()).ServeHTTP(rec, r)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(echoUser())

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/agents", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	h.ServeHTTP(rec, r)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	h.ServeHTTP(rec, r)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
