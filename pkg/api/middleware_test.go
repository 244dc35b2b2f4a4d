package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key-1"

// jwksServer serves a single-key JWKS for the given RSA key, the way the
// Clerk instance endpoint does.
func jwksServer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()

	jwks := map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(jwks))
	}))
	t.Cleanup(server.Close)
	return server
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(t *testing.T) (*Verifier, *rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	server := jwksServer(t, key)
	issuer := "https://clerk.example.com"

	verifier, err := NewVerifier(issuer, server.URL)
	require.NoError(t, err)
	return verifier, key, issuer
}

func TestVerifyValidToken(t *testing.T) {
	verifier, key, issuer := newTestVerifier(t)

	token := signToken(t, key, jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user_2abc",
		"email": "creator@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user_2abc", claims.Subject)
	assert.Equal(t, "creator@example.com", claims.Email)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	verifier, key, issuer := newTestVerifier(t)

	token := signToken(t, key, jwt.MapClaims{
		"iss": issuer,
		"sub": "user_2abc",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	verifier, key, _ := newTestVerifier(t)

	token := signToken(t, key, jwt.MapClaims{
		"iss": "https://evil.example.com",
		"sub": "user_2abc",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	verifier, key, issuer := newTestVerifier(t)

	token := signToken(t, key, jwt.MapClaims{
		"iss": issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := verifier.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsHMACToken(t *testing.T) {
	verifier, _, issuer := newTestVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"sub": "user_2abc",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	verifier, _, issuer := newTestVerifier(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := signToken(t, otherKey, jwt.MapClaims{
		"iss": issuer,
		"sub": "user_2abc",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = verifier.Verify(token)
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	verifier, key, issuer := newTestVerifier(t)

	var gotClaims *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Auth(verifier, false)(next)

	t.Run("missing header", func(t *testing.T) {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Token abc")
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, key, jwt.MapClaims{
			"iss":   issuer,
			"sub":   "user_2abc",
			"email": "creator@example.com",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "user_2abc", gotClaims.Subject)
		assert.Equal(t, "creator@example.com", gotClaims.Email)
	})
}

func TestAuthDisabledInjectsLocalUser(t *testing.T) {
	var gotClaims *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Auth(nil, true)(next)

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "local-dev", gotClaims.Subject)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcg==", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		token, ok := extractBearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.token, token, tt.header)
	}
}
