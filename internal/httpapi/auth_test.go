// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/wkf/internal/config"
)

func TestValidateJWT_HS256(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret-key-32-bytes-long!!"), Issuer: "test-issuer"}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			Subject:   "user123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{"runs:write"},
	}
	tokenString, err := GenerateJWT(claims, cfg)
	require.NoError(t, err)

	parsed, err := ValidateJWT(tokenString, cfg)
	require.NoError(t, err)
	assert.Equal(t, "user123", parsed.Subject)
	assert.True(t, parsed.HasScope("runs:write"))
	assert.False(t, parsed.HasScope("runs:admin"))
}

func TestValidateJWT_EdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := JWTConfig{PublicKey: pub, PrivateKey: priv, Issuer: "test-issuer"}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "test-issuer", Subject: "user456"}}

	tokenString, err := GenerateJWT(claims, cfg)
	require.NoError(t, err)

	parsed, err := ValidateJWT(tokenString, cfg)
	require.NoError(t, err)
	assert.Equal(t, "user456", parsed.Subject)
}

func TestValidateJWT_WrongIssuer(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret-key-32-bytes-long!!"), Issuer: "expected"}
	tokenString, err := GenerateJWT(Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "other"}}, cfg)
	require.NoError(t, err)

	_, err = ValidateJWT(tokenString, cfg)
	assert.Error(t, err)
}

func TestHasScope_Wildcard(t *testing.T) {
	c := &Claims{Scopes: []string{"*"}}
	assert.True(t, c.HasScope("anything"))
}

func TestRequireBearer_DisabledWhenNoKeyConfigured(t *testing.T) {
	handler := RequireBearer(JWTConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireBearer_RejectsMissingToken(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret-key-32-bytes-long!!")}
	handler := RequireBearer(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireBearer_AcceptsValidToken(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("test-secret-key-32-bytes-long!!")}
	tokenString, err := GenerateJWT(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user123"}}, cfg)
	require.NoError(t, err)

	var sawClaims *Claims
	handler := RequireBearer(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sawClaims)
	assert.Equal(t, "user123", sawClaims.Subject)
}

func TestResolveJWTConfig(t *testing.T) {
	t.Setenv("WKF_TEST_SIGNING_KEY", "env-provided-secret")
	cfg := ResolveJWTConfig(config.JWTConfig{SigningKeyEnv: "WKF_TEST_SIGNING_KEY", Issuer: "wkf"})
	assert.Equal(t, []byte("env-provided-secret"), cfg.Secret)
	assert.Equal(t, "wkf", cfg.Issuer)

	empty := ResolveJWTConfig(config.JWTConfig{})
	assert.Nil(t, empty.Secret)
}
