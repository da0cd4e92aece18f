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
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/wkf/internal/config"
)

// JWTConfig is the resolved, runtime form of config.JWTConfig: the
// signing/verification material itself rather than the env var name and
// issuer string the on-disk config carries.
type JWTConfig struct {
	// Secret is the signing key for HS256. Either Secret or PublicKey must
	// be set.
	Secret []byte

	// PublicKey verifies EdDSA-signed tokens.
	PublicKey ed25519.PublicKey

	// PrivateKey signs new tokens (only needed by a token issuer, not by
	// RequireBearer's verification path).
	PrivateKey ed25519.PrivateKey

	// Issuer is the expected issuer claim.
	Issuer string

	// ClockSkew allows for clock skew when validating exp/nbf claims.
	ClockSkew time.Duration
}

// Claims are the JWT claims this API issues and verifies.
type Claims struct {
	jwt.RegisteredClaims
	// Scopes defines which run-management operations the token can access.
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the token carries scope, or "*".
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// ValidateJWT parses and validates tokenString against cfg, checking
// signature, expiry (with cfg.ClockSkew leeway), and issuer.
func ValidateJWT(tokenString string, cfg JWTConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires secret key")
			}
			return cfg.Secret, nil
		case "EdDSA":
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	return claims, nil
}

// GenerateJWT signs claims, defaulting ExpiresAt/Issuer if unset. Used by
// an operator-facing token-issuing command, not by the run-management API
// itself.
func GenerateJWT(claims Claims, cfg JWTConfig) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}

	var token *jwt.Token
	switch {
	case cfg.PrivateKey != nil:
		token = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	case len(cfg.Secret) > 0:
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	default:
		return "", fmt.Errorf("no signing key configured")
	}

	if cfg.PrivateKey != nil {
		return token.SignedString(cfg.PrivateKey)
	}
	return token.SignedString(cfg.Secret)
}

// ResolveJWTConfig reads cfg.SigningKeyEnv from the environment to build
// a runtime JWTConfig. An empty SigningKeyEnv, or an unset variable,
// yields a zero-value JWTConfig — RequireBearer treats that as
// authentication disabled.
func ResolveJWTConfig(cfg config.JWTConfig) JWTConfig {
	out := JWTConfig{
		Issuer:    cfg.Issuer,
		ClockSkew: 30 * time.Second,
	}
	if cfg.SigningKeyEnv == "" {
		return out
	}
	if secret := os.Getenv(cfg.SigningKeyEnv); secret != "" {
		out.Secret = []byte(secret)
	}
	return out
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims RequireBearer stored on a verified
// request, or nil if the request was never authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return claims
}

// RequireBearer rejects requests without a valid "Authorization: Bearer
// <token>" header; on success it stores the parsed Claims on the request
// context for downstream handlers. A zero-value cfg (no Secret and no
// PublicKey) disables authentication entirely — every request passes
// through unauthenticated, matching a local/dev deployment with no
// http.jwt.signing_key_env configured.
func RequireBearer(cfg JWTConfig) func(http.Handler) http.Handler {
	if len(cfg.Secret) == 0 && cfg.PublicKey == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := ValidateJWT(token, cfg)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
