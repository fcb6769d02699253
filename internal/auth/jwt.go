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

// Package auth authenticates service-to-service calls with HS256 bearer
// tokens.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSecret is returned when auth is enabled without a secret.
	ErrMissingSecret = errors.New("auth: enabled but no secret configured")

	// ErrNoToken is returned when a request carries no bearer token.
	ErrNoToken = errors.New("auth: missing bearer token")
)

// Config is the service auth configuration.
type Config struct {
	Enabled   bool
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration

	// PublicPaths are path prefixes served without a token.
	PublicPaths []string
}

func (c Config) validate() error {
	if c.Enabled && c.Secret == "" {
		return ErrMissingSecret
	}
	return nil
}

// Claims identifies the calling service.
type Claims struct {
	jwt.RegisteredClaims
	// Service names the calling service.
	Service string `json:"service,omitempty"`
	// Scopes defines what the token can access.
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the claims grant scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// ValidateToken parses tokenString and checks signature, issuer and
// audience against cfg.
func ValidateToken(tokenString string, cfg Config) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		if cfg.Secret == "" {
			return nil, ErrMissingSecret
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// GenerateToken signs claims with cfg's secret. A missing expiry
// defaults to 24h and a missing issuer to cfg.Issuer.
func GenerateToken(claims Claims, cfg Config) (string, error) {
	if cfg.Secret == "" {
		return "", ErrMissingSecret
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	if claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	if len(claims.Audience) == 0 && cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
