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

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	Enabled:  true,
	Secret:   "0123456789abcdef0123456789abcdef",
	Issuer:   "fh-mbaas",
	Audience: "mbaas",
}

func TestGenerateAndValidate(t *testing.T) {
	token, err := GenerateToken(Claims{Service: "fh-supercore", Scopes: []string{"forms:read"}}, testConfig)
	require.NoError(t, err)

	claims, err := ValidateToken(token, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "fh-supercore", claims.Service)
	assert.Equal(t, "fh-mbaas", claims.Issuer)
	assert.True(t, claims.HasScope("forms:read"))
	assert.False(t, claims.HasScope("forms:write"))
}

func TestValidateToken_Rejects(t *testing.T) {
	valid, err := GenerateToken(Claims{Service: "svc"}, testConfig)
	require.NoError(t, err)

	expired, err := GenerateToken(Claims{
		Service:          "svc",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}, testConfig)
	require.NoError(t, err)

	otherIssuer := testConfig
	otherIssuer.Issuer = "someone-else"
	foreign, err := GenerateToken(Claims{Service: "svc"}, otherIssuer)
	require.NoError(t, err)

	wrongSecret := testConfig
	wrongSecret.Secret = "another-secret-another-secret-xx"

	tests := []struct {
		name  string
		token string
		cfg   Config
	}{
		{name: "empty", token: "", cfg: testConfig},
		{name: "garbage", token: "not.a.jwt", cfg: testConfig},
		{name: "expired", token: expired, cfg: testConfig},
		{name: "wrong issuer", token: foreign, cfg: testConfig},
		{name: "wrong secret", token: valid, cfg: wrongSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.token, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestValidateToken_ClockSkew(t *testing.T) {
	token, err := GenerateToken(Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-30 * time.Second))},
	}, testConfig)
	require.NoError(t, err)

	_, err = ValidateToken(token, testConfig)
	assert.True(t, errors.Is(err, jwt.ErrTokenExpired))

	lenient := testConfig
	lenient.ClockSkew = time.Minute
	_, err = ValidateToken(token, lenient)
	assert.NoError(t, err)
}

func TestGenerateToken_NoSecret(t *testing.T) {
	_, err := GenerateToken(Claims{}, Config{})
	assert.ErrorIs(t, err, ErrMissingSecret)
}
