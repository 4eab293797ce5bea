// Copyright (c) 2026 John Earle
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

package authz

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/Inclusion-Numerique/mediature/internal/apperr"
)

// tokenClaims are the claims the identity provider puts in access tokens.
type tokenClaims struct {
	jwt.RegisteredClaims
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Admin      bool   `json:"admin"`
}

// TokenVerifier validates HS256 bearer tokens issued by the identity
// provider. Session handling itself lives outside this service.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for the shared secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token and returns its principal.
func (v *TokenVerifier) Verify(raw string) (Principal, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, apperr.Wrap(apperr.KindUnauthenticated, err, "invalid access token")
	}

	if claims.Subject == "" {
		return Principal{}, apperr.New(apperr.KindUnauthenticated, "access token has no subject")
	}

	return Principal{
		UserID:    claims.Subject,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		Email:     claims.Email,
		Admin:     claims.Admin,
	}, nil
}

// Issue signs a token for p. Used by tooling and tests.
func (v *TokenVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		GivenName:  p.FirstName,
		FamilyName: p.LastName,
		Email:      p.Email,
		Admin:      p.Admin,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
