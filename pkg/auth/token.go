// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL is the lifetime of minted bearer tokens.
const TokenTTL = time.Hour

// Claims is the signed token envelope.
type Claims struct {
	TokenID  string `json:"token_id"`
	KeyID    string `json:"key_id"`
	OwnerID  string `json:"owner_id"`
	PolicyID string `json:"policy_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// Tokens mints and validates HS256 bearer tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens requires a non-empty signing secret.
func NewTokens(secret []byte) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token secret must not be empty")
	}
	return &Tokens{secret: secret, ttl: TokenTTL, now: time.Now}, nil
}

// Mint issues a token backed by the given key.
func (t *Tokens) Mint(key *Key) (string, *Claims, error) {
	now := t.now()
	claims := &Claims{
		TokenID:  "tok_" + uuid.NewString(),
		KeyID:    key.ID,
		OwnerID:  key.OwnerID,
		PolicyID: key.PolicyID,
		Scope:    string(key.Scope),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}

// Decode validates signature and expiry; expired or malformed tokens return
// an error.
func (t *Tokens) Decode(signed string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	return claims, nil
}

// TTLSeconds is surfaced in login responses as expires_in.
func (t *Tokens) TTLSeconds() int {
	return int(t.ttl.Seconds())
}
