// Copyright 2024-2025 The website Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session implements the dashboard session provider.
//
// The session lives in a signed cookie. It carries the Discord OAuth grant and the token issued
// by the bot backend, which is the bearer token for both REST calls and gateway connections.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	// ErrNoSession request carries no session
	ErrNoSession = errors.New("no session")
	// ErrInvalidSession session cookie failed verification
	ErrInvalidSession = errors.New("invalid session")
)

const issuer = "website"

// Session is the signed-in user's state
type Session struct {
	// ID random identifier of this login
	ID           string    `json:"sid"`
	UserID       string    `json:"uid,omitempty"`
	AccessToken  string    `json:"at"`
	TokenType    string    `json:"tt,omitempty"`
	RefreshToken string    `json:"rt,omitempty"`
	Expiry       time.Time `json:"exp_at,omitempty"`
	// BackendToken token issued by the bot backend at login
	BackendToken string `json:"bt,omitempty"`
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Session Session `json:"session"`
}

// Codec converts a Session to and from its signed cookie form
type Codec interface {
	Encode(s Session) (string, error)
	Decode(raw string) (Session, error)
}

type jwtCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec define a HS256 JWT session codec
func NewCodec(secret []byte, ttl time.Duration) (Codec, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("session secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session TTL must be positive")
	}
	return &jwtCodec{secret: secret, ttl: ttl, now: time.Now}, nil
}

func (c *jwtCodec) Encode(s Session) (string, error) {
	now := c.now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   s.UserID,
			ID:        s.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Session: s,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *jwtCodec) Decode(raw string) (Session, error) {
	if raw == "" {
		return Session{}, ErrNoSession
	}
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(t *jwt.Token) (interface{}, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidSession, err.Error())
	}
	if !parsed.Valid {
		return Session{}, ErrInvalidSession
	}
	return claims.Session, nil
}

type sessionContextKey struct{}

// WithSession attach a session to a context
func WithSession(ctxt context.Context, s Session) context.Context {
	return context.WithValue(ctxt, sessionContextKey{}, s)
}

// FromContext fetch the session attached by WithSession
func FromContext(ctxt context.Context) (Session, bool) {
	s, ok := ctxt.Value(sessionContextKey{}).(Session)
	return s, ok
}
