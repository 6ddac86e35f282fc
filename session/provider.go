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

package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/hiddeout/website/common"
)

// ErrStateMismatch the OAuth callback state does not match the issued one
var ErrStateMismatch = errors.New("oauth state mismatch")

const (
	stateCookieName    = "oauth_state"
	callbackCookieName = "oauth_callback"
	stateCookieTTL     = time.Minute * 10
	// DefaultCallbackPath where users land after login
	DefaultCallbackPath = "/dashboard"
)

// Provider reads and writes the session cookies of a request
type Provider interface {
	// Load the session of the request
	Load(r *http.Request) (Session, error)
	// Store write the session cookie
	Store(w http.ResponseWriter, s Session) error
	// StoreBackendToken write the standalone backend token cookie
	StoreBackendToken(w http.ResponseWriter, token string)
	// Clear remove every session cookie
	Clear(w http.ResponseWriter)
	// BearerToken the token to present to the backend for this request
	BearerToken(r *http.Request) string
	// IssueState start an OAuth flow. Returns the state to send to the authorize endpoint.
	IssueState(w http.ResponseWriter, callbackPath string) string
	// VerifyState finish an OAuth flow. Returns the path to land on.
	VerifyState(w http.ResponseWriter, r *http.Request, state string) (string, error)
}

// ProviderParams parameters for the cookie provider
type ProviderParams struct {
	Codec           Codec
	CookieName      string
	TokenCookieName string
	TTL             time.Duration
	Secure          bool
}

type cookieProvider struct {
	common.Component
	ProviderParams
}

// NewProvider define a cookie backed session provider
func NewProvider(params ProviderParams) (Provider, error) {
	if params.Codec == nil {
		return nil, fmt.Errorf("session provider requires a codec")
	}
	return &cookieProvider{
		Component: common.Component{
			LogTags: log.Fields{"module": "session", "component": "provider"},
		},
		ProviderParams: params,
	}, nil
}

func (p *cookieProvider) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	} else {
		c.MaxAge = int(maxAge.Seconds())
		c.Expires = time.Now().Add(maxAge)
	}
	return c
}

func (p *cookieProvider) Load(r *http.Request) (Session, error) {
	c, err := r.Cookie(p.CookieName)
	if err != nil {
		return Session{}, ErrNoSession
	}
	s, err := p.Codec.Decode(c.Value)
	if err != nil {
		log.WithError(err).WithFields(p.GetLogTagsForContext(r.Context())).Debug("Rejected session cookie")
		return Session{}, err
	}
	return s, nil
}

func (p *cookieProvider) Store(w http.ResponseWriter, s Session) error {
	raw, err := p.Codec.Encode(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, p.cookie(p.CookieName, raw, p.TTL))
	return nil
}

func (p *cookieProvider) StoreBackendToken(w http.ResponseWriter, token string) {
	http.SetCookie(w, p.cookie(p.TokenCookieName, token, p.TTL))
}

func (p *cookieProvider) Clear(w http.ResponseWriter) {
	for _, name := range []string{p.CookieName, p.TokenCookieName, stateCookieName, callbackCookieName} {
		http.SetCookie(w, p.cookie(name, "", -1))
	}
}

func (p *cookieProvider) BearerToken(r *http.Request) string {
	if s, err := p.Load(r); err == nil && s.BackendToken != "" {
		return s.BackendToken
	}
	if c, err := r.Cookie(p.TokenCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func (p *cookieProvider) IssueState(w http.ResponseWriter, callbackPath string) string {
	state := uuid.NewString()
	http.SetCookie(w, p.cookie(stateCookieName, state, stateCookieTTL))
	http.SetCookie(w, p.cookie(callbackCookieName, SanitizeCallbackPath(callbackPath), stateCookieTTL))
	return state
}

func (p *cookieProvider) VerifyState(
	w http.ResponseWriter, r *http.Request, state string,
) (string, error) {
	issued, err := r.Cookie(stateCookieName)
	if err != nil || issued.Value == "" || issued.Value != state {
		return "", ErrStateMismatch
	}
	callback := DefaultCallbackPath
	if c, err := r.Cookie(callbackCookieName); err == nil {
		callback = SanitizeCallbackPath(c.Value)
	}
	http.SetCookie(w, p.cookie(stateCookieName, "", -1))
	http.SetCookie(w, p.cookie(callbackCookieName, "", -1))
	return callback, nil
}

// SanitizeCallbackPath only allows same site absolute paths
func SanitizeCallbackPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") ||
		strings.Contains(path, "\\") {
		return DefaultCallbackPath
	}
	return path
}
