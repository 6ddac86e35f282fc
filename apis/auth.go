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

package apis

import (
	"net/http"
	"net/url"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/hiddeout/website/backend"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/session"
)

// ErrorPagePath where failed logins land
const ErrorPagePath = "/error"

// APIRestAuthHandler REST handler for the Discord login flow
type APIRestAuthHandler struct {
	APIRestHandler
	oauth    session.OAuthExchanger
	sessions session.Provider
	backend  backend.Client
}

// GetAPIRestAuthHandler define APIRestAuthHandler
func GetAPIRestAuthHandler(
	oauth session.OAuthExchanger,
	sessions session.Provider,
	backendClient backend.Client,
	httpConfig *common.HTTPConfig,
) (APIRestAuthHandler, error) {
	return APIRestAuthHandler{
		APIRestHandler: NewAPIRestHandler("auth", httpConfig),
		oauth:          oauth,
		sessions:       sessions,
		backend:        backendClient,
	}, nil
}

func (h APIRestAuthHandler) failLogin(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(
		w, r, ErrorPagePath+"?"+url.Values{"error": []string{reason}}.Encode(), http.StatusFound,
	)
}

// Login redirects to the Discord authorize page
func (h APIRestAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state := h.sessions.IssueState(w, r.URL.Query().Get("callbackUrl"))
	http.Redirect(w, r, h.oauth.AuthCodeURL(state), http.StatusFound)
}

// LoginHandler Wrapper around Login
func (h APIRestAuthHandler) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Login(w, r)
	}
}

// Callback completes the Discord login
func (h APIRestAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsFor(r)
	query := r.URL.Query()

	if reason := query.Get("error"); reason != "" {
		log.WithFields(localLogTags).Warnf("Discord authorization refused: %s", reason)
		h.failLogin(w, r, reason)
		return
	}

	callbackPath, err := h.sessions.VerifyState(w, r, query.Get("state"))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("OAuth state check failed")
		h.failLogin(w, r, "state")
		return
	}

	code := query.Get("code")
	if code == "" {
		h.failLogin(w, r, "code")
		return
	}
	grant, err := h.oauth.Exchange(r.Context(), code)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("OAuth code exchange failed")
		h.failLogin(w, r, "exchange")
		return
	}

	// Zero when Discord did not say when the grant expires
	expiresAt := int64(0)
	if !grant.Expiry.IsZero() {
		expiresAt = grant.Expiry.Unix()
	}
	backendToken, err := h.backend.Login(r.Context(), backend.LoginRequest{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Backend login failed")
		h.failLogin(w, r, "backend")
		return
	}

	s := session.Session{
		ID:           uuid.NewString(),
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.Expiry,
		BackendToken: backendToken,
	}
	if user, err := h.backend.Me(r.Context(), backendToken); err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Unable to read user after login")
	} else {
		s.UserID = string(user.ID)
	}

	if err := h.sessions.Store(w, s); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to store session")
		h.failLogin(w, r, "session")
		return
	}
	h.sessions.StoreBackendToken(w, backendToken)
	log.WithFields(localLogTags).Infof("User %s signed in", s.UserID)
	http.Redirect(w, r, callbackPath, http.StatusFound)
}

// CallbackHandler Wrapper around Callback
func (h APIRestAuthHandler) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Callback(w, r)
	}
}

// Logout clears the session
func (h APIRestAuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// LogoutHandler Wrapper around Logout
func (h APIRestAuthHandler) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Logout(w, r)
	}
}

// APIRestRespSession response describing the current session
type APIRestRespSession struct {
	goutils.RestAPIBaseResponse
	// Authenticated whether a valid session is present
	Authenticated bool `json:"authenticated"`
	// UserID the signed-in user
	UserID string `json:"user_id,omitempty"`
	// ExpiresAt expiry of the Discord grant
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Session describes the current session
func (h APIRestAuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	resp := APIRestRespSession{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
	}
	if s, err := h.sessions.Load(r); err == nil {
		resp.Authenticated = true
		resp.UserID = s.UserID
		if !s.Expiry.IsZero() {
			expiry := s.Expiry
			resp.ExpiresAt = &expiry
		}
	}
	h.reply(w, r, http.StatusOK, resp)
}

// SessionHandler Wrapper around Session
func (h APIRestAuthHandler) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Session(w, r)
	}
}
