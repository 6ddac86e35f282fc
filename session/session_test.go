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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSessionCodec(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := NewCodec([]byte(testSecret), time.Hour)
	assert.Nil(err)

	original := Session{
		ID:           "sid-1",
		UserID:       "1234",
		AccessToken:  "discord-access",
		TokenType:    "Bearer",
		RefreshToken: "discord-refresh",
		Expiry:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		BackendToken: "backend",
	}
	raw, err := uut.Encode(original)
	assert.Nil(err)
	decoded, err := uut.Decode(raw)
	assert.Nil(err)
	assert.Equal(original.ID, decoded.ID)
	assert.Equal(original.AccessToken, decoded.AccessToken)
	assert.Equal(original.BackendToken, decoded.BackendToken)
	assert.True(original.Expiry.Equal(decoded.Expiry))

	// Case: empty
	_, err = uut.Decode("")
	assert.True(errors.Is(err, ErrNoSession))

	// Case: tampered
	_, err = uut.Decode(raw + "x")
	assert.True(errors.Is(err, ErrInvalidSession))

	// Case: other secret
	other, err := NewCodec([]byte("another-secret-value-of-length"), time.Hour)
	assert.Nil(err)
	_, err = other.Decode(raw)
	assert.True(errors.Is(err, ErrInvalidSession))

	// Case: expired
	impl, ok := uut.(*jwtCodec)
	assert.True(ok)
	impl.now = func() time.Time { return time.Now().Add(time.Hour * 2) }
	_, err = uut.Decode(raw)
	assert.True(errors.Is(err, ErrInvalidSession))

	// Case: unsigned token
	_, err = uut.Decode("eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJpc3MiOiJ3ZWJzaXRlIn0.")
	assert.True(errors.Is(err, ErrInvalidSession))

	// Case: invalid construction
	_, err = NewCodec([]byte("short"), time.Hour)
	assert.NotNil(err)
	_, err = NewCodec([]byte(testSecret), 0)
	assert.NotNil(err)
}

func newTestProvider(t *testing.T) Provider {
	codec, err := NewCodec([]byte(testSecret), time.Hour)
	assert.Nil(t, err)
	uut, err := NewProvider(ProviderParams{
		Codec: codec, CookieName: "session", TokenCookieName: "token", TTL: time.Hour,
	})
	assert.Nil(t, err)
	return uut
}

// carryCookies copy the cookies set on a response onto a new request
func carryCookies(rec *httptest.ResponseRecorder, req *http.Request) {
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			req.AddCookie(c)
		}
	}
}

func TestProviderBearerTokenPrecedence(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := newTestProvider(t)

	// Case 0: nothing
	req := httptest.NewRequest(http.MethodGet, "/api/proxy/@me", nil)
	assert.Equal("", uut.BearerToken(req))

	// Case 1: only the header
	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal("from-header", uut.BearerToken(req))

	// Case 2: token cookie beats the header
	req.AddCookie(&http.Cookie{Name: "token", Value: "from-cookie"})
	assert.Equal("from-cookie", uut.BearerToken(req))

	// Case 3: session beats both
	rec := httptest.NewRecorder()
	assert.Nil(uut.Store(rec, Session{ID: "s", BackendToken: "from-session"}))
	carryCookies(rec, req)
	assert.Equal("from-session", uut.BearerToken(req))
	loaded, err := uut.Load(req)
	assert.Nil(err)
	assert.Equal("s", loaded.ID)

	// Case 4: a session without backend token falls through
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	assert.Nil(uut.Store(rec, Session{ID: "s"}))
	carryCookies(rec, req)
	req.Header.Set("Authorization", "raw-token")
	assert.Equal("raw-token", uut.BearerToken(req))

	// Case 5: clearing expires every cookie
	rec = httptest.NewRecorder()
	uut.Clear(rec)
	cleared := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		assert.True(c.MaxAge < 0)
		cleared[c.Name] = true
	}
	assert.True(cleared["session"])
	assert.True(cleared["token"])
}

func TestProviderOAuthState(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := newTestProvider(t)

	rec := httptest.NewRecorder()
	state := uut.IssueState(rec, "/dashboard/123")
	assert.NotEmpty(state)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/callback/discord", nil)
	carryCookies(rec, req)

	// Case 0: wrong state
	_, err := uut.VerifyState(httptest.NewRecorder(), req, "other")
	assert.True(errors.Is(err, ErrStateMismatch))

	// Case 1: correct state
	callback, err := uut.VerifyState(httptest.NewRecorder(), req, state)
	assert.Nil(err)
	assert.Equal("/dashboard/123", callback)

	// Case 2: no state cookie
	_, err = uut.VerifyState(
		httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), state,
	)
	assert.True(errors.Is(err, ErrStateMismatch))
}

func TestSanitizeCallbackPath(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("/dashboard", SanitizeCallbackPath(""))
	assert.Equal("/dashboard", SanitizeCallbackPath("https://evil.example"))
	assert.Equal("/dashboard", SanitizeCallbackPath("//evil.example"))
	assert.Equal("/dashboard", SanitizeCallbackPath("/\\evil.example"))
	assert.Equal("/dashboard/42", SanitizeCallbackPath("/dashboard/42"))
}

func TestDiscordOAuthExchange(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("client_id") != "client" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(
			w,
			`{"access_token":"at","token_type":"Bearer","refresh_token":"rt","expires_in":604800,"scope":"identify email guilds"}`,
		)
	}))
	defer tokenServer.Close()

	uut := NewDiscordOAuth(OAuthParams{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  JoinRedirectURL("http://localhost:3000/", "/api/auth/callback/discord"),
		Scopes:       []string{"identify", "email", "guilds"},
		AuthURL:      tokenServer.URL + "/authorize",
		TokenURL:     tokenServer.URL + "/token",
	})

	authURL, err := url.Parse(uut.AuthCodeURL("state-1"))
	assert.Nil(err)
	assert.Equal("state-1", authURL.Query().Get("state"))
	assert.Equal("identify email guilds", authURL.Query().Get("scope"))
	assert.Equal("http://localhost:3000/api/auth/callback/discord", authURL.Query().Get("redirect_uri"))

	token, err := uut.Exchange(context.Background(), "good-code")
	assert.Nil(err)
	assert.Equal("at", token.AccessToken)
	assert.Equal("rt", token.RefreshToken)
	assert.True(token.Expiry.After(time.Now()))

	_, err = uut.Exchange(context.Background(), "bad-code")
	assert.NotNil(err)
}
