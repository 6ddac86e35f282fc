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
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hiddeout/website/backend"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/gateway"
	"github.com/hiddeout/website/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/oauth2"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Website-Request-ID",
			DoNotLogHeaders: []string{"Cookie", "Authorization"},
		},
		PublicURL: "http://localhost:3000",
	}
}

func testSessions(t *testing.T) (session.Provider, session.Codec) {
	codec, err := session.NewCodec([]byte(testSecret), time.Hour)
	assert.Nil(t, err)
	provider, err := session.NewProvider(session.ProviderParams{
		Codec:           codec,
		CookieName:      "session",
		TokenCookieName: "token",
		TTL:             time.Hour,
	})
	assert.Nil(t, err)
	return provider, codec
}

// withSession attach a signed session cookie to a request
func withSession(t *testing.T, codec session.Codec, r *http.Request, s session.Session) *http.Request {
	raw, err := codec.Encode(s)
	assert.Nil(t, err)
	r.AddCookie(&http.Cookie{Name: "session", Value: raw})
	return r
}

// ========================================================================================

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Login(ctxt context.Context, req backend.LoginRequest) (string, error) {
	args := m.Called(ctxt, req)
	return args.String(0), args.Error(1)
}

func (m *mockBackend) Me(ctxt context.Context, token string) (backend.OAuthUser, error) {
	args := m.Called(ctxt, token)
	return args.Get(0).(backend.OAuthUser), args.Error(1)
}

func (m *mockBackend) Guilds(ctxt context.Context, token string) ([]backend.OAuthGuild, error) {
	args := m.Called(ctxt, token)
	return args.Get(0).([]backend.OAuthGuild), args.Error(1)
}

func (m *mockBackend) Guild(ctxt context.Context, token, guildID string) (backend.GuildDetail, error) {
	args := m.Called(ctxt, token, guildID)
	return args.Get(0).(backend.GuildDetail), args.Error(1)
}

func (m *mockBackend) GuildSettings(
	ctxt context.Context, token, guildID string,
) (backend.GuildSettings, error) {
	args := m.Called(ctxt, token, guildID)
	return args.Get(0).(backend.GuildSettings), args.Error(1)
}

func (m *mockBackend) UpdateGuildSettings(
	ctxt context.Context, token, guildID string, settings backend.GuildSettings,
) (backend.GuildSettings, error) {
	args := m.Called(ctxt, token, guildID, settings)
	return args.Get(0).(backend.GuildSettings), args.Error(1)
}

func (m *mockBackend) Shards(ctxt context.Context) ([]backend.Shard, error) {
	args := m.Called(ctxt)
	return args.Get(0).([]backend.Shard), args.Error(1)
}

func (m *mockBackend) Commands(ctxt context.Context) ([]backend.Command, error) {
	args := m.Called(ctxt)
	return args.Get(0).([]backend.Command), args.Error(1)
}

// ========================================================================================

type fakeOAuth struct {
	token *oauth2.Token
	err   error
	codes []string
}

func (o *fakeOAuth) AuthCodeURL(state string) string {
	return "https://discord.test/oauth2/authorize?state=" + state
}

func (o *fakeOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	o.codes = append(o.codes, code)
	return o.token, o.err
}

// ========================================================================================

type fakeHub struct {
	lock         sync.Mutex
	subscribed   []gateway.SessionKey
	tokens       []string
	unsubscribed int
	updates      chan gateway.Notification
	states       map[gateway.SessionKey]gateway.State
	sendResult   bool
	sendErr      error
	sent         []string
	subscribeErr error
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		updates: make(chan gateway.Notification, 8),
		states:  map[gateway.SessionKey]gateway.State{},
	}
}

func (h *fakeHub) Subscribe(
	_ context.Context, key gateway.SessionKey, token string,
) (*gateway.Subscription, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.subscribeErr != nil {
		return nil, h.subscribeErr
	}
	h.subscribed = append(h.subscribed, key)
	h.tokens = append(h.tokens, token)
	return &gateway.Subscription{ID: "sub-1", Key: key, Updates: h.updates}, nil
}

func (h *fakeHub) Unsubscribe(_ *gateway.Subscription) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.unsubscribed++
	return nil
}

func (h *fakeHub) Send(
	_ context.Context, key gateway.SessionKey, kind string, _ interface{},
) (bool, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.sent = append(h.sent, kind)
	return h.sendResult, h.sendErr
}

func (h *fakeHub) State(key gateway.SessionKey) (gateway.State, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	state, ok := h.states[key]
	return state, ok
}

func (h *fakeHub) Close() error {
	return nil
}

func (h *fakeHub) unsubscribeCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.unsubscribed
}
