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

// Package backend is the REST client of the bot backend API.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
	"github.com/hiddeout/website/common"
)

// APIError a non 2xx answer from the backend
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// StatusCode HTTP status carried by an APIError, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// errorBody the error shapes the backend is known to send
type errorBody struct {
	Detail  interface{} `json:"detail"`
	Message string      `json:"message"`
	Error   string      `json:"error"`
}

func (b *errorBody) text() string {
	switch {
	case b == nil:
		return ""
	case b.Message != "":
		return b.Message
	case b.Error != "":
		return b.Error
	case b.Detail != nil:
		if s, ok := b.Detail.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", b.Detail)
	}
	return ""
}

// LoginRequest registers a Discord OAuth grant with the backend
type LoginRequest struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt epoch seconds
	ExpiresAt int64 `json:"expires_at"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Client the bot backend operations used by the dashboard
type Client interface {
	// Login exchange a Discord grant for a backend token
	Login(ctxt context.Context, req LoginRequest) (string, error)
	// Me the user owning the token
	Me(ctxt context.Context, token string) (OAuthUser, error)
	// Guilds the guilds of the user
	Guilds(ctxt context.Context, token string) ([]OAuthGuild, error)
	// Guild one guild with roles and channels
	Guild(ctxt context.Context, token, guildID string) (GuildDetail, error)
	// GuildSettings the settings of a guild, defaults applied
	GuildSettings(ctxt context.Context, token, guildID string) (GuildSettings, error)
	// UpdateGuildSettings save the settings of a guild
	UpdateGuildSettings(
		ctxt context.Context, token, guildID string, settings GuildSettings,
	) (GuildSettings, error)
	// Shards the current shard report
	Shards(ctxt context.Context) ([]Shard, error)
	// Commands the bot command catalogue
	Commands(ctxt context.Context) ([]Command, error)
}

// ClientParams parameters for the backend client
type ClientParams struct {
	// BaseURL of the backend REST API
	BaseURL string
	// CommandsURL where the command catalogue is published
	CommandsURL string
	// ShardsPath path of the shard report under BaseURL
	ShardsPath string
	Timeout    time.Duration
}

type restClient struct {
	common.Component
	client      *resty.Client
	commandsURL string
	shardsPath  string
}

// NewClient define a new backend client
func NewClient(params ClientParams) (Client, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if params.ShardsPath == "" {
		params.ShardsPath = "/shards"
	}
	logTags := log.Fields{"module": "backend", "component": "client"}
	client := resty.New().
		SetBaseURL(strings.TrimRight(params.BaseURL, "/")).
		SetTimeout(params.Timeout).
		SetHeader("Accept", "application/json")
	client.OnAfterResponse(func(c *resty.Client, resp *resty.Response) error {
		log.WithFields(logTags).Debugf(
			"%s %s -> %d (%s)",
			resp.Request.Method, resp.Request.URL, resp.StatusCode(), resp.Time(),
		)
		return nil
	})
	return &restClient{
		Component:   common.Component{LogTags: logTags},
		client:      client,
		commandsURL: params.CommandsURL,
		shardsPath:  params.ShardsPath,
	}, nil
}

type call struct {
	method     string
	path       string
	token      string
	headers    map[string]string
	pathParams map[string]string
	body       interface{}
	result     interface{}
}

func (c *restClient) do(ctxt context.Context, req call) (*resty.Response, error) {
	r := c.client.R().SetContext(ctxt).SetError(&errorBody{})
	if req.token != "" {
		r.SetAuthToken(req.token)
	}
	for name, value := range req.headers {
		if value != "" {
			r.SetHeader(name, value)
		}
	}
	if req.pathParams != nil {
		r.SetPathParams(req.pathParams)
	}
	if req.body != nil {
		r.SetBody(req.body)
	}
	if req.result != nil {
		r.SetResult(req.result)
	}
	resp, err := r.Execute(req.method, req.path)
	if err != nil {
		log.WithError(err).WithFields(c.GetLogTagsForContext(ctxt)).Errorf(
			"Backend call %s %s failed", req.method, req.path,
		)
		return nil, fmt.Errorf("backend %s %s: %w", req.method, req.path, err)
	}
	if resp.IsError() {
		msg := ""
		if body, ok := resp.Error().(*errorBody); ok {
			msg = body.text()
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return resp, &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return resp, nil
}

func (c *restClient) Login(ctxt context.Context, req LoginRequest) (string, error) {
	result := loginResponse{}
	// The backend authenticates the login call with the raw Discord access token
	if _, err := c.do(ctxt, call{
		method:  http.MethodPost,
		path:    "/@me/login",
		headers: map[string]string{"Authorization": req.AccessToken},
		body:    req,
		result:  &result,
	}); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("backend login returned no token")
	}
	return result.Token, nil
}

func (c *restClient) Me(ctxt context.Context, token string) (OAuthUser, error) {
	user := OAuthUser{}
	if _, err := c.do(ctxt, call{
		method: http.MethodGet, path: "/@me", token: token, result: &user,
	}); err != nil {
		return OAuthUser{}, err
	}
	user.Normalize()
	return user, nil
}

func (c *restClient) Guilds(ctxt context.Context, token string) ([]OAuthGuild, error) {
	guilds := []OAuthGuild{}
	if _, err := c.do(ctxt, call{
		method: http.MethodGet, path: "/@me/guilds", token: token, result: &guilds,
	}); err != nil {
		return nil, err
	}
	for idx := range guilds {
		guilds[idx].Normalize()
	}
	return guilds, nil
}

func (c *restClient) Guild(ctxt context.Context, token, guildID string) (GuildDetail, error) {
	guild := GuildDetail{}
	if _, err := c.do(ctxt, call{
		method:     http.MethodGet,
		path:       "/@me/guilds/{guildID}",
		token:      token,
		pathParams: map[string]string{"guildID": guildID},
		result:     &guild,
	}); err != nil {
		return GuildDetail{}, err
	}
	return guild, nil
}

func (c *restClient) GuildSettings(
	ctxt context.Context, token, guildID string,
) (GuildSettings, error) {
	settings := GuildSettings{}
	_, err := c.do(ctxt, call{
		method:     http.MethodGet,
		path:       "/@me/guilds/{guildID}/settings",
		token:      token,
		pathParams: map[string]string{"guildID": guildID},
		result:     &settings,
	})
	if err != nil {
		if StatusCode(err) != http.StatusNotFound {
			return GuildSettings{}, err
		}
		// Never saved
		return DefaultGuildSettings(), nil
	}
	settings.ApplyDefaults()
	return settings, nil
}

func (c *restClient) UpdateGuildSettings(
	ctxt context.Context, token, guildID string, settings GuildSettings,
) (GuildSettings, error) {
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		return GuildSettings{}, err
	}
	saved := GuildSettings{}
	resp, err := c.do(ctxt, call{
		method:     http.MethodPost,
		path:       "/@me/guilds/{guildID}/settings",
		token:      token,
		pathParams: map[string]string{"guildID": guildID},
		body:       settings,
		result:     &saved,
	})
	if err != nil {
		return GuildSettings{}, err
	}
	if len(resp.Body()) == 0 || saved.Prefix == "" {
		// Backend acknowledged without echoing the settings
		return settings, nil
	}
	saved.ApplyDefaults()
	return saved, nil
}

func (c *restClient) Shards(ctxt context.Context) ([]Shard, error) {
	resp, err := c.do(ctxt, call{method: http.MethodGet, path: c.shardsPath})
	if err != nil {
		return nil, err
	}
	shards, err := DecodeShards(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode shard report: %w", err)
	}
	return shards, nil
}

func (c *restClient) Commands(ctxt context.Context) ([]Command, error) {
	if c.commandsURL == "" {
		return []Command{}, nil
	}
	commands := []Command{}
	if _, err := c.do(ctxt, call{
		method: http.MethodGet, path: c.commandsURL, result: &commands,
	}); err != nil {
		return nil, err
	}
	return commands, nil
}
