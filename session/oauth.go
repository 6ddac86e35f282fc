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
	"strings"

	"golang.org/x/oauth2"
)

// OAuthParams parameters of the Discord OAuth2 application
type OAuthParams struct {
	ClientID     string
	ClientSecret string
	// RedirectURL absolute callback URL registered with Discord
	RedirectURL string
	Scopes      []string
	AuthURL     string
	TokenURL    string
}

// OAuthExchanger runs the authorization code flow
type OAuthExchanger interface {
	// AuthCodeURL URL of the authorize page for a state
	AuthCodeURL(state string) string
	// Exchange trade an authorization code for a token
	Exchange(ctxt context.Context, code string) (*oauth2.Token, error)
}

type discordOAuth struct {
	config oauth2.Config
}

// NewDiscordOAuth define an OAuthExchanger for Discord
func NewDiscordOAuth(params OAuthParams) OAuthExchanger {
	return &discordOAuth{
		config: oauth2.Config{
			ClientID:     params.ClientID,
			ClientSecret: params.ClientSecret,
			RedirectURL:  params.RedirectURL,
			Scopes:       params.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   params.AuthURL,
				TokenURL:  params.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (o *discordOAuth) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "none"))
}

func (o *discordOAuth) Exchange(ctxt context.Context, code string) (*oauth2.Token, error) {
	return o.config.Exchange(ctxt, code)
}

// JoinRedirectURL join the public site URL with the callback path
func JoinRedirectURL(publicURL, path string) string {
	return strings.TrimRight(publicURL, "/") + "/" + strings.TrimLeft(path, "/")
}
