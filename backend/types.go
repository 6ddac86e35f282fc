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

package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hiddeout/website/gateway"
)

const (
	cdnBase = "https://cdn.discordapp.com"
	// DefaultAvatarURL used when a user or guild has no image
	DefaultAvatarURL = cdnBase + "/embed/avatars/0.png"
	// PermissionAdministrator Discord ADMINISTRATOR permission bit
	PermissionAdministrator int64 = 1 << 3
)

// OAuthUser the signed-in Discord user
type OAuthUser struct {
	ID          gateway.Snowflake `json:"id"`
	Username    string            `json:"username"`
	GlobalName  *string           `json:"global_name,omitempty"`
	PublicFlags int64             `json:"public_flags"`
	Avatar      *string           `json:"avatar,omitempty"`
	AvatarURL   string            `json:"avatar_url"`
}

// Normalize fill the computed fields
func (u *OAuthUser) Normalize() {
	if u.Avatar == nil || *u.Avatar == "" {
		u.AvatarURL = DefaultAvatarURL
		return
	}
	u.AvatarURL = fmt.Sprintf("%s/avatars/%s/%s.png", cdnBase, u.ID, *u.Avatar)
}

// OAuthGuild a guild the user belongs to
type OAuthGuild struct {
	ID            gateway.Snowflake `json:"id"`
	Name          string            `json:"name"`
	Bot           bool              `json:"bot"`
	Icon          *string           `json:"icon,omitempty"`
	Banner        *string           `json:"banner,omitempty"`
	Owner         bool              `json:"owner"`
	Permissions   Permissions       `json:"permissions"`
	Features      []string          `json:"features"`
	IconURL       string            `json:"icon_url"`
	BannerURL     string            `json:"banner_url"`
	Administrator bool              `json:"administrator"`
}

// Normalize fill the computed fields
func (g *OAuthGuild) Normalize() {
	if g.Icon == nil || *g.Icon == "" {
		g.IconURL = DefaultAvatarURL
	} else {
		g.IconURL = fmt.Sprintf("%s/icons/%s/%s.png", cdnBase, g.ID, *g.Icon)
	}
	if g.Banner == nil || *g.Banner == "" {
		g.BannerURL = ""
	} else {
		g.BannerURL = fmt.Sprintf("%s/banners/%s/%s.png", cdnBase, g.ID, *g.Banner)
	}
	g.Administrator = g.Owner || int64(g.Permissions)&PermissionAdministrator != 0
}

// Permissions a Discord permission bit set. Discord sends it as a string.
type Permissions int64

// UnmarshalJSON accepts both string and numeric permissions
func (p *Permissions) UnmarshalJSON(raw []byte) error {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		*p = 0
		return nil
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid permissions %q: %w", text, err)
	}
	*p = Permissions(v)
	return nil
}

// GuildDetail one guild with its roles and channels
type GuildDetail struct {
	ID       gateway.Snowflake        `json:"id"`
	Name     string                   `json:"name"`
	IconURL  *string                  `json:"icon_url"`
	Roles    []gateway.PartialRole    `json:"roles"`
	Channels []gateway.PartialChannel `json:"channels"`
}

// ===============================================================================
// Settings

// DefaultPrefix command prefix of a guild without settings
const DefaultPrefix = "!"

// DefaultWelcomeMessage welcome text of a guild without settings
const DefaultWelcomeMessage = "Welcome {user} to {server}!"

// GuildModules module toggles
type GuildModules struct {
	Welcome    bool `json:"welcome"`
	Moderation bool `json:"moderation"`
	Automod    bool `json:"automod"`
	Logging    bool `json:"logging"`
}

// WelcomeSettings welcome module parameters
type WelcomeSettings struct {
	Channel gateway.Snowflake `json:"channel" validate:"omitempty,numeric"`
	Message string            `json:"message" validate:"max=2000"`
}

// LoggingSettings logging module parameters
type LoggingSettings struct {
	Channel gateway.Snowflake `json:"channel" validate:"omitempty,numeric"`
}

// GuildSettings per guild bot settings
type GuildSettings struct {
	Prefix  string          `json:"prefix" validate:"required,max=10"`
	Modules GuildModules    `json:"modules"`
	Welcome WelcomeSettings `json:"welcome"`
	Logging LoggingSettings `json:"logging"`
}

// ApplyDefaults fill unset fields
func (s *GuildSettings) ApplyDefaults() {
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}
	if s.Welcome.Message == "" {
		s.Welcome.Message = DefaultWelcomeMessage
	}
}

// DefaultGuildSettings settings of a guild that never saved any
func DefaultGuildSettings() GuildSettings {
	s := GuildSettings{}
	s.ApplyDefaults()
	return s
}

// Validate check the settings before saving
func (s GuildSettings) Validate() error {
	// A module may be enabled before its channel is chosen
	return validator.New().Struct(&s)
}

// ===============================================================================
// Shards

// Latency milliseconds, sent either as a number or a numeric string
type Latency float64

// UnmarshalJSON accepts both string and numeric latency
func (l *Latency) UnmarshalJSON(raw []byte) error {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		*l = 0
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid latency %q: %w", text, err)
	}
	*l = Latency(v)
	return nil
}

// Shard health report of one bot shard
type Shard struct {
	ShardID         int     `json:"shard_id"`
	ServerCount     int     `json:"server_count"`
	CachedUserCount int     `json:"cached_user_count"`
	Latency         Latency `json:"latency"`
	// Uptime epoch seconds the shard came up
	Uptime      float64 `json:"uptime"`
	IsReady     bool    `json:"is_ready"`
	LastUpdated float64 `json:"last_updated"`
}

// DecodeShards parse a shard report. Accepts {"shards": [...]}, a bare list, or a single shard.
func DecodeShards(raw []byte) ([]Shard, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var shards []Shard
		if err := json.Unmarshal(raw, &shards); err != nil {
			return nil, err
		}
		return shards, nil
	}
	var wrapped struct {
		Shards *[]Shard `json:"shards"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Shards != nil {
		return *wrapped.Shards, nil
	}
	var single Shard
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []Shard{single}, nil
}

// ===============================================================================
// Commands

// Command one entry of the bot command catalogue
type Command struct {
	Name        string            `json:"name"`
	Permissions string            `json:"permissions"`
	Parameters  string            `json:"parameters"`
	Description string            `json:"description"`
	Category    string            `json:"category"`
	Args        []json.RawMessage `json:"args"`
}
