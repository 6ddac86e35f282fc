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

// Package gateway maintains live per-guild connections to the bot backend gateway.
//
// A Client owns at most one transport at a time. Its state transitions are driven by a single
// event loop: API calls, transport open / close, inbound messages, and timer ticks are all
// submitted as tasks, so connection state is never touched from two goroutines.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Reserved gateway event kinds
const (
	// KindPrepare server announces the heartbeat interval
	KindPrepare = "PREPARE"
	// KindHeartbeat client liveness probe
	KindHeartbeat = "HEARTBEAT"
	// KindHeartbeatAck server acknowledges a heartbeat
	KindHeartbeatAck = "HEARTBEAT_ACK"
	// KindIdentify server sends the guild and member snapshot
	KindIdentify = "IDENTIFY"
)

// Envelope is the frame of every gateway message
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeEnvelope builds the wire form of an event. A nil payload is sent as an empty object.
func EncodeEnvelope(kind string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	switch v := payload.(type) {
	case nil:
		data = json.RawMessage("{}")
	case json.RawMessage:
		data = v
	default:
		t, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		data = t
	}
	return json.Marshal(Envelope{Event: kind, Data: data})
}

// DecodeEnvelope parses the frame of a gateway message
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("gateway message has no event kind")
	}
	return env, nil
}

// PrepareData payload of PREPARE
type PrepareData struct {
	// Interval heartbeat period in milliseconds
	Interval float64 `json:"interval"`
	// ID the guild the connection was opened for
	ID Snowflake `json:"id,omitempty"`
}

// HeartbeatInterval converts the announced interval into a duration
func (d PrepareData) HeartbeatInterval() time.Duration {
	return time.Duration(d.Interval * float64(time.Millisecond))
}

// HeartbeatAckData payload of HEARTBEAT_ACK
type HeartbeatAckData struct {
	// Received number of heartbeats the server has seen on this connection
	Received int `json:"received"`
}

// IdentifyData payload of IDENTIFY. The guild and member objects are kept as sent so
// fields this package does not model still reach the browser.
type IdentifyData struct {
	Guild  json.RawMessage `json:"guild"`
	Member json.RawMessage `json:"member"`
}

// rawOrNil drops an absent or null JSON value
func rawOrNil(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

// BuildGatewayURL forms the connection URL for one guild
func BuildGatewayURL(base, token, guildID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway base URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/gateway") {
		u.Path = strings.TrimRight(u.Path, "/") + "/gateway"
	}
	query := u.Query()
	query.Set("token", token)
	query.Set("guild_id", guildID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// ===============================================================================
// Snapshot types

// Snowflake is a Discord identifier. The backend may send it as a JSON number or string.
type Snowflake string

// UnmarshalJSON accepts both string and numeric identifiers
func (s *Snowflake) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		*s = ""
		return nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*s = Snowflake(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("snowflake is neither string nor number: %w", err)
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return fmt.Errorf("snowflake %s is not an unsigned integer", n.String())
	}
	*s = Snowflake(n.String())
	return nil
}

// MarshalJSON encodes as a string, the only form safe for javascript consumers
func (s Snowflake) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Uint64 numeric value of the identifier
func (s Snowflake) Uint64() (uint64, error) {
	return strconv.ParseUint(string(s), 10, 64)
}

// PartialRole a guild role
type PartialRole struct {
	ID           Snowflake `json:"id"`
	Name         string    `json:"name"`
	Color        int       `json:"color"`
	Permissions  int64     `json:"permissions"`
	IconURL      *string   `json:"icon_url,omitempty"`
	Managed      bool      `json:"managed"`
	Mentionable  bool      `json:"mentionable"`
	UnicodeEmoji *string   `json:"unicode_emoji,omitempty"`
	DefaultRole  bool      `json:"default_role"`
}

// PartialChannel a guild channel
type PartialChannel struct {
	ID       Snowflake  `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Position int        `json:"position"`
	NSFW     bool       `json:"nsfw"`
	ParentID *Snowflake `json:"parent_id,omitempty"`
}

// PartialGuild guild snapshot sent on IDENTIFY
type PartialGuild struct {
	ID        Snowflake        `json:"id"`
	Name      string           `json:"name"`
	OwnerID   Snowflake        `json:"owner_id,omitempty"`
	CreatedAt *time.Time       `json:"created_at,omitempty"`
	IconURL   *string          `json:"icon_url,omitempty"`
	Roles     []PartialRole    `json:"roles,omitempty"`
	Channels  []PartialChannel `json:"channels,omitempty"`
}

// PartialMember member snapshot sent on IDENTIFY
type PartialMember struct {
	ID          Snowflake   `json:"id"`
	Bot         bool        `json:"bot"`
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	Roles       []Snowflake `json:"roles,omitempty"`
	JoinedAt    *time.Time  `json:"joined_at,omitempty"`
	CreatedAt   *time.Time  `json:"created_at,omitempty"`
	Permissions int64       `json:"permissions"`
}
