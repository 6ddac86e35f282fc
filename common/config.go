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

package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// The gateway event stream is long lived, so this should stay zero unless a
	// fronting proxy enforces its own limit.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// PublicURL is the externally visible base URL of the site
	PublicURL string `mapstructure:"public_url" json:"public_url" validate:"required,url"`
}

// ===============================================================================
// Backend Related Config

// BackendConfig defines how to reach the bot backend
type BackendConfig struct {
	// APIURL is the base URL of the backend REST API
	APIURL string `mapstructure:"api_url" json:"api_url" validate:"required,url"`
	// GatewayURL is the base URL of the backend gateway endpoint. Derived from APIURL
	// by swapping the scheme when empty.
	GatewayURL string `mapstructure:"gateway_url" json:"gateway_url" validate:"omitempty,url"`
	// CommandsURL is where the bot command catalogue is published
	CommandsURL string `mapstructure:"commands_url" json:"commands_url" validate:"omitempty,url"`
	// RequestTimeout is the max duration of one backend request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Auth Related Config

// OAuthConfig defines the Discord OAuth2 application parameters
type OAuthConfig struct {
	// ClientID is the Discord application client ID
	ClientID string `mapstructure:"client_id" json:"client_id" validate:"required"`
	// ClientSecret is the Discord application client secret
	ClientSecret string `mapstructure:"client_secret" json:"-" validate:"required"`
	// RedirectPath is the callback path, joined with the public URL
	RedirectPath string `mapstructure:"redirect_path" json:"redirect_path" validate:"required"`
	// Scopes are the requested OAuth2 scopes
	Scopes []string `mapstructure:"scopes" json:"scopes" validate:"required,min=1"`
	// AuthURL is the authorization endpoint
	AuthURL string `mapstructure:"auth_url" json:"auth_url" validate:"required,url"`
	// TokenURL is the token endpoint
	TokenURL string `mapstructure:"token_url" json:"token_url" validate:"required,url"`
}

// SessionConfig defines the session cookie parameters
type SessionConfig struct {
	// Secret is the HMAC key signing the session cookie
	Secret string `mapstructure:"secret" json:"-" validate:"required,min=16"`
	// CookieName is the name of the session cookie
	CookieName string `mapstructure:"cookie_name" json:"cookie_name" validate:"required"`
	// TokenCookieName is the name of the cookie holding the backend token
	TokenCookieName string `mapstructure:"token_cookie_name" json:"token_cookie_name" validate:"required"`
	// TTL is the session lifetime in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=60"`
	// Secure sets the Secure attribute on the cookies
	Secure bool `mapstructure:"secure" json:"secure"`
}

// ===============================================================================
// Gateway Related Config

// GatewayConfig defines the gateway client parameters
type GatewayConfig struct {
	// ReconnectDelay is the wait after a heartbeat timeout before reconnecting, in ms
	ReconnectDelay int `mapstructure:"reconnect_delay_ms" json:"reconnect_delay_ms" validate:"gte=1"`
	// HandshakeTimeout is the max duration of the websocket handshake in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// WriteTimeout is the write deadline for one message in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// TaskBuffer is the event loop queue length per client
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// SubscriberBuffer is the per subscriber event queue length
	SubscriberBuffer int `mapstructure:"subscriber_buffer" json:"subscriber_buffer" validate:"gte=1"`
}

// ===============================================================================
// Status Related Config

// RedisConfig defines parameters for connecting to redis
type RedisConfig struct {
	// Addr is the redis host:port
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// Password is the redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the redis database number
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is prepended to every key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
}

// StatusConfig defines the shard status poller parameters
type StatusConfig struct {
	// PollInterval is the interval between shard polls in seconds
	PollInterval int `mapstructure:"poll_interval_sec" json:"poll_interval_sec" validate:"gte=1"`
	// DegradedLatency is the latency in ms above which a ready shard counts as degraded
	DegradedLatency float64 `mapstructure:"degraded_latency_ms" json:"degraded_latency_ms" validate:"gt=0"`
	// Redis is the optional shared snapshot store. In memory when not set.
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Relay Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the prefix of subjects gateway events are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete dashboard server config
type SystemConfig struct {
	// HTTP are the HTTP server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Backend are the bot backend configs
	Backend BackendConfig `mapstructure:"backend" json:"backend" validate:"required,dive"`
	// OAuth are the Discord OAuth2 configs
	OAuth OAuthConfig `mapstructure:"oauth" json:"oauth" validate:"required,dive"`
	// Session are the session cookie configs
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Gateway are the gateway client configs
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// Status are the shard status configs
	Status StatusConfig `mapstructure:"status" json:"status" validate:"required,dive"`
	// Relay is the optional NATS event relay
	Relay *NATSConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default HTTP server settings
	viper.SetDefault("http.public_url", "http://localhost:3000")
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Website-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Cookie", "Set-Cookie",
		},
	)

	// Default backend settings
	viper.SetDefault("backend.api_url", "http://localhost:8000")
	viper.SetDefault("backend.commands_url", "https://cdn.stmp.dev/commands.json")
	viper.SetDefault("backend.request_timeout_sec", 15)

	// Default OAuth settings. Secrets have empty defaults so environment overrides apply.
	viper.SetDefault("oauth.client_id", "")
	viper.SetDefault("oauth.client_secret", "")
	viper.SetDefault("oauth.redirect_path", "/api/auth/callback/discord")
	viper.SetDefault("oauth.scopes", []string{"identify", "email", "guilds"})
	viper.SetDefault("oauth.auth_url", "https://discord.com/oauth2/authorize")
	viper.SetDefault("oauth.token_url", "https://discord.com/api/oauth2/token")

	// Default session settings
	viper.SetDefault("session.secret", "")
	viper.SetDefault("session.cookie_name", "session")
	viper.SetDefault("session.token_cookie_name", "token")
	viper.SetDefault("session.ttl_sec", 30*24*60*60)
	viper.SetDefault("session.secure", false)

	// Default gateway settings
	viper.SetDefault("gateway.reconnect_delay_ms", 5000)
	viper.SetDefault("gateway.handshake_timeout_sec", 10)
	viper.SetDefault("gateway.write_timeout_sec", 5)
	viper.SetDefault("gateway.task_buffer", 64)
	viper.SetDefault("gateway.subscriber_buffer", 32)

	// Default status settings
	viper.SetDefault("status.poll_interval_sec", 30)
	viper.SetDefault("status.degraded_latency_ms", 1000)
}
