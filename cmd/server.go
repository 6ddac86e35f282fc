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

// Package cmd assembles the dashboard server and the gateway probe.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hiddeout/website/apis"
	"github.com/hiddeout/website/backend"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/gateway"
	"github.com/hiddeout/website/relay"
	"github.com/hiddeout/website/session"
	"github.com/hiddeout/website/status"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ProxyPathPrefix path prefix of the same-origin backend proxy
const ProxyPathPrefix = "/api/proxy"

// GatewayBaseURL the gateway base URL of a config, derived from the API URL if not set
func GatewayBaseURL(config common.BackendConfig) string {
	if config.GatewayURL != "" {
		return config.GatewayURL
	}
	return config.APIURL
}

// DefineSessionProvider build the session cookie provider
func DefineSessionProvider(config common.SessionConfig) (session.Provider, error) {
	ttl := time.Second * time.Duration(config.TTL)
	codec, err := session.NewCodec([]byte(config.Secret), ttl)
	if err != nil {
		return nil, err
	}
	return session.NewProvider(session.ProviderParams{
		Codec:           codec,
		CookieName:      config.CookieName,
		TokenCookieName: config.TokenCookieName,
		TTL:             ttl,
		Secure:          config.Secure,
	})
}

// DefineSnapshotStore build the shard snapshot store. In memory unless redis is configured.
func DefineSnapshotStore(config common.StatusConfig) (status.SnapshotStore, *redis.Client) {
	if config.Redis == nil {
		return status.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	ttl := time.Second * time.Duration(config.PollInterval*4)
	return status.NewRedisStore(client, config.Redis.KeyPrefix, ttl), client
}

// RunDashboardServer run the dashboard server until the runtime context is cancelled
func RunDashboardServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	eventRelay *relay.NATSRelay,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "dashboard",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	// -------------------------------------------------------------------
	// Core components

	backendClient, err := backend.NewClient(backend.ClientParams{
		BaseURL:     config.Backend.APIURL,
		CommandsURL: config.Backend.CommandsURL,
		Timeout:     time.Second * time.Duration(config.Backend.RequestTimeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define backend client")
		return err
	}

	sessions, err := DefineSessionProvider(config.Session)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session provider")
		return err
	}

	oauth := session.NewDiscordOAuth(session.OAuthParams{
		ClientID:     config.OAuth.ClientID,
		ClientSecret: config.OAuth.ClientSecret,
		RedirectURL:  session.JoinRedirectURL(config.HTTP.PublicURL, config.OAuth.RedirectPath),
		Scopes:       config.OAuth.Scopes,
		AuthURL:      config.OAuth.AuthURL,
		TokenURL:     config.OAuth.TokenURL,
	})

	hubParams := gateway.HubParams{
		GatewayURL: GatewayBaseURL(config.Backend),
		Dialer: gateway.NewWebsocketDialer(gateway.WebsocketDialerParams{
			HandshakeTimeout: time.Second * time.Duration(config.Gateway.HandshakeTimeout),
			WriteTimeout:     time.Second * time.Duration(config.Gateway.WriteTimeout),
		}),
		ReconnectDelay:   time.Millisecond * time.Duration(config.Gateway.ReconnectDelay),
		TaskBuffer:       config.Gateway.TaskBuffer,
		SubscriberBuffer: config.Gateway.SubscriberBuffer,
	}
	if eventRelay != nil {
		hubParams.Relay = eventRelay
	}
	hub, err := gateway.NewHub(runtimeContext, hubParams)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway hub")
		return err
	}
	defer func() {
		if err := hub.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Gateway hub close failed")
		}
	}()

	store, redisClient := DefineSnapshotStore(config.Status)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Redis client close failed")
			}
		}()
	}
	pollTimer, err := common.GetIntervalTimerInstance("shard-poller", runtimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define poll timer")
		return err
	}
	poller, err := status.NewPoller(status.PollerParams{
		Source:          backendClient,
		Store:           store,
		Timer:           pollTimer,
		Interval:        time.Second * time.Duration(config.Status.PollInterval),
		DegradedLatency: config.Status.DegradedLatency,
		RequestTimeout:  time.Second * time.Duration(config.Backend.RequestTimeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define shard poller")
		return err
	}
	if err := poller.Start(runtimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start shard poller")
		return err
	}
	defer func() {
		_ = poller.Stop()
	}()

	// -------------------------------------------------------------------
	// HTTP handlers

	readiness := map[string]apis.ReadinessCheck{}
	if redisClient != nil {
		readiness["redis"] = func(ctxt context.Context) error {
			return redisClient.Ping(ctxt).Err()
		}
	}
	if eventRelay != nil {
		readiness["nats"] = func(_ context.Context) error {
			if !eventRelay.Conn().IsConnected() {
				return fmt.Errorf("NATS not connected")
			}
			return nil
		}
	}
	healthHandler, err := apis.GetAPIRestHealthHandler(&config.HTTP, readiness)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health handler")
		return err
	}
	authHandler, err := apis.GetAPIRestAuthHandler(oauth, sessions, backendClient, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define auth handler")
		return err
	}
	dashboardHandler, err := apis.GetAPIRestDashboardHandler(sessions, backendClient, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dashboard handler")
		return err
	}
	gatewayHandler, err := apis.GetAPIRestGatewayHandler(sessions, hub, 0, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway handler")
		return err
	}
	statusHandler, err := apis.GetAPIRestStatusHandler(poller, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status handler")
		return err
	}
	proxyHandler, err := apis.GetAPIRestProxyHandler(
		config.Backend.APIURL, ProxyPathPrefix, sessions, &config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define proxy handler")
		return err
	}
	guard := apis.NewSessionGuard(sessions, &config.HTTP)

	router := DefineRouter(RouterHandlers{
		Health:       healthHandler,
		Auth:         authHandler,
		Dashboard:    dashboardHandler,
		Gateway:      gatewayHandler,
		Status:       statusHandler,
		Proxy:        proxyHandler,
		Guard:        guard,
		CallbackPath: config.OAuth.RedirectPath,
	})

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// RouterHandlers the handlers mounted by DefineRouter
type RouterHandlers struct {
	Health    apis.APIRestHealthHandler
	Auth      apis.APIRestAuthHandler
	Dashboard apis.APIRestDashboardHandler
	Gateway   apis.APIRestGatewayHandler
	Status    apis.APIRestStatusHandler
	Proxy     apis.APIRestProxyHandler
	Guard     apis.SessionGuard
	// CallbackPath path of the OAuth callback
	CallbackPath string
}

// DefineRouter mount every endpoint of the dashboard server
func DefineRouter(h RouterHandlers) *mux.Router {
	router := mux.NewRouter()

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", apis.MethodHandlers{
		"get": h.Health.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", apis.MethodHandlers{
		"get": h.Health.ReadyHandler(),
	})

	// Login flow
	authRouter := apis.RegisterPathPrefix(router, "/api/auth", nil)
	_ = apis.RegisterPathPrefix(authRouter, "/login", apis.MethodHandlers{
		"get": h.Auth.LoginHandler(),
	})
	_ = apis.RegisterPathPrefix(authRouter, "/logout", apis.MethodHandlers{
		"post": h.Auth.LogoutHandler(),
	})
	_ = apis.RegisterPathPrefix(authRouter, "/session", apis.MethodHandlers{
		"get": h.Auth.SessionHandler(),
	})
	_ = apis.RegisterPathPrefix(router, h.CallbackPath, apis.MethodHandlers{
		"get": h.Auth.CallbackHandler(),
	})

	// Account dashboard
	dashboardRouter := apis.RegisterPathPrefix(router, "/api/dashboard", nil)
	dashboardRouter.Use(h.Guard.RequireSession)
	_ = apis.RegisterPathPrefix(dashboardRouter, "/me", apis.MethodHandlers{
		"get": h.Dashboard.MeHandler(),
	})
	guildsRouter := apis.RegisterPathPrefix(dashboardRouter, "/guilds", apis.MethodHandlers{
		"get": h.Dashboard.GuildsHandler(),
	})
	perGuildRouter := apis.RegisterPathPrefix(guildsRouter, "/{guildId}", apis.MethodHandlers{
		"get": h.Dashboard.GuildHandler(),
	})
	_ = apis.RegisterPathPrefix(perGuildRouter, "/settings", apis.MethodHandlers{
		"get":  h.Dashboard.GetSettingsHandler(),
		"post": h.Dashboard.UpdateSettingsHandler(),
	})

	// Guild gateway
	gatewayRouter := apis.RegisterPathPrefix(router, "/api/gateway", nil)
	gatewayRouter.Use(h.Guard.RequireSession)
	perGatewayRouter := apis.RegisterPathPrefix(gatewayRouter, "/{guildId}", nil)
	_ = apis.RegisterPathPrefix(perGatewayRouter, "/events", apis.MethodHandlers{
		"get": h.Gateway.EventsHandler(),
	})
	_ = apis.RegisterPathPrefix(perGatewayRouter, "/send", apis.MethodHandlers{
		"post": h.Gateway.SendHandler(),
	})
	_ = apis.RegisterPathPrefix(perGatewayRouter, "/state", apis.MethodHandlers{
		"get": h.Gateway.StateHandler(),
	})

	// Public bot information
	shardsRouter := apis.RegisterPathPrefix(router, "/api/shards", apis.MethodHandlers{
		"get": h.Status.ShardsHandler(),
	})
	_ = apis.RegisterPathPrefix(shardsRouter, "/guild/{guildId}", apis.MethodHandlers{
		"get": h.Status.ShardForGuildHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/api/commands", apis.MethodHandlers{
		"get": h.Dashboard.CommandsHandler(),
	})

	// Same-origin backend proxy
	router.PathPrefix(ProxyPathPrefix + "/").HandlerFunc(h.Proxy.ProxyHandler())

	// Request ID and access logging
	router.Use(h.Health.AttachRequestID)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(h.Health, next)
	})

	return router
}
