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
	"encoding/json"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/hiddeout/website/backend"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/session"
)

// PermissionManageGuild Discord MANAGE_GUILD permission bit
const PermissionManageGuild int64 = 1 << 5

// APIRestDashboardHandler REST handler for the account dashboard
type APIRestDashboardHandler struct {
	APIRestHandler
	sessions session.Provider
	backend  backend.Client
}

// GetAPIRestDashboardHandler define APIRestDashboardHandler
func GetAPIRestDashboardHandler(
	sessions session.Provider, backendClient backend.Client, httpConfig *common.HTTPConfig,
) (APIRestDashboardHandler, error) {
	return APIRestDashboardHandler{
		APIRestHandler: NewAPIRestHandler("dashboard", httpConfig),
		sessions:       sessions,
		backend:        backendClient,
	}, nil
}

// backendFailure answer with the status of a failed backend call
func (h APIRestDashboardHandler) backendFailure(
	w http.ResponseWriter, r *http.Request, msg string, err error,
) {
	log.WithError(err).WithFields(h.logTagsFor(r)).Error(msg)
	respCode := http.StatusBadGateway
	switch backend.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		respCode = backend.StatusCode(err)
	}
	h.replyError(w, r, respCode, msg, err.Error())
}

// -----------------------------------------------------------------------

// APIRestRespUser response carrying the signed-in user
type APIRestRespUser struct {
	goutils.RestAPIBaseResponse
	// User the Discord user
	User backend.OAuthUser `json:"user"`
}

// Me fetch the signed-in user
func (h APIRestDashboardHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.backend.Me(r.Context(), bearerFor(r, h.sessions))
	if err != nil {
		h.backendFailure(w, r, "Failed to fetch user", err)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespUser{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		User: user,
	})
}

// MeHandler Wrapper around Me
func (h APIRestDashboardHandler) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Me(w, r)
	}
}

// -----------------------------------------------------------------------

// DashboardGuild a guild as listed on the dashboard
type DashboardGuild struct {
	backend.OAuthGuild
	// Manageable whether the user may change the bot settings of this guild
	Manageable bool `json:"manageable"`
}

// APIRestRespGuilds response listing the user's guilds
type APIRestRespGuilds struct {
	goutils.RestAPIBaseResponse
	Guilds []DashboardGuild `json:"guilds"`
}

// Guilds list the guilds of the signed-in user
func (h APIRestDashboardHandler) Guilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := h.backend.Guilds(r.Context(), bearerFor(r, h.sessions))
	if err != nil {
		h.backendFailure(w, r, "Failed to fetch guilds", err)
		return
	}
	result := make([]DashboardGuild, 0, len(guilds))
	for _, guild := range guilds {
		result = append(result, DashboardGuild{
			OAuthGuild: guild,
			Manageable: guild.Administrator ||
				int64(guild.Permissions)&PermissionManageGuild != 0,
		})
	}
	h.reply(w, r, http.StatusOK, APIRestRespGuilds{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Guilds: result,
	})
}

// GuildsHandler Wrapper around Guilds
func (h APIRestDashboardHandler) GuildsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Guilds(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespGuild response carrying one guild
type APIRestRespGuild struct {
	goutils.RestAPIBaseResponse
	Guild backend.GuildDetail `json:"guild"`
}

// Guild fetch one guild
func (h APIRestDashboardHandler) Guild(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildId"]
	guild, err := h.backend.Guild(r.Context(), bearerFor(r, h.sessions), guildID)
	if err != nil {
		h.backendFailure(w, r, "Failed to fetch guild", err)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespGuild{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Guild: guild,
	})
}

// GuildHandler Wrapper around Guild
func (h APIRestDashboardHandler) GuildHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Guild(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespGuildSettings response carrying guild settings
type APIRestRespGuildSettings struct {
	goutils.RestAPIBaseResponse
	Settings backend.GuildSettings `json:"settings"`
}

// GetSettings fetch the settings of a guild
func (h APIRestDashboardHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildId"]
	settings, err := h.backend.GuildSettings(r.Context(), bearerFor(r, h.sessions), guildID)
	if err != nil {
		h.backendFailure(w, r, "Failed to fetch guild settings", err)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespGuildSettings{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Settings: settings,
	})
}

// GetSettingsHandler Wrapper around GetSettings
func (h APIRestDashboardHandler) GetSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSettings(w, r)
	}
}

// UpdateSettings validate and save the settings of a guild
func (h APIRestDashboardHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsFor(r)
	guildID := mux.Vars(r)["guildId"]

	var settings backend.GuildSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.replyError(w, r, http.StatusBadRequest, msg, err.Error())
		return
	}
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		msg := "Invalid guild settings"
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		h.replyError(w, r, http.StatusBadRequest, msg, err.Error())
		return
	}

	saved, err := h.backend.UpdateGuildSettings(
		r.Context(), bearerFor(r, h.sessions), guildID, settings,
	)
	if err != nil {
		h.backendFailure(w, r, "Failed to save guild settings", err)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespGuildSettings{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Settings: saved,
	})
}

// UpdateSettingsHandler Wrapper around UpdateSettings
func (h APIRestDashboardHandler) UpdateSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UpdateSettings(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespCommands response carrying the bot command catalogue
type APIRestRespCommands struct {
	goutils.RestAPIBaseResponse
	Commands []backend.Command `json:"commands"`
}

// Commands fetch the bot command catalogue
func (h APIRestDashboardHandler) Commands(w http.ResponseWriter, r *http.Request) {
	commands, err := h.backend.Commands(r.Context())
	if err != nil {
		h.backendFailure(w, r, "Failed to fetch commands", err)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespCommands{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Commands: commands,
	})
}

// CommandsHandler Wrapper around Commands
func (h APIRestDashboardHandler) CommandsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Commands(w, r)
	}
}
