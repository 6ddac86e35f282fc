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
	"strconv"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/status"
)

// APIRestStatusHandler REST handler for the bot status page
type APIRestStatusHandler struct {
	APIRestHandler
	poller status.Poller
}

// GetAPIRestStatusHandler define APIRestStatusHandler
func GetAPIRestStatusHandler(
	poller status.Poller, httpConfig *common.HTTPConfig,
) (APIRestStatusHandler, error) {
	return APIRestStatusHandler{
		APIRestHandler: NewAPIRestHandler("status", httpConfig),
		poller:         poller,
	}, nil
}

// APIRestRespShards response carrying the latest shard report
type APIRestRespShards struct {
	goutils.RestAPIBaseResponse
	Overall   status.Status        `json:"overall"`
	Shards    []status.ShardStatus `json:"shards"`
	FetchedAt time.Time            `json:"fetched_at"`
}

// latest the latest snapshot, answering 503 when none is available
func (h APIRestStatusHandler) latest(w http.ResponseWriter, r *http.Request) (status.Snapshot, bool) {
	snapshot, ok, err := h.poller.Latest(r.Context())
	if err != nil {
		msg := "Failed to read shard report"
		log.WithError(err).WithFields(h.logTagsFor(r)).Error(msg)
		h.replyError(w, r, http.StatusInternalServerError, msg, err.Error())
		return status.Snapshot{}, false
	}
	if !ok {
		h.replyError(w, r, http.StatusServiceUnavailable, "Shard report not yet available", "")
		return status.Snapshot{}, false
	}
	return snapshot, true
}

// Shards report the latest shard status
func (h APIRestStatusHandler) Shards(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.latest(w, r)
	if !ok {
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespShards{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Overall:   snapshot.Overall(),
		Shards:    snapshot.Shards,
		FetchedAt: snapshot.FetchedAt,
	})
}

// ShardsHandler Wrapper around Shards
func (h APIRestStatusHandler) ShardsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Shards(w, r)
	}
}

// APIRestRespGuildShard response naming the shard of a guild
type APIRestRespGuildShard struct {
	goutils.RestAPIBaseResponse
	GuildID string             `json:"guild_id"`
	Shard   status.ShardStatus `json:"shard"`
}

// ShardForGuild report the shard serving a guild
func (h APIRestStatusHandler) ShardForGuild(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildId"]
	if _, err := strconv.ParseUint(guildID, 10, 64); err != nil {
		h.replyError(w, r, http.StatusBadRequest, "Invalid guild ID", err.Error())
		return
	}
	snapshot, ok := h.latest(w, r)
	if !ok {
		return
	}
	shard, err := snapshot.ShardForGuild(guildID)
	if err != nil {
		h.replyError(w, r, http.StatusServiceUnavailable, "No shard available", err.Error())
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespGuildShard{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		GuildID: guildID,
		Shard:   shard,
	})
}

// ShardForGuildHandler Wrapper around ShardForGuild
func (h APIRestStatusHandler) ShardForGuildHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ShardForGuild(w, r)
	}
}
