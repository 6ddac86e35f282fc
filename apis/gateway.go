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
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/gateway"
	"github.com/hiddeout/website/session"
)

// DefaultStreamKeepAlive interval between SSE keep-alive comments
const DefaultStreamKeepAlive = 15 * time.Second

// APIRestGatewayHandler REST and SSE handler exposing the per-session gateway clients
type APIRestGatewayHandler struct {
	APIRestHandler
	sessions  session.Provider
	hub       gateway.Hub
	keepAlive time.Duration
	validate  *validator.Validate
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	sessions session.Provider,
	hub gateway.Hub,
	keepAlive time.Duration,
	httpConfig *common.HTTPConfig,
) (APIRestGatewayHandler, error) {
	if keepAlive <= 0 {
		keepAlive = DefaultStreamKeepAlive
	}
	return APIRestGatewayHandler{
		APIRestHandler: NewAPIRestHandler("gateway", httpConfig),
		sessions:       sessions,
		hub:            hub,
		keepAlive:      keepAlive,
		validate:       validator.New(),
	}, nil
}

// sessionKey gateway hub key of a request
func (h APIRestGatewayHandler) sessionKey(r *http.Request) gateway.SessionKey {
	key := gateway.SessionKey{GuildID: mux.Vars(r)["guildId"]}
	if s, ok := session.FromContext(r.Context()); ok {
		key.Session = s.ID
	}
	return key
}

// GatewayStateView JSON rendering of a gateway client state
type GatewayStateView struct {
	Connected bool            `json:"connected"`
	Phase     string          `json:"phase"`
	GuildID   string          `json:"guild_id,omitempty"`
	Guild     json.RawMessage `json:"guild,omitempty"`
	Member    json.RawMessage `json:"member,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewGatewayStateView render a gateway client state
func NewGatewayStateView(state gateway.State) GatewayStateView {
	view := GatewayStateView{
		Connected: state.Connected,
		Phase:     state.Phase.String(),
		GuildID:   state.GuildID,
		Guild:     state.Guild,
		Member:    state.Member,
	}
	if state.LastError != nil {
		view.Error = state.LastError.Error()
	}
	return view
}

// -----------------------------------------------------------------------

// APIRestRespGatewayState response carrying a gateway client state
type APIRestRespGatewayState struct {
	goutils.RestAPIBaseResponse
	State GatewayStateView `json:"state"`
}

// State report the state of the gateway client of this session and guild
func (h APIRestGatewayHandler) State(w http.ResponseWriter, r *http.Request) {
	state, ok := h.hub.State(h.sessionKey(r))
	if !ok {
		state = gateway.State{Phase: gateway.PhaseIdle}
	}
	h.reply(w, r, http.StatusOK, APIRestRespGatewayState{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		State: NewGatewayStateView(state),
	})
}

// StateHandler Wrapper around State
func (h APIRestGatewayHandler) StateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.State(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqGatewaySend request to write one event through the gateway
type APIRestReqGatewaySend struct {
	Event string          `json:"event" validate:"required"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Send write an application event through the gateway client of this session and guild
func (h APIRestGatewayHandler) Send(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsFor(r)

	var req APIRestReqGatewaySend
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.replyError(w, r, http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		msg := "Invalid send request"
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		h.replyError(w, r, http.StatusBadRequest, msg, err.Error())
		return
	}
	var payload interface{}
	if len(req.Data) > 0 {
		payload = req.Data
	}

	sent, err := h.hub.Send(r.Context(), h.sessionKey(r), req.Event, payload)
	if err != nil {
		msg := "Gateway send failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.replyError(w, r, http.StatusInternalServerError, msg, err.Error())
		return
	}
	if !sent {
		h.replyError(w, r, http.StatusConflict, "Gateway not connected", "")
		return
	}
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// SendHandler Wrapper around Send
func (h APIRestGatewayHandler) SendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Send(w, r)
	}
}

// -----------------------------------------------------------------------

// writeFrame write one SSE frame
func writeFrame(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// Events stream gateway state changes and application events of this session and guild
func (h APIRestGatewayHandler) Events(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsFor(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.replyError(w, r, http.StatusInternalServerError, "Streaming unsupported", "")
		return
	}

	key := h.sessionKey(r)
	sub, err := h.hub.Subscribe(r.Context(), key, bearerFor(r, h.sessions))
	if err != nil {
		msg := "Unable to attach to gateway"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.replyError(w, r, http.StatusServiceUnavailable, msg, err.Error())
		return
	}
	defer func() {
		if err := h.hub.Unsubscribe(sub); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to detach from gateway")
		}
	}()
	localLogTags["subscription"] = sub.ID
	log.WithFields(localLogTags).Infof("Streaming gateway of guild %s", key.GuildID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.WithFields(localLogTags).Debug("Stream client left")
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case n, ok := <-sub.Updates:
			if !ok {
				log.WithFields(localLogTags).Debug("Gateway subscription ended")
				return
			}
			var err error
			if n.State != nil {
				err = writeFrame(w, "state", NewGatewayStateView(*n.State))
			} else {
				err = writeFrame(w, "event", map[string]interface{}{
					"event": n.Event, "data": n.Data,
				})
			}
			if err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to write stream frame")
				return
			}
		}
		flusher.Flush()
	}
}

// EventsHandler Wrapper around Events
func (h APIRestGatewayHandler) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Events(w, r)
	}
}
