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

// Package apis implements the REST and event stream handlers of the dashboard service.
package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/session"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// NewAPIRestHandler define the base REST handler of one component
func NewAPIRestHandler(component string, httpConfig *common.HTTPConfig) APIRestHandler {
	logTags := log.Fields{"module": "apis", "component": component}
	requestIDHeader := httpConfig.Logging.RequestIDHeader
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		requestIDHeader: requestIDHeader,
	}
}

// logTagsFor log tags of a request
func (h APIRestHandler) logTagsFor(r *http.Request) log.Fields {
	logTags := h.GetLogTagsForContext(r.Context())
	if v, ok := r.Context().Value(common.RequestParam{}).(common.RequestParam); ok {
		v.UpdateLogTags(logTags)
	}
	return logTags
}

// reply write a JSON response, logging failures
func (h APIRestHandler) reply(w http.ResponseWriter, r *http.Request, respCode int, respBody interface{}) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.logTagsFor(r)).Error("Failed to form response")
	}
}

// replyError write the standard error response
func (h APIRestHandler) replyError(
	w http.ResponseWriter, r *http.Request, respCode int, msg string, detail string,
) {
	h.reply(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail))
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// AttachRequestID middleware attaching a request ID to every API request
func (h APIRestHandler) AttachRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		rw.Header().Set(h.requestIDHeader, reqID)
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// ========================================================================================

// SessionGuard rejects requests without a valid session
type SessionGuard struct {
	APIRestHandler
	sessions session.Provider
}

// NewSessionGuard define a SessionGuard
func NewSessionGuard(sessions session.Provider, httpConfig *common.HTTPConfig) SessionGuard {
	return SessionGuard{
		APIRestHandler: NewAPIRestHandler("session-guard", httpConfig),
		sessions:       sessions,
	}
}

// RequireSession middleware. The session is attached to the request context.
func (g SessionGuard) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := g.sessions.Load(r)
		if err != nil {
			log.WithError(err).WithFields(g.logTagsFor(r)).Debug("Request without valid session")
			g.replyError(w, r, http.StatusUnauthorized, "Unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), s)))
	})
}

// bearerFor the backend token of an authenticated request
func bearerFor(r *http.Request, sessions session.Provider) string {
	if s, ok := session.FromContext(r.Context()); ok && s.BackendToken != "" {
		return s.BackendToken
	}
	return sessions.BearerToken(r)
}
