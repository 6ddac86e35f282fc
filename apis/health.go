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
	"context"
	"net/http"

	"github.com/apex/log"
	"github.com/hiddeout/website/common"
)

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctxt context.Context) error

// APIRestHealthHandler REST handler for liveness and readiness probes
type APIRestHealthHandler struct {
	APIRestHandler
	checks map[string]ReadinessCheck
}

// GetAPIRestHealthHandler define APIRestHealthHandler
func GetAPIRestHealthHandler(
	httpConfig *common.HTTPConfig, checks map[string]ReadinessCheck,
) (APIRestHealthHandler, error) {
	if checks == nil {
		checks = map[string]ReadinessCheck{}
	}
	return APIRestHealthHandler{
		APIRestHandler: NewAPIRestHandler("health", httpConfig), checks: checks,
	}, nil
}

// Alive is for responding to liveness probes
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready is for responding to readiness probes
func (h APIRestHealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			log.WithError(err).WithFields(h.logTagsFor(r)).Errorf("Readiness check %s failed", name)
			h.replyError(w, r, http.StatusInternalServerError, "not ready", name)
			return
		}
	}
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestHealthHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
