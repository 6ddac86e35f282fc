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
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/apex/log"
	"github.com/hiddeout/website/common"
	"github.com/hiddeout/website/session"
)

// APIRestProxyHandler same origin proxy to the backend REST API
type APIRestProxyHandler struct {
	APIRestHandler
	sessions   session.Provider
	target     *url.URL
	pathPrefix string
	proxy      *httputil.ReverseProxy
}

// GetAPIRestProxyHandler define APIRestProxyHandler. Requests under pathPrefix are forwarded
// to the backend with the caller's bearer token.
func GetAPIRestProxyHandler(
	backendURL string,
	pathPrefix string,
	sessions session.Provider,
	httpConfig *common.HTTPConfig,
) (APIRestProxyHandler, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return APIRestProxyHandler{}, fmt.Errorf("invalid backend URL %q: %w", backendURL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return APIRestProxyHandler{}, fmt.Errorf("backend URL %q must be absolute", backendURL)
	}
	h := APIRestProxyHandler{
		APIRestHandler: NewAPIRestHandler("proxy", httpConfig),
		sessions:       sessions,
		target:         target,
		pathPrefix:     strings.TrimRight(pathPrefix, "/"),
	}
	h.proxy = &httputil.ReverseProxy{
		Director:     h.direct,
		ErrorHandler: h.proxyFailed,
	}
	return h, nil
}

// JoinBackendPath append a proxied path to the backend base path without doubling slashes
func JoinBackendPath(basePath, rest string) string {
	return strings.TrimRight(basePath, "/") + "/" + strings.TrimLeft(rest, "/")
}

func (h APIRestProxyHandler) direct(req *http.Request) {
	token := h.sessions.BearerToken(req)
	rest := strings.TrimPrefix(req.URL.Path, h.pathPrefix)

	req.URL.Scheme = h.target.Scheme
	req.URL.Host = h.target.Host
	req.URL.Path = JoinBackendPath(h.target.Path, rest)
	req.URL.RawPath = ""
	req.Host = h.target.Host

	// Site cookies are not for the backend
	req.Header.Del("Cookie")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	log.WithFields(h.logTagsFor(req)).Debugf("Proxying to %s", req.URL.String())
}

// proxyFallbackBody sent when the failure detail can not be encoded
const proxyFallbackBody = `{"error":"Failed to proxy request"}`

// proxyErrorBody body of a failed proxy call
type proxyErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func (h APIRestProxyHandler) proxyFailed(w http.ResponseWriter, r *http.Request, err error) {
	logTags := h.logTagsFor(r)
	log.WithError(err).WithFields(logTags).Error("Proxy request failed")
	body, encodeErr := json.Marshal(proxyErrorBody{Error: "Failed to proxy request", Details: err.Error()})
	if encodeErr != nil {
		log.WithError(encodeErr).WithFields(logTags).Error("Failed to encode proxy error")
		body = []byte(proxyFallbackBody)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to write proxy error")
	}
}

// Proxy forwards one request to the backend
func (h APIRestProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.proxy.ServeHTTP(w, r)
}

// ProxyHandler Wrapper around Proxy
func (h APIRestProxyHandler) ProxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Proxy(w, r)
	}
}
