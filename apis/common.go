// Copyright 2022-2023 The fleetcast Authors
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

// Package apis holds the REST and event stream handlers.
package apis

import (
	"net/http"

	"github.com/alwitt/fleetcast/auth"
	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
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

// defineRestAPIHandler define the shared REST handler base
func defineRestAPIHandler(logTags log.Fields, httpConfig *common.HTTPConfig) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// authenticate verify the caller when an authenticator is set. Returns the request
// to continue with, or false after writing the rejection.
func authenticate(
	h goutils.RestAPIHandler, authn auth.Authenticator, w http.ResponseWriter, r *http.Request,
) (*http.Request, bool) {
	if authn == nil {
		return r, true
	}
	claims, err := authn.Authenticate(r)
	if err != nil {
		localLogTags := h.GetLogTagsForContext(r.Context())
		msg := "Unauthorized"
		log.WithError(err).WithFields(localLogTags).Warn(msg)
		resp := h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		if err := h.WriteRESTResponse(w, http.StatusUnauthorized, resp, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return r, false
	}
	return r.WithContext(auth.WithClaims(r.Context(), claims)), true
}
