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

package apis

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// defaultFailedListLimit number of failed jobs listed when the caller sets no limit
const defaultFailedListLimit = 50

// APIRestDispatchHandler REST handler for inspecting the dispatch pipeline
type APIRestDispatchHandler struct {
	goutils.RestAPIHandler
	broker dispatch.Broker
}

// GetAPIRestDispatchHandler define APIRestDispatchHandler
func GetAPIRestDispatchHandler(
	broker dispatch.Broker, httpConfig *common.HTTPConfig,
) (APIRestDispatchHandler, error) {
	if broker == nil {
		return APIRestDispatchHandler{}, fmt.Errorf("dispatch handler requires a broker")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "dispatch",
	}
	return APIRestDispatchHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig), broker: broker,
	}, nil
}

// APIRestRespFailedJobs response listing terminally failed jobs
type APIRestRespFailedJobs struct {
	goutils.RestAPIBaseResponse
	// Jobs failed jobs, newest first
	Jobs []dispatch.Job `json:"jobs"`
}

// ListFailed godoc
// @Summary List failed dispatch jobs
// @Description List the retained jobs which used up all their attempts, newest first
// @tags Dispatch
// @Produce json
// @Param limit query integer false "Max number of jobs to list"
// @Success 200 {object} APIRestRespFailedJobs "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /dispatch/failed [get]
func (h APIRestDispatchHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	limit := defaultFailedListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			msg := "Invalid limit"
			log.WithFields(localLogTags).Errorf("%s '%s'", msg, raw)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, raw)
			return
		}
		limit = parsed
	}

	jobs, err := h.broker.Failed(r.Context(), limit)
	if err != nil {
		msg := "Failed to list failed jobs"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespFailedJobs{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Jobs: jobs,
	}
}

// ListFailedHandler Wrapper around ListFailed
func (h APIRestDispatchHandler) ListFailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListFailed(w, r)
	}
}
