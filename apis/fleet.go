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
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/fleetcast/auth"
	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/fleet"
	"github.com/alwitt/fleetcast/hub"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// APIRestFleetHandler REST handler for the live fleet view
type APIRestFleetHandler struct {
	goutils.RestAPIHandler
	hub          hub.StreamHub
	store        fleet.EntityStore
	authn        auth.Authenticator
	queryTimeout time.Duration
	baseContext  context.Context
}

// GetAPIRestFleetHandler define APIRestFleetHandler. A nil authn serves every caller.
func GetAPIRestFleetHandler(
	baseContext context.Context,
	streamHub hub.StreamHub,
	store fleet.EntityStore,
	authn auth.Authenticator,
	queryTimeout time.Duration,
	httpConfig *common.HTTPConfig,
) (APIRestFleetHandler, error) {
	if streamHub == nil || store == nil {
		return APIRestFleetHandler{}, fmt.Errorf("fleet handler requires a stream hub and an entity store")
	}
	if queryTimeout <= 0 {
		queryTimeout = time.Second * 10
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "fleet",
	}
	return APIRestFleetHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		hub:            streamHub,
		store:          store,
		authn:          authn,
		queryTimeout:   queryTimeout,
		baseContext:    baseContext,
	}, nil
}

// =======================================================================
// Live stream

// Stream godoc
// @Summary Live driver status stream
// @Description Server-sent event stream of drivers grouped by duty status. An
// initial snapshot is followed by a fresh snapshot on every change, with
// heartbeat comments in between.
// @tags Fleet
// @Produce text/event-stream
// @Param search query string false "Case-insensitive name search"
// @Param token query string false "Bearer token. Also read from access_token or auth."
// @Success 200 {string} string "event stream"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /stream [get]
func (h APIRestFleetHandler) Stream(w http.ResponseWriter, r *http.Request) {
	auth.NormalizeQueryToken(r)
	r, ok := authenticate(h.RestAPIHandler, h.authn, w, r)
	if !ok {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		localLogTags["caller"] = claims.Subject
	}

	filter := fleet.Filter{Search: r.URL.Query().Get("search")}
	conn, err := h.hub.Connect(r.Context(), filter)
	if err != nil {
		msg := "Unable to open stream"
		respCode := http.StatusInternalServerError
		if errors.Is(err, hub.ErrHubStopped) {
			respCode = http.StatusServiceUnavailable
		}
		log.WithError(err).WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	defer conn.Close()
	localLogTags["connection"] = conn.ID()

	controller := http.NewResponseController(w)
	// The stream outlives the server write timeout
	if err := controller.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.WithError(err).WithFields(localLogTags).Warn("Unable to clear write deadline")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := controller.Flush(); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Streaming not supported")
		conn.Fail(err)
		return
	}
	log.WithFields(localLogTags).Infof("Stream opened for '%s'", filter.Search)

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(localLogTags).Info("Terminating stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(localLogTags).Info("Terminating stream on request end")
			return
		case frame, ok := <-conn.Frames():
			if !ok {
				log.WithFields(localLogTags).Info("Stream closed by hub")
				return
			}
			if _, err := w.Write(frame.Data); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to transmit frame")
				conn.Fail(err)
				return
			}
			if err := controller.Flush(); err != nil {
				log.WithError(err).WithFields(localLogTags).Error("Failed to flush frame")
				conn.Fail(err)
				return
			}
		}
	}
}

// StreamHandler Wrapper around Stream
func (h APIRestFleetHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// =======================================================================
// Map data

// APIRestRespMapData response for the one-shot driver list
type APIRestRespMapData struct {
	goutils.RestAPIBaseResponse
	// Drivers matching drivers in store order
	Drivers []fleet.EntityView `json:"drivers"`
}

// MapData godoc
// @Summary Query matching drivers
// @Description List the active drivers matching a name or phone search and duty status
// @tags Fleet
// @Produce json
// @Param search query string false "Case-insensitive name or phone search"
// @Param duty_status query string false "OFFLINE, TRACKING or ONLINE"
// @Success 200 {object} APIRestRespMapData "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /data [get]
func (h APIRestFleetHandler) MapData(w http.ResponseWriter, r *http.Request) {
	r, ok := authenticate(h.RestAPIHandler, h.authn, w, r)
	if !ok {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	query := r.URL.Query()
	filter := fleet.Filter{
		Search:      query.Get("search"),
		DutyStatus:  fleet.DutyStatus(query.Get("duty_status")),
		SearchPhone: true,
	}
	if filter.DutyStatus != "" {
		known := false
		for _, status := range fleet.KnownDutyStatuses {
			if status == filter.DutyStatus {
				known = true
				break
			}
		}
		if !known {
			msg := "Unknown duty status"
			log.WithFields(localLogTags).Errorf("%s %s", msg, filter.DutyStatus)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusBadRequest, msg, string(filter.DutyStatus),
			)
			return
		}
	}

	ctxt, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()
	entities, err := h.store.ListTracked(ctxt, filter)
	if err != nil {
		msg := "Failed to query drivers"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	views := make([]fleet.EntityView, 0, len(entities))
	for _, entity := range entities {
		views = append(views, entity.View())
	}
	respCode = http.StatusOK
	respBody = APIRestRespMapData{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Drivers: views,
	}
}

// MapDataHandler Wrapper around MapData
func (h APIRestFleetHandler) MapDataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.MapData(w, r)
	}
}
