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

package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// logUpdateTimeout bounds delivery log writes made after the attempt context ended
const logUpdateTimeout = time.Second * 5

// SMSHandler dispatch.Handler delivering send-sms jobs
type SMSHandler struct {
	common.Component
	sender             Sender
	deliveryLog        DeliveryLog
	defaultCountryCode string
	validate           *validator.Validate
}

// GetSMSHandler define a new SMSHandler
func GetSMSHandler(
	sender Sender, deliveryLog DeliveryLog, defaultCountryCode string, instance string,
) (*SMSHandler, error) {
	if sender == nil || deliveryLog == nil {
		return nil, fmt.Errorf("SMS handler requires a sender and a delivery log")
	}
	logTags := log.Fields{
		"module": "notify", "component": "sms-handler", "instance": instance,
	}
	return &SMSHandler{
		Component:          common.Component{LogTags: logTags},
		sender:             sender,
		deliveryLog:        deliveryLog,
		defaultCountryCode: defaultCountryCode,
		validate:           validator.New(),
	}, nil
}

// toDeliveryError describe a send failure for the delivery log
func toDeliveryError(err error) DeliveryError {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return DeliveryError{Code: gatewayErr.Code, Message: gatewayErr.Message, Details: gatewayErr.Raw}
	}
	return DeliveryError{Code: "UNKNOWN_ERROR", Message: err.Error()}
}

// Deliver send the SMS described by the job payload. A payload which does not parse
// or validate fails the job without retry.
//
// Every attempt gets its own delivery log entry. A failure to mark a sent message
// is only logged, since retrying would send the SMS again.
func (h *SMSHandler) Deliver(ctxt context.Context, job dispatch.Job) error {
	logTags := h.Clone()
	logTags["job_id"] = job.ID

	var req SMSRequest
	if err := job.DecodePayload(&req); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse SMS request")
		return dispatch.Terminal(err)
	}
	req.normalize(h.defaultCountryCode)
	if err := h.validate.Struct(&req); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid SMS request")
		return dispatch.Terminal(err)
	}

	entryID, err := h.deliveryLog.Record(ctxt, DeliveryRecord{
		JobID:       job.ID,
		Attempt:     job.Attempts,
		UserID:      req.UserID,
		DriverID:    req.DriverID,
		BookingID:   req.BookingID,
		Phone:       req.Phone,
		CountryCode: req.CountryCode,
		Message:     req.Message,
		TemplateID:  req.TemplateID,
		EventType:   req.EventType,
		Provider:    h.sender.Provider(),
		Metadata:    req.Metadata,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to create delivery log entry")
		return err
	}
	logTags["delivery_id"] = entryID

	response, sendErr := h.sender.Send(ctxt, req)

	updateCtxt, cancel := context.WithTimeout(context.WithoutCancel(ctxt), logUpdateTimeout)
	defer cancel()
	if sendErr != nil {
		if err := h.deliveryLog.MarkFailed(updateCtxt, entryID, toDeliveryError(sendErr)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to record delivery failure")
		}
		return sendErr
	}
	if err := h.deliveryLog.MarkSent(updateCtxt, entryID, response); err != nil {
		log.WithError(err).WithFields(logTags).Warn("SMS sent but delivery log not updated")
	}
	log.WithFields(logTags).Infof("SMS %s sent to %s", response.MessageID, req.Recipient())
	return nil
}

// ========================================================================================

// Router dispatch.Handler selecting the handler by job name
type Router struct {
	common.Component
	lock     sync.RWMutex
	handlers map[string]dispatch.Handler
}

// NewRouter define a new Router
func NewRouter(instance string) *Router {
	return &Router{
		Component: common.Component{LogTags: log.Fields{
			"module": "notify", "component": "router", "instance": instance,
		}},
		handlers: map[string]dispatch.Handler{},
	}
}

// Register install the handler for a job name
func (r *Router) Register(jobName string, handler dispatch.Handler) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers[jobName] = handler
}

// Deliver run the handler registered for the job name
func (r *Router) Deliver(ctxt context.Context, job dispatch.Job) error {
	r.lock.RLock()
	handler, ok := r.handlers[job.Name]
	r.lock.RUnlock()
	if !ok {
		err := fmt.Errorf("no handler for job name '%s'", job.Name)
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to deliver job %s", job.ID)
		return dispatch.Terminal(err)
	}
	return handler.Deliver(ctxt, job)
}
