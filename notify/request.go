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

// Package notify performs the delivery side effects of dispatched notification jobs.
package notify

import (
	"fmt"
	"strings"
)

// JobSendSMS name of the dispatch job delivering one SMS
const JobSendSMS = "send-sms"

// EventType business event which triggered a notification
type EventType string

// Known event types
const (
	EventBookingConfirmation EventType = "booking_confirmation"
	EventBookingCancellation EventType = "booking_cancellation"
	EventBookingReminder     EventType = "booking_reminder"
	EventPaymentSuccess      EventType = "payment_success"
	EventPaymentFailed       EventType = "payment_failed"
	EventRefundProcessed     EventType = "refund_processed"
	EventOTPVerification     EventType = "otp_verification"
	EventDriverAssigned      EventType = "driver_assigned"
	EventTripStarted         EventType = "trip_started"
	EventTripCompleted       EventType = "trip_completed"
	EventCustom              EventType = "custom"
)

// SMSRequest payload of a send-sms job
type SMSRequest struct {
	// UserID recipient user, also the dedup subject of the job
	UserID    string `json:"userId,omitempty"`
	DriverID  string `json:"driverId,omitempty"`
	BookingID string `json:"bookingId,omitempty"`
	// Phone national number without country code
	Phone       string `json:"phone" validate:"required,numeric"`
	CountryCode string `json:"country_code,omitempty" validate:"omitempty,numeric"`
	// Message text body. Required unless a TemplateID is given.
	Message    string            `json:"message,omitempty" validate:"required_without=TemplateID"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	EventType  EventType         `json:"event_type,omitempty"`
	// Metadata free-form context kept with the delivery log entry
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Subject the dedup subject of the request
func (r SMSRequest) Subject() string {
	switch {
	case r.UserID != "":
		return r.UserID
	case r.DriverID != "":
		return r.DriverID
	default:
		return r.Phone
	}
}

// Recipient full phone number with country code
func (r SMSRequest) Recipient() string {
	return r.CountryCode + r.Phone
}

// Templated whether the message is rendered by the gateway from a template
func (r SMSRequest) Templated() bool {
	return r.TemplateID != ""
}

// normalize fill in defaults
func (r *SMSRequest) normalize(defaultCountryCode string) {
	r.Phone = strings.TrimSpace(r.Phone)
	r.CountryCode = strings.TrimPrefix(strings.TrimSpace(r.CountryCode), "+")
	if r.CountryCode == "" {
		r.CountryCode = defaultCountryCode
	}
	if r.EventType == "" {
		r.EventType = EventCustom
	}
	if r.Templated() && r.Message == "" {
		r.Message = fmt.Sprintf("Template: %s", r.TemplateID)
	}
}
