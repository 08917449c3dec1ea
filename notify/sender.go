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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Sender an SMS gateway
type Sender interface {
	// Provider name of the gateway, recorded in the delivery log
	Provider() string
	// Send hand one message to the gateway
	Send(ctxt context.Context, msg SMSRequest) (ProviderResponse, error)
}

// GatewayError the gateway rejected a message or could not be reached
type GatewayError struct {
	// StatusCode HTTP status. 0 when no response arrived.
	StatusCode int
	Code       string
	Message    string
	Raw        map[string]interface{}
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway error %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// ========================================================================================

// LogSender Sender which only logs the message. Used when no gateway is configured.
type LogSender struct {
	common.Component
}

// NewLogSender define a new LogSender
func NewLogSender(instance string) *LogSender {
	return &LogSender{Component: common.Component{LogTags: log.Fields{
		"module": "notify", "component": "log-sender", "instance": instance,
	}}}
}

// Provider "log"
func (s *LogSender) Provider() string {
	return "log"
}

// Send log the message
func (s *LogSender) Send(_ context.Context, msg SMSRequest) (ProviderResponse, error) {
	id := uuid.NewString()
	if msg.Templated() {
		log.WithFields(s.LogTags).Infof(
			"SMS %s to %s with template %s %v", id, msg.Recipient(), msg.TemplateID, msg.Variables,
		)
	} else {
		log.WithFields(s.LogTags).Infof("SMS %s to %s: %s", id, msg.Recipient(), msg.Message)
	}
	return ProviderResponse{MessageID: id, RequestID: id, ResponseCode: "success"}, nil
}

// ========================================================================================

// MSG91Params MSG91 gateway parameters
type MSG91Params struct {
	// URL flow API endpoint
	URL      string `validate:"required,url"`
	AuthKey  string `validate:"required"`
	SenderID string `validate:"required"`
	Route    string `validate:"required"`
	// RequestTimeout max duration of one call
	RequestTimeout time.Duration
	// RateLimit max calls per second. 0 disables the limit.
	RateLimit float64 `validate:"gte=0"`
	RateBurst int
}

// MSG91Sender Sender for the MSG91 flow API
type MSG91Sender struct {
	common.Component
	params  MSG91Params
	client  *http.Client
	limiter *rate.Limiter
}

// msg91TextSMS one text message of a plain payload
type msg91TextSMS struct {
	Message string   `json:"message"`
	To      []string `json:"to"`
}

// msg91TextPayload plain text request body
type msg91TextPayload struct {
	Sender  string         `json:"sender"`
	Route   string         `json:"route"`
	Country string         `json:"country"`
	SMS     []msg91TextSMS `json:"sms"`
}

// msg91Recipient one recipient of a template payload
type msg91Recipient struct {
	Mobiles string            `json:"mobiles"`
	Var     map[string]string `json:"var"`
}

// msg91TemplatePayload template request body
type msg91TemplatePayload struct {
	TemplateID string           `json:"template_id"`
	ShortURL   string           `json:"short_url"`
	Recipients []msg91Recipient `json:"recipients"`
}

// GetMSG91Sender define a new MSG91Sender. A nil client uses a default client
// bounded by RequestTimeout.
func GetMSG91Sender(params MSG91Params, client *http.Client) (*MSG91Sender, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	if params.RequestTimeout <= 0 {
		params.RequestTimeout = time.Second * 15
	}
	if client == nil {
		client = &http.Client{Timeout: params.RequestTimeout}
	}
	var limiter *rate.Limiter
	if params.RateLimit > 0 {
		burst := params.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(params.RateLimit), burst)
	}
	return &MSG91Sender{
		Component: common.Component{LogTags: log.Fields{
			"module": "notify", "component": "msg91-sender", "instance": params.SenderID,
		}},
		params:  params,
		client:  client,
		limiter: limiter,
	}, nil
}

// Provider "msg91"
func (s *MSG91Sender) Provider() string {
	return "msg91"
}

// buildPayload build the request body for msg
func (s *MSG91Sender) buildPayload(msg SMSRequest) interface{} {
	if msg.Templated() {
		vars := msg.Variables
		if vars == nil {
			vars = map[string]string{}
		}
		return msg91TemplatePayload{
			TemplateID: msg.TemplateID,
			ShortURL:   "0",
			Recipients: []msg91Recipient{{Mobiles: msg.Recipient(), Var: vars}},
		}
	}
	return msg91TextPayload{
		Sender:  s.params.SenderID,
		Route:   s.params.Route,
		Country: msg.CountryCode,
		SMS:     []msg91TextSMS{{Message: msg.Message, To: []string{msg.Recipient()}}},
	}
}

func stringField(raw map[string]interface{}, key string) string {
	if value, ok := raw[key]; ok && value != nil {
		if str, ok := value.(string); ok {
			return str
		}
		return fmt.Sprint(value)
	}
	return ""
}

// Send hand one message to MSG91
func (s *MSG91Sender) Send(ctxt context.Context, msg SMSRequest) (ProviderResponse, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctxt); err != nil {
			return ProviderResponse{}, err
		}
	}
	body, err := json.Marshal(s.buildPayload(msg))
	if err != nil {
		return ProviderResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodPost, s.params.URL, bytes.NewReader(body))
	if err != nil {
		return ProviderResponse{}, err
	}
	req.Header.Set("authkey", s.params.AuthKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("MSG91 call for %s failed", msg.Recipient())
		return ProviderResponse{}, &GatewayError{Code: "UNKNOWN_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProviderResponse{}, &GatewayError{
			StatusCode: resp.StatusCode, Code: "UNKNOWN_ERROR", Message: err.Error(),
		}
	}
	raw := map[string]interface{}{}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		raw = map[string]interface{}{"body": string(respBody)}
	}

	responseType := stringField(raw, "type")
	if resp.StatusCode >= http.StatusMultipleChoices || responseType == "error" {
		code := responseType
		if code == "" || code == "error" {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		message := stringField(raw, "message")
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		gatewayErr := &GatewayError{
			StatusCode: resp.StatusCode, Code: code, Message: message, Raw: raw,
		}
		log.WithError(gatewayErr).WithFields(s.LogTags).Errorf("MSG91 rejected SMS to %s", msg.Recipient())
		return ProviderResponse{}, gatewayErr
	}

	result := ProviderResponse{
		MessageID:       stringField(raw, "message_id"),
		RequestID:       stringField(raw, "request_id"),
		ResponseCode:    responseType,
		ResponseMessage: stringField(raw, "message"),
		Raw:             raw,
	}
	if result.MessageID == "" {
		result.MessageID = result.RequestID
	}
	log.WithFields(s.LogTags).Debugf("MSG91 accepted SMS to %s (%s)", msg.Recipient(), result.MessageID)
	return result, nil
}
