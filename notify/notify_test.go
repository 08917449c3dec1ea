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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/fleetcast/dispatch"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestMSG91Sender(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var lastBody map[string]interface{}
	var lastAuthKey string
	reply := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"success","message":"queued","request_id":"req-1"}`))
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastAuthKey = r.Header.Get("authkey")
		lastBody = map[string]interface{}{}
		_ = json.NewDecoder(r.Body).Decode(&lastBody)
		if lastAuthKey != "good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"error","message":"Invalid authkey"}`))
			return
		}
		reply(w)
	}))
	defer server.Close()

	// Case 0: missing auth key
	{
		_, err := GetMSG91Sender(MSG91Params{URL: server.URL, SenderID: "TXTIND", Route: "4"}, nil)
		assert.NotNil(err)
	}

	uut, err := GetMSG91Sender(MSG91Params{
		URL: server.URL, AuthKey: "good-key", SenderID: "TXTIND", Route: "4", RateLimit: 100, RateBurst: 1,
	}, server.Client())
	assert.Nil(err)
	assert.Equal("msg91", uut.Provider())

	// Case 1: plain text
	{
		msg := SMSRequest{Phone: "9876543210", CountryCode: "91", Message: "Your bus leaves at 9"}
		resp, err := uut.Send(context.Background(), msg)
		assert.Nil(err)
		assert.Equal("req-1", resp.MessageID)
		assert.Equal("req-1", resp.RequestID)
		assert.Equal("success", resp.ResponseCode)
		assert.Equal("good-key", lastAuthKey)
		assert.Equal("TXTIND", lastBody["sender"])
		assert.Equal("4", lastBody["route"])
		assert.Equal("91", lastBody["country"])
		sms, ok := lastBody["sms"].([]interface{})
		assert.True(ok)
		assert.Len(sms, 1)
		entry := sms[0].(map[string]interface{})
		assert.Equal("Your bus leaves at 9", entry["message"])
		assert.Equal([]interface{}{"919876543210"}, entry["to"])
	}

	// Case 2: template
	{
		msg := SMSRequest{
			Phone: "9876543210", CountryCode: "91", TemplateID: "tmpl-1",
			Variables: map[string]string{"pnr": "PNR42"},
		}
		_, err := uut.Send(context.Background(), msg)
		assert.Nil(err)
		assert.Equal("tmpl-1", lastBody["template_id"])
		assert.Equal("0", lastBody["short_url"])
		recipients := lastBody["recipients"].([]interface{})
		assert.Len(recipients, 1)
		recipient := recipients[0].(map[string]interface{})
		assert.Equal("919876543210", recipient["mobiles"])
		assert.Equal(map[string]interface{}{"pnr": "PNR42"}, recipient["var"])
	}

	// Case 3: rejected
	{
		rejecting, err := GetMSG91Sender(MSG91Params{
			URL: server.URL, AuthKey: "bad-key", SenderID: "TXTIND", Route: "4",
		}, server.Client())
		assert.Nil(err)
		_, err = rejecting.Send(context.Background(), SMSRequest{Phone: "1", CountryCode: "91", Message: "x"})
		assert.NotNil(err)
		var gatewayErr *GatewayError
		assert.True(errors.As(err, &gatewayErr))
		assert.Equal(http.StatusUnauthorized, gatewayErr.StatusCode)
		assert.Equal("HTTP_401", gatewayErr.Code)
		assert.Equal("Invalid authkey", gatewayErr.Message)
	}
}

// fakeSender Sender recording the messages handed to it
type fakeSender struct {
	sent []SMSRequest
	err  error
}

func (s *fakeSender) Provider() string {
	return "fake"
}

func (s *fakeSender) Send(_ context.Context, msg SMSRequest) (ProviderResponse, error) {
	s.sent = append(s.sent, msg)
	if s.err != nil {
		return ProviderResponse{}, s.err
	}
	return ProviderResponse{MessageID: fmt.Sprintf("msg-%d", len(s.sent))}, nil
}

func smsJob(t *testing.T, id string, attempt int, req interface{}) dispatch.Job {
	payload, err := json.Marshal(req)
	assert.Nil(t, err)
	return dispatch.Job{ID: id, Name: JobSendSMS, Payload: payload, Attempts: attempt}
}

func TestSMSHandler(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := &fakeSender{}
	deliveryLog := NewMemoryDeliveryLog(nil)
	uut, err := GetSMSHandler(sender, deliveryLog, "91", "ut-sms")
	assert.Nil(err)

	// Case 0: successful send
	{
		job := smsJob(t, "notification:u1:1", 1, SMSRequest{
			UserID: "u1", Phone: "9876543210", Message: "Booking confirmed",
			EventType: EventBookingConfirmation,
		})
		assert.Nil(uut.Deliver(context.Background(), job))
		assert.Len(sender.sent, 1)
		assert.Equal("919876543210", sender.sent[0].Recipient())
		records := deliveryLog.Records()
		assert.Len(records, 1)
		assert.Equal(DeliverySent, records[0].Status)
		assert.Equal("notification:u1:1", records[0].JobID)
		assert.Equal("fake", records[0].Provider)
		assert.Equal(EventBookingConfirmation, records[0].EventType)
		assert.Equal("msg-1", records[0].Response.MessageID)
	}

	// Case 1: gateway failure
	{
		sender.err = &GatewayError{StatusCode: 500, Code: "HTTP_500", Message: "down"}
		job := smsJob(t, "notification:u1:2", 2, SMSRequest{Phone: "9876543210", Message: "hi"})
		err := uut.Deliver(context.Background(), job)
		assert.NotNil(err)
		records := deliveryLog.Records()
		assert.Len(records, 2)
		assert.Equal(DeliveryFailed, records[1].Status)
		assert.Equal(2, records[1].Attempt)
		assert.Equal("HTTP_500", records[1].Error.Code)
		assert.Equal(EventCustom, records[1].EventType)
		sender.err = nil
	}

	// Case 2: invalid requests do not reach the gateway
	{
		sent := len(sender.sent)
		for _, job := range []dispatch.Job{
			smsJob(t, "j3", 1, SMSRequest{Message: "hi"}),
			smsJob(t, "j4", 1, SMSRequest{Phone: "12"}),
			{ID: "j5", Name: JobSendSMS},
		} {
			err := uut.Deliver(context.Background(), job)
			assert.NotNil(err)
			// Never retried
			assert.True(dispatch.IsTerminal(err))
		}
		assert.Equal(sent, len(sender.sent))
	}

	// Case 3: template without message body
	{
		job := smsJob(t, "j6", 1, SMSRequest{Phone: "9876543210", CountryCode: "+44", TemplateID: "t-9"})
		assert.Nil(uut.Deliver(context.Background(), job))
		last := sender.sent[len(sender.sent)-1]
		assert.Equal("449876543210", last.Recipient())
		assert.Equal("Template: t-9", last.Message)
	}
}

func TestRouter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter("ut-router")
	called := 0
	uut.Register(JobSendSMS, dispatch.HandlerFunc(func(ctxt context.Context, job dispatch.Job) error {
		called++
		return nil
	}))

	assert.Nil(uut.Deliver(context.Background(), dispatch.Job{ID: "a", Name: JobSendSMS}))
	assert.Equal(1, called)
	err := uut.Deliver(context.Background(), dispatch.Job{ID: "b", Name: "send-email"})
	assert.NotNil(err)
	assert.True(dispatch.IsTerminal(err))
	assert.Equal(1, called)
}

func TestLogSender(t *testing.T) {
	assert := assert.New(t)
	uut := NewLogSender("ut")
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := uut.Send(ctxt, SMSRequest{Phone: "1", CountryCode: "91", Message: "x"})
	assert.Nil(err)
	assert.NotEmpty(resp.MessageID)
}
