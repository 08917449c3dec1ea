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

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/notify"
	"github.com/apex/log"
	"github.com/juju/clock"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// smsLogDocument sms_logs document layout
type smsLogDocument struct {
	ID               bson.ObjectId          `bson:"_id"`
	JobID            string                 `bson:"job_id"`
	Attempt          int                    `bson:"attempt"`
	UserID           interface{}            `bson:"userId"`
	DriverID         interface{}            `bson:"driverId"`
	BookingID        interface{}            `bson:"bookingId"`
	Phone            string                 `bson:"phone"`
	CountryCode      string                 `bson:"country_code"`
	Message          string                 `bson:"message"`
	TemplateID       string                 `bson:"template_id"`
	EventType        string                 `bson:"event_type"`
	Provider         string                 `bson:"provider"`
	Status           string                 `bson:"status"`
	ProviderResponse bson.M                 `bson:"provider_response"`
	Error            bson.M                 `bson:"error"`
	Metadata         map[string]interface{} `bson:"metadata"`
	RetryCount       int                    `bson:"retry_count"`
	CreatedAt        time.Time              `bson:"createdAt"`
	UpdatedAt        time.Time              `bson:"updatedAt"`
}

// referenceID store references to other documents as ObjectIds when they look like one
func referenceID(id string) interface{} {
	switch {
	case id == "":
		return nil
	case bson.IsObjectIdHex(id):
		return bson.ObjectIdHex(id)
	default:
		return id
	}
}

// newSMSLogDocument build the sms_logs document of a new pending record
func newSMSLogDocument(record notify.DeliveryRecord, now time.Time) smsLogDocument {
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	retries := record.Attempt - 1
	if retries < 0 {
		retries = 0
	}
	return smsLogDocument{
		ID:          bson.NewObjectId(),
		JobID:       record.JobID,
		Attempt:     record.Attempt,
		UserID:      referenceID(record.UserID),
		DriverID:    referenceID(record.DriverID),
		BookingID:   referenceID(record.BookingID),
		Phone:       record.Phone,
		CountryCode: record.CountryCode,
		Message:     record.Message,
		TemplateID:  record.TemplateID,
		EventType:   string(record.EventType),
		Provider:    record.Provider,
		Status:      string(notify.DeliveryPending),
		ProviderResponse: bson.M{
			"message_id":   "", "request_id": "", "response_code": "", "response_message": "",
			"raw_response": bson.M{},
		},
		Error:      bson.M{"code": "", "message": "", "details": bson.M{}},
		Metadata:   metadata,
		RetryCount: retries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// sentUpdate the update marking an entry as sent
func sentUpdate(response notify.ProviderResponse, now time.Time) bson.M {
	raw := response.Raw
	if raw == nil {
		raw = map[string]interface{}{}
	}
	return bson.M{"$set": bson.M{
		"status":                             string(notify.DeliverySent),
		"provider_response.message_id":       response.MessageID,
		"provider_response.request_id":       response.RequestID,
		"provider_response.response_code":    response.ResponseCode,
		"provider_response.response_message": response.ResponseMessage,
		"provider_response.raw_response":     raw,
		"updatedAt":                          now,
	}}
}

// failedUpdate the update marking an entry as failed
func failedUpdate(failure notify.DeliveryError, now time.Time) bson.M {
	details := failure.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	return bson.M{"$set": bson.M{
		"status":                            string(notify.DeliveryFailed),
		"error.code":                        failure.Code,
		"error.message":                     failure.Message,
		"error.details":                     details,
		"delivery_status.failed_at":         now,
		"delivery_status.status_updated_at": now,
		"updatedAt":                         now,
	}}
}

// MongoDeliveryLog notify.DeliveryLog writing to the sms_logs collection
type MongoDeliveryLog struct {
	common.Component
	client     *core.MongoClient
	collection string
	clk        clock.Clock
}

// GetMongoDeliveryLog define a new MongoDeliveryLog
func GetMongoDeliveryLog(client *core.MongoClient, collection string, clk clock.Clock) (*MongoDeliveryLog, error) {
	if client == nil {
		return nil, fmt.Errorf("delivery log requires a MongoDB client")
	}
	if collection == "" {
		return nil, fmt.Errorf("delivery log requires a collection name")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "storage", "component": "mongo-delivery-log", "instance": collection,
	}
	return &MongoDeliveryLog{
		Component: common.Component{LogTags: logTags}, client: client, collection: collection, clk: clk,
	}, nil
}

// session get a session bounded by the context deadline
func (l *MongoDeliveryLog) session(ctxt context.Context) *mgo.Session {
	session := l.client.Session()
	if deadline, ok := ctxt.Deadline(); ok {
		session.SetSocketTimeout(time.Until(deadline))
	}
	return session
}

// Record store a new pending entry
func (l *MongoDeliveryLog) Record(ctxt context.Context, record notify.DeliveryRecord) (string, error) {
	if err := ctxt.Err(); err != nil {
		return "", err
	}
	session := l.session(ctxt)
	defer session.Close()
	doc := newSMSLogDocument(record, l.clk.Now())
	if err := l.client.Collection(session, l.collection).Insert(doc); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Unable to record SMS to %s", record.Phone)
		return "", err
	}
	return doc.ID.Hex(), nil
}

func (l *MongoDeliveryLog) update(ctxt context.Context, id string, change bson.M) error {
	if !bson.IsObjectIdHex(id) {
		return fmt.Errorf("invalid delivery record ID '%s'", id)
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	session := l.session(ctxt)
	defer session.Close()
	if err := l.client.Collection(session, l.collection).UpdateId(bson.ObjectIdHex(id), change); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Unable to update delivery record %s", id)
		return err
	}
	return nil
}

// MarkSent mark an entry as accepted by the gateway
func (l *MongoDeliveryLog) MarkSent(ctxt context.Context, id string, response notify.ProviderResponse) error {
	return l.update(ctxt, id, sentUpdate(response, l.clk.Now()))
}

// MarkFailed mark an entry as failed
func (l *MongoDeliveryLog) MarkFailed(ctxt context.Context, id string, failure notify.DeliveryError) error {
	return l.update(ctxt, id, failedUpdate(failure, l.clk.Now()))
}
