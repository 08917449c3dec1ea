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
	"testing"
	"time"

	"github.com/alwitt/fleetcast/fleet"
	"github.com/alwitt/fleetcast/notify"
	"github.com/apex/log"
	"github.com/juju/mgo/v3/bson"
	"github.com/stretchr/testify/assert"
	driverbson "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestBuildDriverQuery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: no filter
	{
		query := BuildDriverQuery(fleet.Filter{})
		assert.Equal(bson.M{"type": "driver", "status": true}, query)
	}

	// Case 1: search is literal and case-insensitive
	{
		query := BuildDriverQuery(fleet.Filter{Search: "  a.b(c  "})
		pattern := bson.RegEx{Pattern: `a\.b\(c`, Options: "i"}
		assert.Equal(
			[]bson.M{{"firstname": pattern}, {"lastname": pattern}}, query["$or"],
		)
		_, ok := query["duty_status"]
		assert.False(ok)
	}

	// Case 2: phone search and duty status
	{
		query := BuildDriverQuery(fleet.Filter{
			Search: "987", SearchPhone: true, DutyStatus: fleet.DutyOnline,
		})
		matchAny, ok := query["$or"].([]bson.M)
		assert.True(ok)
		assert.Len(matchAny, 3)
		assert.Equal(bson.RegEx{Pattern: "987", Options: "i"}, matchAny[2]["phone"])
		assert.Equal("ONLINE", query["duty_status"])
	}

	// Case 3: OFFLINE includes drivers without a status
	{
		query := BuildDriverQuery(fleet.Filter{DutyStatus: fleet.DutyOffline})
		assert.Equal(
			bson.M{"$in": []interface{}{"OFFLINE", "", nil}}, query["duty_status"],
		)
	}
}

func TestBuildWatchPipeline(t *testing.T) {
	assert := assert.New(t)

	pipeline := BuildWatchPipeline()
	assert.Len(pipeline, 1)
	match, ok := pipeline[0]["$match"].(driverbson.M)
	assert.True(ok)
	assert.Equal(driverbson.M{"$in": []string{"update", "replace"}}, match["operationType"])
	assert.Equal("driver", match["fullDocument.type"])
}

func TestBuildChangeStreamOptions(t *testing.T) {
	assert := assert.New(t)

	// Case 0: fresh stream
	{
		opts := BuildChangeStreamOptions(time.Second, nil)
		assert.NotNil(opts.FullDocument)
		assert.Equal(options.UpdateLookup, *opts.FullDocument)
		assert.NotNil(opts.MaxAwaitTime)
		assert.Equal(time.Second, *opts.MaxAwaitTime)
		assert.Nil(opts.ResumeAfter)
	}

	// Case 1: resume after the last event seen
	{
		token := driverbson.Raw{0x05, 0x00, 0x00, 0x00, 0x00}
		opts := BuildChangeStreamOptions(0, token)
		assert.Equal(options.UpdateLookup, *opts.FullDocument)
		assert.Nil(opts.MaxAwaitTime)
		assert.Equal(token, opts.ResumeAfter)
	}

	// Case 2: document keys from either driver
	{
		oid := primitive.NewObjectID()
		assert.Equal(oid.Hex(), documentID(oid))
		mgoID := bson.NewObjectId()
		assert.Equal(mgoID.Hex(), documentID(mgoID))
		assert.Equal("d-1", documentID("d-1"))
		assert.Equal("", documentID(nil))
	}
}

func TestDriverDocumentConversion(t *testing.T) {
	assert := assert.New(t)

	id := bson.NewObjectId()
	now := time.Now().UTC()

	// Case 0: full document
	{
		doc := driverDocument{
			ID: id, FirstName: "Asha", LastName: "Rao", Phone: "9876543210", CountryCode: "91",
			DutyStatus: "ONLINE", Status: true, UpdatedAt: now,
			CurrentLocation: &geoPoint{Type: "Point", Coordinates: []float64{77.59, 12.97}},
		}
		entity := doc.toEntity()
		assert.Equal(id.Hex(), entity.ID)
		assert.Equal("Asha Rao", entity.FullName())
		assert.Equal(fleet.DutyOnline, entity.DutyStatus)
		assert.True(entity.Active)
		assert.Equal([]float64{77.59, 12.97}, entity.View().Location)
	}

	// Case 1: no location, no status, string ID
	{
		doc := driverDocument{ID: "driver-7", FirstName: "Ravi", Status: true}
		entity := doc.toEntity()
		assert.Equal("driver-7", entity.ID)
		assert.Nil(entity.Location)
		view := entity.View()
		assert.Equal(fleet.DutyOffline, view.DutyStatus)
		assert.Equal([]float64{0, 0}, view.Location)
		assert.Equal("Ravi", view.FullName)
	}
}

func TestSMSLogDocuments(t *testing.T) {
	assert := assert.New(t)

	now := time.Now().UTC()
	userID := bson.NewObjectId()

	// Case 0: new pending entry
	{
		doc := newSMSLogDocument(notify.DeliveryRecord{
			JobID: "notification:u1:1", Attempt: 3, UserID: userID.Hex(), BookingID: "PNR42",
			Phone: "9876543210", CountryCode: "91", Message: "hi",
			EventType: notify.EventBookingReminder, Provider: "msg91",
		}, now)
		assert.True(doc.ID.Valid())
		assert.Equal(userID, doc.UserID)
		assert.Nil(doc.DriverID)
		assert.Equal("PNR42", doc.BookingID)
		assert.Equal("pending", doc.Status)
		assert.Equal("booking_reminder", doc.EventType)
		assert.Equal(2, doc.RetryCount)
		assert.NotNil(doc.Metadata)
		assert.Equal(now, doc.CreatedAt)
	}

	// Case 1: sent update
	{
		update := sentUpdate(notify.ProviderResponse{MessageID: "m1", ResponseCode: "success"}, now)
		set := update["$set"].(bson.M)
		assert.Equal("sent", set["status"])
		assert.Equal("m1", set["provider_response.message_id"])
		assert.Equal(map[string]interface{}{}, set["provider_response.raw_response"])
	}

	// Case 2: failed update
	{
		update := failedUpdate(notify.DeliveryError{Code: "HTTP_401", Message: "Invalid authkey"}, now)
		set := update["$set"].(bson.M)
		assert.Equal("failed", set["status"])
		assert.Equal("HTTP_401", set["error.code"])
		assert.Equal(now, set["delivery_status.failed_at"])
	}
}
