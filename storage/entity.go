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

// Package storage provides the MongoDB backed implementations of the fleet and
// notification storage contracts.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/fleet"
	"github.com/apex/log"
	"github.com/juju/mgo/v3/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// driverDocumentType value of the "type" field marking a user document as a driver
const driverDocumentType = "driver"

// geoPoint GeoJSON point as stored on the driver document
type geoPoint struct {
	Type string `bson:"type,omitempty"`
	// Coordinates is [lng, lat]
	Coordinates []float64 `bson:"coordinates,omitempty"`
}

// driverDocument the subset of the driver document read here
type driverDocument struct {
	ID              interface{} `bson:"_id"`
	FirstName       string      `bson:"firstname"`
	LastName        string      `bson:"lastname"`
	Phone           string      `bson:"phone"`
	CountryCode     string      `bson:"country_code"`
	Picture         string      `bson:"picture"`
	DutyStatus      string      `bson:"duty_status"`
	Status          bool        `bson:"status"`
	CurrentLocation *geoPoint   `bson:"currentLocation,omitempty"`
	UpdatedAt       time.Time   `bson:"updatedAt"`
}

// documentID render a document _id as a string
func documentID(id interface{}) string {
	switch v := id.(type) {
	case bson.ObjectId:
		return v.Hex()
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// toEntity convert the document into a TrackedEntity
func (d driverDocument) toEntity() fleet.TrackedEntity {
	entity := fleet.TrackedEntity{
		ID:          documentID(d.ID),
		FirstName:   d.FirstName,
		LastName:    d.LastName,
		Phone:       d.Phone,
		CountryCode: d.CountryCode,
		Picture:     d.Picture,
		DutyStatus:  fleet.DutyStatus(d.DutyStatus),
		Active:      d.Status,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.CurrentLocation != nil && len(d.CurrentLocation.Coordinates) == 2 {
		entity.Location = []float64{d.CurrentLocation.Coordinates[0], d.CurrentLocation.Coordinates[1]}
	}
	return entity
}

// BuildDriverQuery build the MongoDB selector for the tracked drivers passing the filter
//
// The search text is matched literally and case-insensitively. An OFFLINE duty
// status filter also matches drivers which never reported a status.
func BuildDriverQuery(filter fleet.Filter) bson.M {
	query := bson.M{"type": driverDocumentType, "status": true}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := bson.RegEx{Pattern: regexp.QuoteMeta(search), Options: "i"}
		matchAny := []bson.M{{"firstname": pattern}, {"lastname": pattern}}
		if filter.SearchPhone {
			matchAny = append(matchAny, bson.M{"phone": pattern})
		}
		query["$or"] = matchAny
	}
	switch filter.DutyStatus {
	case "":
	case fleet.DutyOffline:
		query["duty_status"] = bson.M{"$in": []interface{}{string(fleet.DutyOffline), "", nil}}
	default:
		query["duty_status"] = string(filter.DutyStatus)
	}
	return query
}

// driverProjection fields read from a driver document
var driverProjection = bson.M{
	"firstname": 1, "lastname": 1, "phone": 1, "country_code": 1, "picture": 1,
	"duty_status": 1, "status": 1, "currentLocation": 1, "updatedAt": 1,
}

// MongoEntityStore fleet.EntityStore reading driver documents from MongoDB
type MongoEntityStore struct {
	common.Component
	client     *core.MongoClient
	collection string
}

// GetMongoEntityStore define a new MongoEntityStore
func GetMongoEntityStore(client *core.MongoClient, collection string) (*MongoEntityStore, error) {
	if client == nil {
		return nil, fmt.Errorf("entity store requires a MongoDB client")
	}
	if collection == "" {
		return nil, fmt.Errorf("entity store requires a collection name")
	}
	logTags := log.Fields{
		"module": "storage", "component": "mongo-entity-store", "instance": collection,
	}
	return &MongoEntityStore{
		Component: common.Component{LogTags: logTags}, client: client, collection: collection,
	}, nil
}

// ListTracked list the active drivers matching the filter, in store order
func (s *MongoEntityStore) ListTracked(ctxt context.Context, filter fleet.Filter) ([]fleet.TrackedEntity, error) {
	// The driver does not take a context. The query goroutine owns its session and
	// the caller stops waiting once ctxt ends.
	type queryResult struct {
		docs []driverDocument
		err  error
	}
	result := make(chan queryResult, 1)
	go func() {
		session := s.client.Session()
		defer session.Close()
		if deadline, ok := ctxt.Deadline(); ok {
			session.SetSocketTimeout(time.Until(deadline))
		}
		docs := []driverDocument{}
		err := s.client.Collection(session, s.collection).
			Find(BuildDriverQuery(filter)).
			Select(driverProjection).
			All(&docs)
		result <- queryResult{docs: docs, err: err}
	}()

	var docs []driverDocument
	select {
	case <-ctxt.Done():
		return nil, ctxt.Err()
	case r := <-result:
		if r.err != nil {
			log.WithError(r.err).WithFields(s.LogTags).Errorf("Driver query failed for '%s'", filter.Key())
			return nil, r.err
		}
		docs = r.docs
	}

	entities := make([]fleet.TrackedEntity, 0, len(docs))
	for _, doc := range docs {
		entities = append(entities, doc.toEntity())
	}
	return entities, nil
}
