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
	"sync"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/fleet"
	"github.com/apex/log"
	"github.com/juju/clock"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// changeDocument the subset of a change stream event read here
type changeDocument struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID interface{} `bson:"_id"`
	} `bson:"documentKey"`
}

// BuildWatchPipeline change stream pipeline selecting updates and replacements of
// driver documents
func BuildWatchPipeline() []bson.M {
	return []bson.M{
		{"$match": bson.M{
			"operationType": bson.M{"$in": []string{
				string(fleet.ChangeUpdate), string(fleet.ChangeReplace),
			}},
			"fullDocument.type": driverDocumentType,
		}},
	}
}

// BuildChangeStreamOptions change stream options. The full document is looked up so
// the pipeline can match on it. A nil resumeToken starts from now.
func BuildChangeStreamOptions(maxAwait time.Duration, resumeToken bson.Raw) *options.ChangeStreamOptions {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if maxAwait > 0 {
		opts.SetMaxAwaitTime(maxAwait)
	}
	if resumeToken != nil {
		opts.SetResumeAfter(resumeToken)
	}
	return opts
}

// MongoChangeSourceParams parameters of a MongoChangeSource
type MongoChangeSourceParams struct {
	// Collection holding the driver documents
	Collection string `validate:"required"`
	// RetryInterval wait before reopening a failed change stream
	RetryInterval time.Duration `validate:"gt=0"`
	// MaxAwait max wait of one change stream getMore on the server
	MaxAwait time.Duration
}

// MongoChangeSource fleet.ChangeSource on top of a MongoDB change stream
type MongoChangeSource struct {
	common.Component
	client *core.MongoClient
	params MongoChangeSourceParams
	clk    clock.Clock
	wg     sync.WaitGroup
}

// GetMongoChangeSource define a new MongoChangeSource
func GetMongoChangeSource(
	client *core.MongoClient, params MongoChangeSourceParams, clk clock.Clock,
) (*MongoChangeSource, error) {
	if client == nil {
		return nil, fmt.Errorf("change source requires a MongoDB client")
	}
	if params.Collection == "" {
		return nil, fmt.Errorf("change source requires a collection name")
	}
	if params.RetryInterval <= 0 {
		params.RetryInterval = time.Second * 5
	}
	if params.MaxAwait <= 0 {
		params.MaxAwait = time.Second
	}
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "storage", "component": "mongo-change-source", "instance": params.Collection,
	}
	return &MongoChangeSource{
		Component: common.Component{LogTags: logTags}, client: client, params: params, clk: clk,
	}, nil
}

// open start a change stream, resuming after resumeToken when given
func (s *MongoChangeSource) open(ctxt context.Context, resumeToken bson.Raw) (*mongo.ChangeStream, error) {
	return s.client.WatchCollection(s.params.Collection).Watch(
		ctxt, BuildWatchPipeline(), BuildChangeStreamOptions(s.params.MaxAwait, resumeToken),
	)
}

// Subscribe start delivering driver changes to handler
//
// When the deployment does not support change streams (standalone server) the
// failure is logged and a subscription which never fires is returned.
func (s *MongoChangeSource) Subscribe(handler fleet.ChangeHandler) fleet.Subscription {
	ctxt, cancel := context.WithCancel(context.Background())
	stream, err := s.open(ctxt, nil)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(s.LogTags).Error(
			"Change streams unavailable. Live updates disabled",
		)
		return fleet.NoopSubscription{}
	}
	sub := &mongoSubscription{cancel: cancel}
	s.wg.Add(1)
	go s.watch(ctxt, stream, func(event fleet.ChangeEvent) {
		if ctxt.Err() == nil {
			handler(event)
		}
	})
	log.WithFields(s.LogTags).Info("Watching driver changes")
	return sub
}

// closeStream release the server cursor of a change stream
func (s *MongoChangeSource) closeStream(stream *mongo.ChangeStream) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := stream.Close(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Change stream close failed")
	}
}

// watch read the change stream until ctxt ends. A broken stream is reopened after
// the retry interval, resuming after the last event seen.
func (s *MongoChangeSource) watch(
	ctxt context.Context, stream *mongo.ChangeStream, handler fleet.ChangeHandler,
) {
	defer s.wg.Done()
	defer log.WithFields(s.LogTags).Debug("Watch loop exiting")
	var resumeToken bson.Raw
	for {
		if stream == nil {
			select {
			case <-ctxt.Done():
				return
			case <-s.clk.After(s.params.RetryInterval):
			}
			var err error
			if stream, err = s.open(ctxt, resumeToken); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Unable to reopen change stream. Retry in %s", s.params.RetryInterval,
				)
				stream = nil
				continue
			}
			log.WithFields(s.LogTags).Info("Change stream reopened")
		}

		if stream.Next(ctxt) {
			resumeToken = stream.ResumeToken()
			var change changeDocument
			if err := stream.Decode(&change); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Unable to parse change event")
				continue
			}
			handler(fleet.ChangeEvent{
				Operation: fleet.ChangeOperation(change.OperationType),
				EntityID:  documentID(change.DocumentKey.ID),
				At:        s.clk.Now(),
			})
			continue
		}
		s.closeStream(stream)
		if ctxt.Err() != nil {
			return
		}
		log.WithError(stream.Err()).WithFields(s.LogTags).Errorf(
			"Change stream failed. Reopening in %s", s.params.RetryInterval,
		)
		stream = nil
	}
}

// Wait block until every watch loop has exited
func (s *MongoChangeSource) Wait() {
	s.wg.Wait()
}

// mongoSubscription live subscription backed by a watch loop
type mongoSubscription struct {
	cancel context.CancelFunc
}

// Unsubscribe stop the watch loop
func (m *mongoSubscription) Unsubscribe() {
	m.cancel()
}

// Live always true
func (m *mongoSubscription) Live() bool {
	return true
}
