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

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
	"github.com/juju/mgo/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConnectParams MongoDB connection parameter
type MongoConnectParams struct {
	// URI is the MongoDB connection URI
	URI string `validate:"required"`
	// Database is used when the URI does not name one
	Database string
	// DialTimeout max time to wait for connection
	DialTimeout time.Duration
}

// MongoClient MongoDB session holder
//
// Queries and writes go through the mgo session. Change streams need the official
// driver, which mgo lacks, so a second client serves Watch.
type MongoClient struct {
	common.Component
	session  *mgo.Session
	watcher  *mongo.Client
	database string
}

// GetMongoClient dial MongoDB
func GetMongoClient(param MongoConnectParams) (*MongoClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "mongo-backend",
		"instance":  param.Database,
	}
	info, err := mgo.ParseURL(param.URI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse MongoDB URI")
		return nil, err
	}
	if info.Database == "" {
		info.Database = param.Database
	}
	if info.Database == "" {
		return nil, fmt.Errorf("no MongoDB database given")
	}
	info.Timeout = param.DialTimeout
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("MongoDB dial failed")
		return nil, err
	}
	session.SetMode(mgo.Strong, true)

	watchOpts := options.Client().ApplyURI(param.URI)
	if param.DialTimeout > 0 {
		watchOpts.SetConnectTimeout(param.DialTimeout).SetServerSelectionTimeout(param.DialTimeout)
	}
	ctxt, cancel := context.WithTimeout(context.Background(), connectTimeout(param.DialTimeout))
	defer cancel()
	watcher, err := mongo.Connect(ctxt, watchOpts)
	if err != nil {
		session.Close()
		log.WithError(err).WithFields(logTags).Error("MongoDB change stream client failed")
		return nil, err
	}

	log.WithFields(logTags).Infof("Connected to MongoDB %v", info.Addrs)
	return &MongoClient{
		Component: common.Component{LogTags: logTags},
		session:   session,
		watcher:   watcher,
		database:  info.Database,
	}, nil
}

// connectTimeout bound of the driver connect call
func connectTimeout(dialTimeout time.Duration) time.Duration {
	if dialTimeout > 0 {
		return dialTimeout
	}
	return time.Second * 10
}

// Session get a new session sharing the client's cluster. Caller must Close it.
func (c *MongoClient) Session() *mgo.Session {
	return c.session.Copy()
}

// Collection get a collection handle bound to session
func (c *MongoClient) Collection(session *mgo.Session, name string) *mgo.Collection {
	return session.DB(c.database).C(name)
}

// WatchCollection get a collection handle of the change stream client
func (c *MongoClient) WatchCollection(name string) *mongo.Collection {
	return c.watcher.Database(c.database).Collection(name)
}

// Ping check the server is reachable
func (c *MongoClient) Ping() error {
	session := c.session.Copy()
	defer session.Close()
	return session.Ping()
}

// Close close the MongoDB client
func (c *MongoClient) Close() {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := c.watcher.Disconnect(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("MongoDB change stream client disconnect failed")
	}
	c.session.Close()
	log.WithFields(c.LogTags).Info("Closed MongoDB client")
}
