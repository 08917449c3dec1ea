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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/fleetcast/apis"
	"github.com/alwitt/fleetcast/auth"
	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/fleet"
	"github.com/alwitt/fleetcast/hub"
	"github.com/alwitt/fleetcast/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunAPIServer run the live stream API server
func RunAPIServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	mongoClient *core.MongoClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "api",
		"instance":  instance,
	}

	if config.API == nil {
		return fmt.Errorf("API server can't start without its configurations")
	}
	validate := validator.New()
	if err := validate.Struct(config.API); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid API server config")
		return err
	}
	apiConfig := config.API

	// -------------------------------------------------------------------
	// Fleet view

	store, err := storage.GetMongoEntityStore(mongoClient, config.Mongo.Collections.Drivers)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define entity store")
		return err
	}
	changeSource, err := storage.GetMongoChangeSource(
		mongoClient,
		storage.MongoChangeSourceParams{
			Collection:    config.Mongo.Collections.Drivers,
			RetryInterval: time.Second * time.Duration(config.Mongo.WatchRetryInterval),
		},
		clock.WallClock,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define change source")
		return err
	}
	aggregator, err := fleet.GetSnapshotAggregator(store, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define snapshot aggregator")
		return err
	}
	snapshotTimeout := time.Second * time.Duration(apiConfig.Stream.SnapshotTimeout)
	streamHub, err := hub.GetStreamHub(
		aggregator,
		changeSource,
		hub.StreamHubParams{
			HeartbeatInterval: time.Second * time.Duration(apiConfig.Stream.HeartbeatInterval),
			FrameBuffer:       apiConfig.Stream.FrameBuffer,
			SnapshotTimeout:   snapshotTimeout,
		},
		clock.WallClock,
		hub.GetMetrics(prometheus.DefaultRegisterer),
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream hub")
		return err
	}

	var authn auth.Authenticator
	if config.Auth.Enabled {
		verifier, err := auth.GetJWTAuthenticator(config.Auth, clock.WallClock, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
			return err
		}
		authn = verifier
	} else {
		log.WithFields(logTags).Warn("Stream authentication disabled")
	}

	// -------------------------------------------------------------------
	// Dispatch inspection

	broker, err := defineDispatchBroker(runtimeContext, config.Dispatch, natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch broker")
		return err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Dispatch broker close failed")
		}
	}()

	// -------------------------------------------------------------------
	// HTTP handlers

	fleetHandler, err := apis.GetAPIRestFleetHandler(
		runtimeContext, streamHub, store, authn, snapshotTimeout, &apiConfig.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fleet HTTP handler")
		return err
	}
	dispatchHandler, err := apis.GetAPIRestDispatchHandler(broker, &apiConfig.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch HTTP handler")
		return err
	}
	healthHandler, err := apis.GetAPIRestHealthHandler(
		map[string]apis.ReadinessCheck{
			"mongo": func(context.Context) error {
				return mongoClient.Ping()
			},
			"nats": func(context.Context) error {
				if !natsClient.Connected() {
					return fmt.Errorf("NATS disconnected")
				}
				return nil
			},
		},
		&apiConfig.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	if err := streamHub.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start stream hub")
		return err
	}
	defer func() {
		_ = streamHub.Stop()
		changeSource.Wait()
	}()

	router := mux.NewRouter()
	// Metrics
	router.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.Handler())
	mainRouter := apis.RegisterPathPrefix(router, apiConfig.Endpoints.PathPrefix, nil)

	// Fleet view
	_ = apis.RegisterPathPrefix(mainRouter, "/stream", apis.MethodHandlers{
		"get": fleetHandler.StreamHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/data", apis.MethodHandlers{
		"get": fleetHandler.MapDataHandler(),
	})

	// Dispatch
	_ = apis.RegisterPathPrefix(mainRouter, "/dispatch/failed", apis.MethodHandlers{
		"get": dispatchHandler.ListFailedHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": healthHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": healthHandler.ReadyHandler(),
	})

	httpSrv := defineHTTPServer(apiConfig.HTTPSetting.Server, router, instance)
	serveUntilDone(runtimeContext, httpSrv, logTags)

	return nil
}
