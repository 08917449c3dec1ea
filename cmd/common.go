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

// Package cmd wires the application components into runnable servers.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/dataplane"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/alwitt/fleetcast/management"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// provisionAttempts number of tries at defining the dispatch streams on start
const provisionAttempts = 10

// requestLogWriter feeds the combined HTTP request log into the application log
type requestLogWriter struct {
	common.Component
}

// Write logging support
func (w requestLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.LogTags).Infof("%s", p)
	return len(p), nil
}

// defineHTTPServer define the HTTP server with request logging and h2c support
func defineHTTPServer(
	config common.HTTPServerConfig, router *mux.Router, instance string,
) *http.Server {
	logWriter := requestLogWriter{Component: common.Component{LogTags: log.Fields{
		"module": "cmd", "component": "http-request", "instance": instance,
	}}}
	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(logWriter, next)
	})
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
}

// serveUntilDone run the HTTP server until runtimeContext is canceled
func serveUntilDone(
	runtimeContext context.Context, httpSrv *http.Server, logTags log.Fields,
) {
	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)

	<-runtimeContext.Done()

	// Stop the HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
	}
}

// defineDispatchBroker ensure the dispatch streams exist and bind a broker to them
func defineDispatchBroker(
	runtimeContext context.Context,
	config common.DispatchConfig,
	natsClient *core.NatsClient,
	instance string,
) (*dataplane.JetStreamBroker, error) {
	controller, err := management.GetJetStreamController(natsClient, instance)
	if err != nil {
		return nil, err
	}
	if err := management.ProvisionDispatchStreams(
		runtimeContext,
		controller,
		config.Broker,
		dispatch.GetPolicies(config),
		clock.WallClock,
		provisionAttempts,
	); err != nil {
		return nil, err
	}
	return dataplane.GetJetStreamBroker(natsClient, config.Broker, clock.WallClock, instance)
}
