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
	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/alwitt/fleetcast/notify"
	"github.com/alwitt/fleetcast/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defineSMSSender define the configured SMS sender
func defineSMSSender(config common.SMSConfig, instance string) (notify.Sender, error) {
	if config.Provider != "msg91" {
		return notify.NewLogSender(instance), nil
	}
	sender, err := notify.GetMSG91Sender(notify.MSG91Params{
		URL:            config.MSG91.BaseURL,
		AuthKey:        config.MSG91.AuthKey,
		SenderID:       config.MSG91.SenderID,
		Route:          config.MSG91.Route,
		RequestTimeout: time.Second * time.Duration(config.MSG91.RequestTimeout),
		RateLimit:      config.MSG91.RateLimit,
		RateBurst:      config.MSG91.RateBurst,
	}, nil)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// RunWorker run the dispatch worker until runtimeContext is canceled
func RunWorker(
	runtimeContext context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	mongoClient *core.MongoClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "worker",
		"instance":  instance,
	}

	if config.Worker == nil {
		return fmt.Errorf("worker can't start without its configurations")
	}
	validate := validator.New()
	if err := validate.Struct(config.Worker); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid worker config")
		return err
	}
	workerConfig := config.Worker

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
	// Job handlers

	sender, err := defineSMSSender(config.SMS, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define SMS sender")
		return err
	}
	deliveryLog, err := storage.GetMongoDeliveryLog(
		mongoClient, config.Mongo.Collections.SMSLogs, clock.WallClock,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery log")
		return err
	}
	smsHandler, err := notify.GetSMSHandler(
		sender, deliveryLog, config.SMS.DefaultCountryCode, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define SMS handler")
		return err
	}
	router := notify.NewRouter(instance)
	router.Register(notify.JobSendSMS, smsHandler)

	worker, err := dispatch.GetWorker(
		broker,
		router,
		dispatch.WorkerParams{
			Concurrency:       workerConfig.Concurrency,
			FetchWait:         time.Second * time.Duration(workerConfig.FetchWait),
			ReconnectDelay:    time.Second,
			ReconnectMaxDelay: time.Second * time.Duration(workerConfig.ReconnectMaxDelay),
			SettleTimeout:     time.Second * 10,
		},
		clock.WallClock,
		dispatch.GetWorkerMetrics(prometheus.DefaultRegisterer),
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define worker")
		return err
	}

	// -------------------------------------------------------------------
	// Metrics and health server

	metricsConfig := common.HTTPConfig{Server: workerConfig.Metrics}
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
		&metricsConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health HTTP handler")
		return err
	}
	httpRouter := mux.NewRouter()
	httpRouter.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.Handler())
	_ = apis.RegisterPathPrefix(httpRouter, "/alive", apis.MethodHandlers{
		"get": healthHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(httpRouter, "/ready", apis.MethodHandlers{
		"get": healthHandler.ReadyHandler(),
	})
	httpSrv := defineHTTPServer(workerConfig.Metrics, httpRouter, instance)

	serverContext, serverCancel := context.WithCancel(runtimeContext)
	defer serverCancel()
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		serveUntilDone(serverContext, httpSrv, logTags)
	}()

	// -------------------------------------------------------------------
	// Consume until stopped

	runErr := worker.Run(runtimeContext)
	if runErr != nil {
		log.WithError(runErr).WithFields(logTags).Error("Worker stopped on failure")
	}
	// Bring down the metrics server with the worker
	serverCancel()
	<-serverDone
	return runErr
}
