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

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/alwitt/fleetcast/notify"
	"github.com/apex/log"
)

// EnqueueNotification submit one SMS job to the dispatch queue
func EnqueueNotification(
	ctxt context.Context,
	config common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	request notify.SMSRequest,
	class string,
) (string, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "enqueue",
		"instance":  instance,
	}

	broker, err := defineDispatchBroker(ctxt, config.Dispatch, natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch broker")
		return "", err
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Dispatch broker close failed")
		}
	}()

	queue, err := dispatch.GetQueue(
		broker,
		dispatch.GetPolicies(config.Dispatch),
		config.Dispatch.JobIDPrefix,
		nil,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch queue")
		return "", err
	}

	jobID, err := queue.Enqueue(ctxt, dispatch.Request{
		Name:      notify.JobSendSMS,
		SubjectID: request.Subject(),
		Class:     class,
		Payload:   request,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Enqueue failed")
		return "", err
	}
	log.WithFields(logTags).WithField("job", jobID).Info("Notification queued")
	return jobID, nil
}
