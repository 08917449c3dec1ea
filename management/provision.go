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

package management

import (
	"context"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/apex/log"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// ackWaitMargin is added to the longest attempt timeout so an attempt still being
// settled is not redelivered
const ackWaitMargin = time.Second * 15

// DispatchStreamParams derive the stream definitions backing the dispatch broker
func DispatchStreamParams(
	cfg common.JetStreamBrokerConfig, policies dispatch.Policies,
) (jobs, completed, failed StreamParam) {
	completedAge := policies.Defaults.Retention.Completed.MaxAge
	completedCount := int64(policies.Defaults.Retention.Completed.MaxCount)
	failedAge := policies.Defaults.Retention.Failed.MaxAge
	failedCount := int64(policies.Defaults.Retention.Failed.MaxCount)

	jobs = StreamParam{
		Name:       cfg.JobStream,
		Subjects:   []string{cfg.JobSubject},
		WorkQueue:  true,
		Duplicates: time.Second * time.Duration(cfg.DuplicateWindow),
	}
	completed = StreamParam{
		Name:     cfg.CompletedStream,
		Subjects: []string{cfg.CompletedSubject},
		// Record writes are retried on settle, so dedup them too
		Duplicates: time.Second * time.Duration(cfg.DuplicateWindow),
		StreamLimits: StreamLimits{
			MaxAge: &completedAge, MaxMsgs: &completedCount,
		},
	}
	failed = StreamParam{
		Name:       cfg.FailedStream,
		Subjects:   []string{cfg.FailedSubject},
		Duplicates: time.Second * time.Duration(cfg.DuplicateWindow),
		StreamLimits: StreamLimits{
			MaxAge: &failedAge, MaxMsgs: &failedCount,
		},
	}
	return
}

// DispatchConsumerParam derive the durable consumer shared by the dispatch workers
func DispatchConsumerParam(
	cfg common.JetStreamBrokerConfig, policies dispatch.Policies,
) ConsumerParam {
	longest := policies.Defaults.Timeout
	for class := range policies.Classes {
		if timeout := policies.Resolve(class).Timeout; timeout > longest {
			longest = timeout
		}
	}
	return ConsumerParam{
		Name:          cfg.Consumer,
		Notes:         "Dispatch workers",
		FilterSubject: cfg.JobSubject,
		AckWait:       longest + ackWaitMargin,
		// Attempts are counted by the broker against each job's own retry policy
		MaxDeliver: -1,
	}
}

// ProvisionDispatchStreams ensure the streams and the consumer backing the dispatch
// broker exist. Failures are retried until attempts run out or ctxt is canceled.
func ProvisionDispatchStreams(
	ctxt context.Context,
	controller JetStreamController,
	cfg common.JetStreamBrokerConfig,
	policies dispatch.Policies,
	clk clock.Clock,
	attempts int,
) error {
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "management", "component": "provision", "instance": cfg.JobStream,
	}
	jobs, completed, failed := DispatchStreamParams(cfg, policies)
	consumer := DispatchConsumerParam(cfg, policies)

	return retry.Call(retry.CallArgs{
		Func: func() error {
			for _, stream := range []StreamParam{jobs, completed, failed} {
				if err := controller.EnsureStream(ctxt, stream); err != nil {
					return err
				}
			}
			return controller.EnsureConsumer(ctxt, cfg.JobStream, consumer)
		},
		IsFatalError: func(error) bool {
			return ctxt.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			log.WithError(err).WithFields(logTags).Warnf(
				"Dispatch stream provisioning failed (attempt %d)", attempt,
			)
		},
		Attempts:    attempts,
		Delay:       time.Second,
		MaxDelay:    time.Second * 15,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctxt.Done(),
	})
}
