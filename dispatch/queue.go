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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/juju/clock"
)

// Request a delivery request submitted by business code
type Request struct {
	// Name selects the handler, e.g. "send-notification"
	Name string `json:"name" validate:"required"`
	// SubjectID entity the job is about. Part of the dedup key.
	SubjectID string `json:"subject_id" validate:"required"`
	// Class selects per class policy overrides
	Class string `json:"class,omitempty"`
	// Payload handler input. Anything JSON encodable.
	Payload interface{} `json:"payload" validate:"required"`
	// Priority overrides the class priority when set
	Priority *int `json:"priority,omitempty" validate:"omitempty,gte=0"`
	// SubmittedAt submission tick. Defaults to now.
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Queue producer side of the dispatch pipeline
type Queue interface {
	// Enqueue submit a request. Returns the job ID once the broker durably accepted
	// the job. Submitting the same subject twice in one tick yields one job.
	Enqueue(ctxt context.Context, req Request) (string, error)
}

// queueImpl implements Queue
type queueImpl struct {
	common.Component
	broker   Broker
	policies Policies
	prefix   string
	clk      clock.Clock
	validate *validator.Validate
}

// GetQueue define a new Queue
func GetQueue(
	broker Broker, policies Policies, jobIDPrefix string, clk clock.Clock, instance string,
) (Queue, error) {
	if broker == nil {
		return nil, fmt.Errorf("dispatch queue requires a broker")
	}
	if jobIDPrefix == "" {
		return nil, fmt.Errorf("dispatch queue requires a job ID prefix")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "queue", "instance": instance,
	}
	return &queueImpl{
		Component: common.Component{LogTags: logTags},
		broker:    broker,
		policies:  policies,
		prefix:    jobIDPrefix,
		clk:       clk,
		validate:  validator.New(),
	}, nil
}

// Enqueue submit a request
func (q *queueImpl) Enqueue(ctxt context.Context, req Request) (string, error) {
	if err := q.validate.Struct(&req); err != nil {
		log.WithError(err).WithFields(q.LogTags).Error("Invalid dispatch request")
		return "", err
	}
	var payload json.RawMessage
	switch v := req.Payload.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		encoded, err := json.Marshal(req.Payload)
		if err != nil {
			log.WithError(err).WithFields(q.LogTags).Error("Unable to encode dispatch payload")
			return "", err
		}
		payload = encoded
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("dispatch payload is not valid JSON")
	}

	submittedAt := req.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = q.clk.Now()
	}
	defaults := q.policies.Resolve(req.Class)
	priority := defaults.Priority
	if req.Priority != nil {
		priority = *req.Priority
	}
	job := Job{
		ID:          BuildJobID(q.prefix, req.SubjectID, submittedAt),
		Name:        req.Name,
		Class:       req.Class,
		SubjectID:   req.SubjectID,
		Payload:     payload,
		Priority:    priority,
		Retry:       defaults.Retry,
		Retention:   defaults.Retention,
		Timeout:     defaults.Timeout,
		Status:      JobQueued,
		SubmittedAt: submittedAt,
	}

	stored, duplicate, err := q.broker.Enqueue(ctxt, job)
	if err != nil {
		log.WithError(err).WithFields(q.LogTags).Errorf("Unable to enqueue job %s", job.ID)
		return "", err
	}
	if duplicate {
		log.WithFields(q.LogTags).Infof("Job %s already queued", stored.ID)
	} else {
		log.WithFields(q.LogTags).Debugf("Queued job %s", stored.ID)
	}
	return stored.ID, nil
}
