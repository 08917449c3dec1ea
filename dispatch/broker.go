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
	"errors"
	"time"
)

// ErrBrokerClosed the broker no longer accepts operations
var ErrBrokerClosed = errors.New("dispatch broker closed")

// ErrDeliveryExpired the delivery was reclaimed by the broker before it was settled
var ErrDeliveryExpired = errors.New("dispatch delivery no longer held")

// TerminalError attempt failure no retry can fix. Nack fails the job at once.
type TerminalError struct {
	Cause error
}

func (e *TerminalError) Error() string {
	return e.Cause.Error()
}

// Unwrap the cause
func (e *TerminalError) Unwrap() error {
	return e.Cause
}

// Terminal mark err as not worth retrying. A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Cause: err}
}

// IsTerminal whether err, or an error it wraps, was marked with Terminal
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// Broker durable job queue. All job state changes go through these primitives.
type Broker interface {
	// Enqueue durably record a job. When a job with the same ID is already known the
	// stored job is returned with duplicate set and nothing new is created.
	Enqueue(ctxt context.Context, job Job) (stored Job, duplicate bool, err error)
	// Fetch reserve up to max ready jobs, waiting at most wait for one to become ready.
	// An empty result is not an error.
	Fetch(ctxt context.Context, max int, wait time.Duration) ([]Delivery, error)
	// Failed list terminally failed jobs, newest first
	Failed(ctxt context.Context, limit int) ([]Job, error)
	// Close release the broker
	Close() error
}

// Delivery one reserved attempt of a job
type Delivery interface {
	// Job the job being attempted
	Job() Job
	// Attempt attempt number, starting at 1
	Attempt() int
	// Ack mark the job completed
	Ack(ctxt context.Context) error
	// Nack report a failed attempt. The broker schedules the next attempt after the
	// job's backoff delay, or fails the job when attempts are exhausted or the cause
	// is terminal. Returns the resulting job status.
	Nack(ctxt context.Context, cause error) (JobStatus, error)
}
