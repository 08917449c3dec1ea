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
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus lifecycle state of a dispatch job
type JobStatus string

const (
	// JobQueued waiting for its next attempt
	JobQueued JobStatus = "queued"
	// JobActive an attempt is in progress
	JobActive JobStatus = "active"
	// JobCompleted an attempt succeeded
	JobCompleted JobStatus = "completed"
	// JobFailed all attempts were used up
	JobFailed JobStatus = "failed"
)

// Job one unit of asynchronous delivery work
type Job struct {
	// ID dedup key. Unique per subject and submission tick.
	ID string `json:"id"`
	// Name selects the handler
	Name string `json:"name"`
	// Class selects per class policy overrides
	Class string `json:"class,omitempty"`
	// SubjectID entity the job is about, e.g. the recipient user
	SubjectID string          `json:"subject_id"`
	Payload   json.RawMessage `json:"payload"`
	// Priority lower runs first
	Priority int `json:"priority"`
	// Attempts number of attempts started so far
	Attempts  int             `json:"attempts"`
	Retry     RetryPolicy     `json:"retry"`
	Retention RetentionPolicy `json:"retention"`
	// Timeout ceiling of one attempt
	Timeout       time.Duration `json:"timeout"`
	Status        JobStatus     `json:"status"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
}

// DecodePayload parse the job payload into target
func (j Job) DecodePayload(target interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	return json.Unmarshal(j.Payload, target)
}

// BuildJobID form the dedup key "<prefix>:<subject>:<unix millis>"
func BuildJobID(prefix, subjectID string, submittedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", prefix, subjectID, submittedAt.UnixMilli())
}
