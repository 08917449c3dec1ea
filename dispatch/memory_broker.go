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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
	"github.com/juju/clock"
)

// memoryRecord broker side state of one job
type memoryRecord struct {
	job Job
	// seq enqueue order, tie breaker for equal priority
	seq int64
	// lease identifies the current reservation. Settling with a stale lease fails.
	lease         int64
	reservedUntil time.Time
}

// MemoryBroker in-process Broker. Jobs do not survive a restart.
type MemoryBroker struct {
	common.Component
	lock    sync.Mutex
	clk     clock.Clock
	records map[string]*memoryRecord
	nextSeq int64
	closed  bool
	// wakeup signals Fetch callers that a job may have become ready
	wakeup chan struct{}
	done   chan struct{}
}

// NewMemoryBroker define a new MemoryBroker
func NewMemoryBroker(instance string, clk clock.Clock) *MemoryBroker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryBroker{
		Component: common.Component{LogTags: log.Fields{
			"module": "dispatch", "component": "memory-broker", "instance": instance,
		}},
		clk:     clk,
		records: map[string]*memoryRecord{},
		wakeup:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (b *MemoryBroker) signal() {
	select {
	case b.wakeup <- struct{}{}:
	default:
	}
}

// Enqueue durably record a job
func (b *MemoryBroker) Enqueue(_ context.Context, job Job) (Job, bool, error) {
	if job.ID == "" {
		return Job{}, false, fmt.Errorf("job has no ID")
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return Job{}, false, ErrBrokerClosed
	}
	now := b.clk.Now()
	b.trim(now)
	if existing, ok := b.records[job.ID]; ok {
		log.WithFields(b.LogTags).Debugf("Job %s already known", job.ID)
		return existing.job, true, nil
	}
	job.Status = JobQueued
	job.Attempts = 0
	if job.Timeout <= 0 {
		job.Timeout = DefaultPolicies().Defaults.Timeout
	}
	if job.Retry.MaxAttempts < 1 {
		job.Retry.MaxAttempts = 1
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	b.records[job.ID] = &memoryRecord{job: job, seq: b.nextSeq}
	b.nextSeq++
	b.signal()
	return job, false, nil
}

// Fetch reserve up to max ready jobs
func (b *MemoryBroker) Fetch(ctxt context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max < 1 {
		return nil, fmt.Errorf("fetch size must be positive")
	}
	deadline := b.clk.Now().Add(wait)
	for {
		reserved, nextWake, err := b.reserve(max)
		if err != nil || len(reserved) > 0 {
			return reserved, err
		}
		now := b.clk.Now()
		if !now.Before(deadline) {
			return nil, nil
		}
		sleep := deadline.Sub(now)
		if !nextWake.IsZero() && nextWake.Sub(now) < sleep {
			sleep = nextWake.Sub(now)
		}
		select {
		case <-ctxt.Done():
			return nil, ctxt.Err()
		case <-b.done:
			return nil, ErrBrokerClosed
		case <-b.wakeup:
		case <-b.clk.After(sleep):
		}
	}
}

// reserve take up to max ready jobs. Also returns the earliest time a job becomes
// ready or a reservation expires.
func (b *MemoryBroker) reserve(max int) ([]Delivery, time.Time, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, time.Time{}, ErrBrokerClosed
	}
	now := b.clk.Now()
	b.recoverStalled(now)
	b.trim(now)

	ready := []*memoryRecord{}
	var nextWake time.Time
	for _, record := range b.records {
		switch record.job.Status {
		case JobQueued:
			if !record.job.NextAttemptAt.After(now) {
				ready = append(ready, record)
			} else if nextWake.IsZero() || record.job.NextAttemptAt.Before(nextWake) {
				nextWake = record.job.NextAttemptAt
			}
		case JobActive:
			if nextWake.IsZero() || record.reservedUntil.Before(nextWake) {
				nextWake = record.reservedUntil
			}
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].job.Priority != ready[j].job.Priority {
			return ready[i].job.Priority < ready[j].job.Priority
		}
		return ready[i].seq < ready[j].seq
	})
	if len(ready) > max {
		ready = ready[:max]
	}
	result := make([]Delivery, 0, len(ready))
	for _, record := range ready {
		record.job.Status = JobActive
		record.job.Attempts++
		record.lease++
		record.reservedUntil = now.Add(record.job.Timeout)
		result = append(result, &memoryDelivery{
			broker: b, id: record.job.ID, lease: record.lease, job: record.job,
		})
	}
	return result, nextWake, nil
}

// recoverStalled reclaim reservations held past the job timeout. A stalled attempt
// counts as a failed attempt.
func (b *MemoryBroker) recoverStalled(now time.Time) {
	for _, record := range b.records {
		if record.job.Status != JobActive || now.Before(record.reservedUntil) {
			continue
		}
		log.WithFields(b.LogTags).Warnf(
			"Job %s attempt %d stalled past %s", record.job.ID, record.job.Attempts, record.job.Timeout,
		)
		record.lease++
		b.settleFailure(record, now, fmt.Errorf("attempt stalled past %s", record.job.Timeout))
	}
}

// settleFailure apply a failed attempt to a record
func (b *MemoryBroker) settleFailure(record *memoryRecord, now time.Time, cause error) {
	if cause != nil {
		record.job.LastError = cause.Error()
	}
	if record.job.Retry.Exhausted(record.job.Attempts) || IsTerminal(cause) {
		record.job.Status = JobFailed
		record.job.FinishedAt = now
		record.job.NextAttemptAt = time.Time{}
		return
	}
	record.job.Status = JobQueued
	record.job.NextAttemptAt = now.Add(record.job.Retry.Delay(record.job.Attempts))
}

// trim drop finished records beyond their retention limits
func (b *MemoryBroker) trim(now time.Time) {
	for _, status := range []JobStatus{JobCompleted, JobFailed} {
		finished := []*memoryRecord{}
		for _, record := range b.records {
			if record.job.Status == status {
				finished = append(finished, record)
			}
		}
		sort.Slice(finished, func(i, j int) bool {
			return finished[i].job.FinishedAt.After(finished[j].job.FinishedAt)
		})
		for idx, record := range finished {
			limit := record.job.Retention.Completed
			if status == JobFailed {
				limit = record.job.Retention.Failed
			}
			expired := limit.MaxAge > 0 && now.Sub(record.job.FinishedAt) >= limit.MaxAge
			overflow := limit.MaxCount > 0 && idx >= limit.MaxCount
			if expired || overflow {
				delete(b.records, record.job.ID)
			}
		}
	}
}

// settle apply the outcome of an attempt held under lease
func (b *MemoryBroker) settle(id string, lease int64, cause error, success bool) (JobStatus, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return "", ErrBrokerClosed
	}
	record, ok := b.records[id]
	if !ok || record.lease != lease || record.job.Status != JobActive {
		return "", ErrDeliveryExpired
	}
	now := b.clk.Now()
	record.lease++
	if success {
		record.job.Status = JobCompleted
		record.job.FinishedAt = now
		record.job.LastError = ""
	} else {
		b.settleFailure(record, now, cause)
		if record.job.Status == JobQueued {
			b.signal()
		}
	}
	status := record.job.Status
	b.trim(now)
	return status, nil
}

// Failed list terminally failed jobs, newest first
func (b *MemoryBroker) Failed(_ context.Context, limit int) ([]Job, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	b.trim(b.clk.Now())
	result := []Job{}
	for _, record := range b.records {
		if record.job.Status == JobFailed {
			result = append(result, record.job)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FinishedAt.After(result[j].FinishedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Lookup get the current state of a job
func (b *MemoryBroker) Lookup(id string) (Job, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	record, ok := b.records[id]
	if !ok {
		return Job{}, false
	}
	return record.job, true
}

// Counts number of known jobs per status
func (b *MemoryBroker) Counts() map[JobStatus]int {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := map[JobStatus]int{}
	for _, record := range b.records {
		result[record.job.Status]++
	}
	return result
}

// Close release the broker
func (b *MemoryBroker) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// memoryDelivery Delivery from a MemoryBroker
type memoryDelivery struct {
	broker *MemoryBroker
	id     string
	lease  int64
	job    Job
}

func (d *memoryDelivery) Job() Job {
	return d.job
}

func (d *memoryDelivery) Attempt() int {
	return d.job.Attempts
}

func (d *memoryDelivery) Ack(_ context.Context) error {
	_, err := d.broker.settle(d.id, d.lease, nil, true)
	return err
}

func (d *memoryDelivery) Nack(_ context.Context, cause error) (JobStatus, error) {
	return d.broker.settle(d.id, d.lease, cause, false)
}
