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
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/semaphore"
)

// Handler performs the delivery side effect of a job. A nil return completes the
// job; any error counts as a failed attempt.
type Handler interface {
	Deliver(ctxt context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctxt context.Context, job Job) error

// Deliver call f
func (f HandlerFunc) Deliver(ctxt context.Context, job Job) error {
	return f(ctxt, job)
}

// WorkerParams worker tuning parameters
type WorkerParams struct {
	// Concurrency max number of attempts running at once
	Concurrency int `validate:"gte=1"`
	// FetchWait max duration of one broker fetch
	FetchWait time.Duration `validate:"gt=0"`
	// ReconnectDelay first pause after a failed fetch. Doubles up to ReconnectMaxDelay.
	ReconnectDelay    time.Duration `validate:"gt=0"`
	ReconnectMaxDelay time.Duration `validate:"gtefield=ReconnectDelay"`
	// SettleTimeout max duration of an ack / nack call
	SettleTimeout time.Duration `validate:"gt=0"`
}

// Worker consumer side of the dispatch pipeline
type Worker interface {
	// Run consume jobs until ctxt is canceled or the broker closes. In-flight
	// attempts are allowed to finish before Run returns.
	Run(ctxt context.Context) error
}

// workerImpl implements Worker
type workerImpl struct {
	common.Component
	broker  Broker
	handler Handler
	params  WorkerParams
	clk     clock.Clock
	metrics *WorkerMetrics
	slots   *semaphore.Weighted
	wg      sync.WaitGroup

	lock sync.Mutex
	// running job ID to the done channel of the attempt currently running it
	running map[string]chan struct{}
}

// GetWorker define a new Worker
func GetWorker(
	broker Broker,
	handler Handler,
	params WorkerParams,
	clk clock.Clock,
	metrics *WorkerMetrics,
	instance string,
) (Worker, error) {
	if broker == nil || handler == nil {
		return nil, fmt.Errorf("dispatch worker requires a broker and a handler")
	}
	if params.Concurrency < 1 {
		return nil, fmt.Errorf("dispatch worker concurrency must be positive")
	}
	if params.FetchWait <= 0 {
		params.FetchWait = time.Second * 5
	}
	if params.ReconnectDelay <= 0 {
		params.ReconnectDelay = time.Millisecond * 500
	}
	if params.ReconnectMaxDelay < params.ReconnectDelay {
		params.ReconnectMaxDelay = params.ReconnectDelay
	}
	if params.SettleTimeout <= 0 {
		params.SettleTimeout = time.Second * 10
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if metrics == nil {
		metrics = GetWorkerMetrics(nil)
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "worker", "instance": instance,
	}
	return &workerImpl{
		Component: common.Component{LogTags: logTags},
		broker:    broker,
		handler:   handler,
		params:    params,
		clk:       clk,
		metrics:   metrics,
		slots:     semaphore.NewWeighted(int64(params.Concurrency)),
		running:   map[string]chan struct{}{},
	}, nil
}

// Run consume jobs until ctxt is canceled or the broker closes
//
// A slot is held until the handler call returns, including handlers which outlive
// their attempt timeout. Run waits for those as well.
func (w *workerImpl) Run(ctxt context.Context) error {
	log.WithFields(w.LogTags).Infof("Starting with concurrency %d", w.params.Concurrency)
	defer log.WithFields(w.LogTags).Info("Worker stopped")
	// Wait for in-flight attempts before returning
	defer w.wg.Wait()

	for {
		// Block until at least one slot is free, then take all the free ones
		if err := w.slots.Acquire(ctxt, 1); err != nil {
			return nil
		}
		free := 1
		for free < w.params.Concurrency && w.slots.TryAcquire(1) {
			free++
		}

		deliveries, err := w.fetch(ctxt, free)
		if unused := free - len(deliveries); unused > 0 {
			w.slots.Release(int64(unused))
		}
		if err != nil {
			if ctxt.Err() != nil {
				return nil
			}
			log.WithError(err).WithFields(w.LogTags).Error("Stopping consumption")
			return err
		}

		for _, delivery := range deliveries {
			w.wg.Add(1)
			go func(d Delivery) {
				defer w.wg.Done()
				w.process(ctxt, d, releaseOnce(w.slots))
			}(delivery)
		}
	}
}

// fetch read from the broker. While the broker is unreachable consumption pauses
// with a doubling delay and resumes once a fetch succeeds.
func (w *workerImpl) fetch(ctxt context.Context, count int) ([]Delivery, error) {
	var deliveries []Delivery
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			deliveries, err = w.broker.Fetch(ctxt, count, w.params.FetchWait)
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrBrokerClosed) || ctxt.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			w.metrics.fetchFailures.Inc()
			log.WithError(err).WithFields(w.LogTags).Warnf(
				"Broker fetch failed (attempt %d). Pausing consumption", attempt,
			)
		},
		Attempts:    -1,
		Delay:       w.params.ReconnectDelay,
		MaxDelay:    w.params.ReconnectMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.clk,
		Stop:        ctxt.Done(),
	})
	if err != nil {
		if errors.Is(err, ErrBrokerClosed) {
			return nil, ErrBrokerClosed
		}
		return nil, err
	}
	return deliveries, nil
}

// releaseOnce release one slot of slots, at most once
func releaseOnce(slots *semaphore.Weighted) func() {
	once := sync.Once{}
	return func() {
		once.Do(func() { slots.Release(1) })
	}
}

// ErrAttemptStillRunning an earlier attempt of the job has not returned yet
var ErrAttemptStillRunning = errors.New("previous attempt of the job is still running")

// claim register finished as the running attempt of jobID. When another attempt
// holds the job its done channel is returned instead.
func (w *workerImpl) claim(jobID string, finished chan struct{}) <-chan struct{} {
	w.lock.Lock()
	defer w.lock.Unlock()
	if current, ok := w.running[jobID]; ok {
		return current
	}
	w.running[jobID] = finished
	return nil
}

// unclaim drop the claim of jobID made with finished
func (w *workerImpl) unclaim(jobID string, finished chan struct{}) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.running[jobID] == finished {
		delete(w.running, jobID)
	}
}

// waitForClaim claim the job for this attempt. A job still held by an earlier
// attempt is waited on for at most the job timeout.
func (w *workerImpl) waitForClaim(
	ctxt context.Context, job Job, finished chan struct{}, timeout time.Duration,
) error {
	var deadline <-chan time.Time
	for {
		current := w.claim(job.ID, finished)
		if current == nil {
			return nil
		}
		if deadline == nil {
			log.WithFields(w.LogTags).Debugf("Job %s has an attempt still running. Waiting", job.ID)
			deadline = w.clk.After(timeout)
		}
		select {
		case <-current:
		case <-deadline:
			return ErrAttemptStillRunning
		case <-ctxt.Done():
			return ErrAttemptStillRunning
		}
	}
}

// attempt states
const (
	attemptRunning int32 = iota
	attemptReturned
	attemptAbandoned
)

// attemptResult result of running the handler once
type attemptResult struct {
	err error
}

// jobTimeout the attempt timeout of job
func jobTimeout(job Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	return DefaultPolicies().Defaults.Timeout
}

// runHandler run the handler once, bounded by the job timeout. release is called
// once the handler call returns, which may be after runHandler gave up on it.
func (w *workerImpl) runHandler(ctxt context.Context, job Job, release func()) error {
	timeout := jobTimeout(job)
	finished := make(chan struct{})
	if err := w.waitForClaim(ctxt, job, finished, timeout); err != nil {
		release()
		return err
	}

	// The attempt is not interrupted by worker shutdown, only by its own timeout
	attemptCtxt, cancel := context.WithTimeout(context.WithoutCancel(ctxt), timeout)
	defer cancel()

	var state atomic.Int32
	result := make(chan attemptResult, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer release()
		defer close(finished)
		defer w.unclaim(job.ID, finished)
		defer func() {
			if !state.CompareAndSwap(attemptRunning, attemptReturned) {
				w.metrics.abandoned.Dec()
				log.WithFields(w.LogTags).Warnf("Abandoned attempt of job %s returned", job.ID)
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(w.LogTags).Errorf(
					"Handler for job %s panicked: %v\n%s", job.ID, r, debug.Stack(),
				)
				result <- attemptResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result <- attemptResult{err: w.handler.Deliver(attemptCtxt, job)}
	}()

	select {
	case r := <-result:
		return r.err
	case <-attemptCtxt.Done():
		if state.CompareAndSwap(attemptRunning, attemptAbandoned) {
			w.metrics.abandoned.Inc()
		}
		return fmt.Errorf("attempt exceeded timeout %s: %w", timeout, attemptCtxt.Err())
	}
}

// process run one attempt and settle it with the broker
func (w *workerImpl) process(ctxt context.Context, delivery Delivery, release func()) {
	job := delivery.Job()
	logTags := w.Clone()
	logTags["job_id"] = job.ID
	logTags["job_name"] = job.Name
	logTags["attempt"] = delivery.Attempt()

	w.metrics.inflight.Inc()
	defer w.metrics.inflight.Dec()
	start := w.clk.Now()
	attemptErr := w.runHandler(ctxt, job, release)
	w.metrics.attemptLatency.WithLabelValues(job.Name).Observe(w.clk.Now().Sub(start).Seconds())

	settleCtxt, cancel := context.WithTimeout(context.WithoutCancel(ctxt), w.params.SettleTimeout)
	defer cancel()

	if attemptErr == nil {
		if err := delivery.Ack(settleCtxt); err != nil {
			w.metrics.attempts.WithLabelValues(job.Name, outcomeError).Inc()
			log.WithError(err).WithFields(logTags).Error("Unable to ack completed job")
			return
		}
		w.metrics.attempts.WithLabelValues(job.Name, outcomeCompleted).Inc()
		log.WithFields(logTags).Infof("Job %s completed", job.ID)
		return
	}

	status, err := delivery.Nack(settleCtxt, attemptErr)
	if err != nil {
		w.metrics.attempts.WithLabelValues(job.Name, outcomeError).Inc()
		log.WithError(err).WithFields(logTags).Error("Unable to nack failed attempt")
		return
	}
	if status == JobFailed {
		w.metrics.attempts.WithLabelValues(job.Name, outcomeFailed).Inc()
		log.WithError(attemptErr).WithFields(logTags).Errorf(
			"Job %s failed after %d attempts", job.ID, delivery.Attempt(),
		)
		return
	}
	w.metrics.attempts.WithLabelValues(job.Name, outcomeRetry).Inc()
	log.WithError(attemptErr).WithFields(logTags).Warnf(
		"Job %s attempt %d failed. Retry in %s",
		job.ID, delivery.Attempt(), job.Retry.Delay(delivery.Attempt()),
	)
}
