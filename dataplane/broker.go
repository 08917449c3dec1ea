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

// Package dataplane carries dispatch jobs over NATS JetStream.
package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/apex/log"
	"github.com/juju/clock"
	"github.com/nats-io/nats.go"
)

// publishTimeout bounds one publish when the caller's context has no deadline
const publishTimeout = time.Second * 5

// msgToString helper function for standardizing the printing of nats.Msg
func msgToString(msg *nats.Msg) string {
	if meta, err := msg.Metadata(); err == nil {
		return fmt.Sprintf(
			"%s@%s:MSG[S:%d C:%d D:%d]",
			meta.Consumer,
			meta.Stream,
			meta.Sequence.Stream,
			meta.Sequence.Consumer,
			meta.NumDelivered,
		)
	}
	return msg.Subject
}

// JetStreamBroker dispatch.Broker persisted in JetStream.
//
// Pending jobs live in a work-queue stream read through one durable pull consumer
// shared by every worker. Finished jobs are written as records to the completed and
// failed streams, whose limits enforce the retention policy. Jobs are delivered in
// submission order. Priority is not honored.
type JetStreamBroker struct {
	common.Component
	client *core.NatsClient
	cfg    common.JetStreamBrokerConfig
	clk    clock.Clock

	lock   sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// GetJetStreamBroker define a new JetStreamBroker. The streams and the consumer must
// already exist.
func GetJetStreamBroker(
	client *core.NatsClient, cfg common.JetStreamBrokerConfig, clk clock.Clock, instance string,
) (*JetStreamBroker, error) {
	if client == nil {
		return nil, fmt.Errorf("JetStream broker requires a NATS client")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "js-broker", "instance": instance,
	}
	return &JetStreamBroker{
		Component: common.Component{LogTags: logTags},
		client:    client,
		cfg:       cfg,
		clk:       clk,
	}, nil
}

// publish send one message and wait for the server ACK
func (b *JetStreamBroker) publish(
	ctxt context.Context, subject string, msg []byte, opts ...nats.PubOpt,
) (*nats.PubAck, error) {
	if _, ok := ctxt.Deadline(); !ok {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, publishTimeout)
		defer cancel()
	}
	ack, err := b.client.JetStream().PublishAsync(subject, msg, opts...)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to send message on %s", subject)
		return nil, err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			return nil, fmt.Errorf("reading nats.PubAckFuture OK channel failure")
		}
		log.WithFields(b.LogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return goodSig, nil
	case txErr, ok := <-ack.Err():
		if !ok {
			return nil, fmt.Errorf("reading nats.PubAckFuture error channel failure")
		}
		return nil, txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(b.LogTags).Errorf("Message send on %s timed out", subject)
		return nil, err
	}
}

// isClosed whether the broker or its connection is closed
func (b *JetStreamBroker) isClosed() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.closed || b.client.NATs().IsClosed()
}

// Enqueue durably record a job. A job ID seen within the duplicate window is dropped
// by the server.
func (b *JetStreamBroker) Enqueue(ctxt context.Context, job dispatch.Job) (dispatch.Job, bool, error) {
	if job.ID == "" {
		return dispatch.Job{}, false, fmt.Errorf("job has no ID")
	}
	if b.isClosed() {
		return dispatch.Job{}, false, dispatch.ErrBrokerClosed
	}
	job.Status = dispatch.JobQueued
	job.Attempts = 0
	if job.Timeout <= 0 {
		job.Timeout = dispatch.DefaultPolicies().Defaults.Timeout
	}
	if job.Retry.MaxAttempts < 1 {
		job.Retry.MaxAttempts = 1
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = b.clk.Now()
	}
	encoded, err := json.Marshal(&job)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to encode job %s", job.ID)
		return dispatch.Job{}, false, err
	}
	ack, err := b.publish(ctxt, b.cfg.JobSubject, encoded, nats.MsgId(job.ID))
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to enqueue job %s", job.ID)
		return dispatch.Job{}, false, err
	}
	if ack.Duplicate {
		log.WithFields(b.LogTags).Debugf("Job %s already known", job.ID)
	}
	return job, ack.Duplicate, nil
}

// subscription get the pull subscription, binding it on first use
func (b *JetStreamBroker) subscription() (*nats.Subscription, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, dispatch.ErrBrokerClosed
	}
	if b.sub != nil {
		return b.sub, nil
	}
	sub, err := b.client.JetStream().PullSubscribe(
		b.cfg.JobSubject, b.cfg.Consumer, nats.Bind(b.cfg.JobStream, b.cfg.Consumer),
	)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to bind to consumer %s of %s", b.cfg.Consumer, b.cfg.JobStream,
		)
		return nil, err
	}
	b.sub = sub
	return sub, nil
}

// Fetch reserve up to max jobs, waiting at most wait for one to arrive
func (b *JetStreamBroker) Fetch(ctxt context.Context, max int, wait time.Duration) ([]dispatch.Delivery, error) {
	if max < 1 {
		return nil, fmt.Errorf("fetch size must be positive")
	}
	sub, err := b.subscription()
	if err != nil {
		return nil, err
	}
	fetchCtxt, cancel := context.WithTimeout(ctxt, wait)
	defer cancel()
	msgs, err := sub.Fetch(max, nats.Context(fetchCtxt))
	if err != nil {
		switch {
		case ctxt.Err() != nil:
			return nil, ctxt.Err()
		case b.isClosed() || errors.Is(err, nats.ErrConnectionClosed):
			return nil, dispatch.ErrBrokerClosed
		case errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
			return nil, nil
		}
		log.WithError(err).WithFields(b.LogTags).Error("Job fetch failed")
		return nil, err
	}

	result := make([]dispatch.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		delivery, err := b.toDelivery(ctxt, msg)
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Dropping %s", msgToString(msg))
			continue
		}
		if delivery != nil {
			result = append(result, delivery)
		}
	}
	return result, nil
}

// toDelivery convert a fetched message. Returns nil when the message was settled
// without being handed to a worker.
func (b *JetStreamBroker) toDelivery(ctxt context.Context, msg *nats.Msg) (dispatch.Delivery, error) {
	var job dispatch.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		// Undecodable content can never succeed
		if termErr := msg.Term(); termErr != nil {
			return nil, termErr
		}
		return nil, err
	}
	meta, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	delivery := &jetStreamDelivery{
		broker: b, msg: msg, job: job, attempt: int(meta.NumDelivered),
	}
	delivery.job.Attempts = delivery.attempt
	delivery.job.Status = dispatch.JobActive

	// The last allowed attempt was delivered but never settled
	if delivery.attempt > job.Retry.MaxAttempts {
		log.WithFields(b.LogTags).Warnf(
			"Job %s attempt %d stalled past %s", job.ID, job.Retry.MaxAttempts, job.Timeout,
		)
		delivery.job.Attempts = job.Retry.MaxAttempts
		_, err := delivery.fail(ctxt, fmt.Errorf("attempt stalled past %s", job.Timeout))
		return nil, err
	}
	return delivery, nil
}

// Failed list terminally failed jobs, newest first. limit <= 0 lists all retained.
func (b *JetStreamBroker) Failed(ctxt context.Context, limit int) ([]dispatch.Job, error) {
	if b.isClosed() {
		return nil, dispatch.ErrBrokerClosed
	}
	info, err := b.client.JetStream().StreamInfo(b.cfg.FailedStream, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to get stream %s info", b.cfg.FailedStream,
		)
		return nil, err
	}
	result := []dispatch.Job{}
	if info.State.Msgs == 0 {
		return result, nil
	}
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0; seq-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		raw, err := b.client.JetStream().GetMsg(b.cfg.FailedStream, seq, nats.Context(ctxt))
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				continue
			}
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to read failed record %d", seq,
			)
			return nil, err
		}
		var job dispatch.Job
		if err := json.Unmarshal(raw.Data, &job); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Skipping bad failed record %d", seq)
			continue
		}
		result = append(result, job)
	}
	return result, nil
}

// Close release the broker. The NATS client is left open.
func (b *JetStreamBroker) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.sub != nil && b.sub.IsValid() {
		if err := b.sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Unsubscribe failed")
			return err
		}
	}
	return nil
}

// writeRecord write a finished job to its record stream
func (b *JetStreamBroker) writeRecord(ctxt context.Context, job dispatch.Job) error {
	subject := b.cfg.CompletedSubject
	if job.Status == dispatch.JobFailed {
		subject = b.cfg.FailedSubject
	}
	encoded, err := json.Marshal(&job)
	if err != nil {
		return err
	}
	_, err = b.publish(ctxt, subject, encoded, nats.MsgId(fmt.Sprintf("%s:%s", job.ID, job.Status)))
	return err
}

// jetStreamDelivery Delivery from a JetStreamBroker
type jetStreamDelivery struct {
	broker  *JetStreamBroker
	msg     *nats.Msg
	job     dispatch.Job
	attempt int
}

func (d *jetStreamDelivery) Job() dispatch.Job {
	return d.job
}

func (d *jetStreamDelivery) Attempt() int {
	return d.attempt
}

func (d *jetStreamDelivery) Ack(ctxt context.Context) error {
	if err := d.msg.AckSync(nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(d.broker.LogTags).Errorf("ACK of %s failed", msgToString(d.msg))
		return fmt.Errorf("%w: %s", dispatch.ErrDeliveryExpired, err.Error())
	}
	record := d.job
	record.Status = dispatch.JobCompleted
	record.FinishedAt = d.broker.clk.Now()
	record.NextAttemptAt = time.Time{}
	record.LastError = ""
	// The job itself is settled. A lost record only shortens the history.
	if err := d.broker.writeRecord(ctxt, record); err != nil {
		log.WithError(err).WithFields(d.broker.LogTags).Errorf(
			"Unable to record completion of job %s", d.job.ID,
		)
	}
	return nil
}

func (d *jetStreamDelivery) Nack(ctxt context.Context, cause error) (dispatch.JobStatus, error) {
	if d.job.Retry.Exhausted(d.attempt) || dispatch.IsTerminal(cause) {
		return d.fail(ctxt, cause)
	}
	delay := d.job.Retry.Delay(d.attempt)
	if err := d.msg.NakWithDelay(delay); err != nil {
		log.WithError(err).WithFields(d.broker.LogTags).Errorf("NAK of %s failed", msgToString(d.msg))
		return "", err
	}
	return dispatch.JobQueued, nil
}

// fail record the job as failed, then drop it from the work queue. Until the
// record is written the message stays pending and is redelivered.
func (d *jetStreamDelivery) fail(ctxt context.Context, cause error) (dispatch.JobStatus, error) {
	record := d.job
	record.Status = dispatch.JobFailed
	record.FinishedAt = d.broker.clk.Now()
	record.NextAttemptAt = time.Time{}
	if cause != nil {
		record.LastError = cause.Error()
	}
	if err := d.broker.writeRecord(ctxt, record); err != nil {
		log.WithError(err).WithFields(d.broker.LogTags).Errorf(
			"Unable to record failure of job %s", d.job.ID,
		)
		return "", err
	}
	if err := d.msg.Term(); err != nil {
		log.WithError(err).WithFields(d.broker.LogTags).Errorf("TERM of %s failed", msgToString(d.msg))
		return "", err
	}
	return dispatch.JobFailed, nil
}
