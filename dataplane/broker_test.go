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

package dataplane

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/alwitt/fleetcast/management"
	"github.com/alwitt/fleetcast/testutil"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func testBrokerConfig() common.JetStreamBrokerConfig {
	return common.JetStreamBrokerConfig{
		JobStream:        "UTJOBS",
		JobSubject:       "ut.dispatch.jobs",
		CompletedStream:  "UTCOMPLETED",
		CompletedSubject: "ut.dispatch.completed",
		FailedStream:     "UTFAILED",
		FailedSubject:    "ut.dispatch.failed",
		Consumer:         "ut-workers",
		DuplicateWindow:  60,
	}
}

func setupBroker(t *testing.T, instance string) (*JetStreamBroker, *core.NatsClient) {
	srv := testutil.RunJetStreamServer(t)
	client := testutil.ConnectJetStream(t, srv)
	t.Cleanup(func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Close(ctxt)
	})

	controller, err := management.GetJetStreamController(client, instance)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testBrokerConfig()
	if err := management.ProvisionDispatchStreams(
		context.Background(), controller, cfg, dispatch.DefaultPolicies(), nil, 1,
	); err != nil {
		t.Fatal(err)
	}
	uut, err := GetJetStreamBroker(client, cfg, nil, instance)
	if err != nil {
		t.Fatal(err)
	}
	return uut, client
}

func brokerTestJob(id string, maxAttempts int) dispatch.Job {
	return dispatch.Job{
		ID:        id,
		Name:      "ut-job",
		SubjectID: "user-1",
		Payload:   []byte(`{"hello":"world"}`),
		Retry: dispatch.RetryPolicy{
			MaxAttempts: maxAttempts,
			Backoff:     dispatch.BackoffFixed,
			BaseDelay:   time.Millisecond * 10,
		},
		Timeout:     time.Second * 5,
		SubmittedAt: time.Now(),
	}
}

func streamMsgCount(t *testing.T, client *core.NatsClient, stream string) uint64 {
	info, err := client.JetStream().StreamInfo(stream)
	if err != nil {
		t.Fatal(err)
	}
	return info.State.Msgs
}

func TestJetStreamBrokerDedupAndComplete(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, client := setupBroker(t, "ut-complete")
	defer func() {
		assert.Nil(uut.Close())
	}()

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*30)
	defer utCtxtCancel()

	// Case 1: same job twice
	{
		stored, duplicate, err := uut.Enqueue(utCtxt, brokerTestJob("ut:user-1:1", 3))
		assert.Nil(err)
		assert.False(duplicate)
		assert.Equal(dispatch.JobQueued, stored.Status)
		_, duplicate, err = uut.Enqueue(utCtxt, brokerTestJob("ut:user-1:1", 3))
		assert.Nil(err)
		assert.True(duplicate)
		assert.Equal(uint64(1), streamMsgCount(t, client, "UTJOBS"))
	}

	// Case 2: fetch and complete
	{
		deliveries, err := uut.Fetch(utCtxt, 5, time.Second*2)
		assert.Nil(err)
		assert.Len(deliveries, 1)
		delivery := deliveries[0]
		assert.Equal("ut:user-1:1", delivery.Job().ID)
		assert.Equal(1, delivery.Attempt())
		assert.Equal(dispatch.JobActive, delivery.Job().Status)
		assert.JSONEq(`{"hello":"world"}`, string(delivery.Job().Payload))
		assert.Nil(delivery.Ack(utCtxt))
		assert.Equal(uint64(1), streamMsgCount(t, client, "UTCOMPLETED"))
	}

	// Case 3: nothing left
	{
		deliveries, err := uut.Fetch(utCtxt, 5, time.Millisecond*200)
		assert.Nil(err)
		assert.Empty(deliveries)
		assert.Equal(uint64(0), streamMsgCount(t, client, "UTJOBS"))
	}

	// Case 4: closed broker
	{
		assert.Nil(uut.Close())
		_, err := uut.Fetch(utCtxt, 1, time.Millisecond*100)
		assert.ErrorIs(err, dispatch.ErrBrokerClosed)
		_, _, err = uut.Enqueue(utCtxt, brokerTestJob("ut:user-1:2", 1))
		assert.ErrorIs(err, dispatch.ErrBrokerClosed)
	}
}

func TestJetStreamBrokerRetryUntilFailed(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, client := setupBroker(t, "ut-failed")
	defer func() {
		assert.Nil(uut.Close())
	}()

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*30)
	defer utCtxtCancel()

	_, _, err := uut.Enqueue(utCtxt, brokerTestJob("ut:user-2:1", 3))
	assert.Nil(err)

	// Case 1: every attempt fails
	for attempt := 1; attempt <= 3; attempt++ {
		deliveries, err := uut.Fetch(utCtxt, 1, time.Second*2)
		assert.Nil(err)
		if !assert.Len(deliveries, 1) {
			return
		}
		assert.Equal(attempt, deliveries[0].Attempt())
		status, err := deliveries[0].Nack(utCtxt, fmt.Errorf("gateway down %d", attempt))
		assert.Nil(err)
		if attempt < 3 {
			assert.Equal(dispatch.JobQueued, status)
		} else {
			assert.Equal(dispatch.JobFailed, status)
		}
	}

	// Case 2: failed job is listed and no longer delivered
	{
		failed, err := uut.Failed(utCtxt, 10)
		assert.Nil(err)
		if assert.Len(failed, 1) {
			assert.Equal("ut:user-2:1", failed[0].ID)
			assert.Equal(dispatch.JobFailed, failed[0].Status)
			assert.Equal(3, failed[0].Attempts)
			assert.Equal("gateway down 3", failed[0].LastError)
		}
		deliveries, err := uut.Fetch(utCtxt, 1, time.Millisecond*200)
		assert.Nil(err)
		assert.Empty(deliveries)
		assert.Equal(uint64(0), streamMsgCount(t, client, "UTCOMPLETED"))
	}

	// Case 3: newest failure first
	{
		_, _, err := uut.Enqueue(utCtxt, brokerTestJob("ut:user-3:1", 1))
		assert.Nil(err)
		deliveries, err := uut.Fetch(utCtxt, 1, time.Second*2)
		assert.Nil(err)
		if assert.Len(deliveries, 1) {
			status, err := deliveries[0].Nack(utCtxt, fmt.Errorf("rejected"))
			assert.Nil(err)
			assert.Equal(dispatch.JobFailed, status)
		}
		failed, err := uut.Failed(utCtxt, 0)
		assert.Nil(err)
		if assert.Len(failed, 2) {
			assert.Equal("ut:user-3:1", failed[0].ID)
			assert.Equal("ut:user-2:1", failed[1].ID)
		}
		failed, err = uut.Failed(utCtxt, 1)
		assert.Nil(err)
		assert.Len(failed, 1)
	}

	// Case 4: terminal cause skips the remaining attempts
	{
		_, _, err := uut.Enqueue(utCtxt, brokerTestJob("ut:user-4:1", 5))
		assert.Nil(err)
		deliveries, err := uut.Fetch(utCtxt, 1, time.Second*2)
		assert.Nil(err)
		if assert.Len(deliveries, 1) {
			assert.Equal(1, deliveries[0].Attempt())
			status, err := deliveries[0].Nack(utCtxt, dispatch.Terminal(fmt.Errorf("bad payload")))
			assert.Nil(err)
			assert.Equal(dispatch.JobFailed, status)
		}
		failed, err := uut.Failed(utCtxt, 1)
		assert.Nil(err)
		if assert.Len(failed, 1) {
			assert.Equal("ut:user-4:1", failed[0].ID)
			assert.Equal("bad payload", failed[0].LastError)
		}
		deliveries, err = uut.Fetch(utCtxt, 1, time.Millisecond*200)
		assert.Nil(err)
		assert.Empty(deliveries)
	}
}

func TestJetStreamBrokerWithWorker(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, client := setupBroker(t, "ut-worker")
	defer func() {
		assert.Nil(uut.Close())
	}()

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	var calls atomic.Int32
	handler := dispatch.HandlerFunc(func(ctxt context.Context, job dispatch.Job) error {
		// Every other attempt fails
		if calls.Add(1)%2 == 1 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})
	worker, err := dispatch.GetWorker(
		uut,
		handler,
		dispatch.WorkerParams{
			Concurrency:       1,
			FetchWait:         time.Millisecond * 200,
			ReconnectDelay:    time.Millisecond * 10,
			ReconnectMaxDelay: time.Millisecond * 50,
			SettleTimeout:     time.Second,
		},
		nil,
		dispatch.GetWorkerMetrics(prometheus.NewRegistry()),
		"ut-worker",
	)
	assert.Nil(err)

	queue, err := dispatch.GetQueue(uut, dispatch.DefaultPolicies(), "ut", nil, "ut-worker")
	assert.Nil(err)
	for itr := 0; itr < 3; itr++ {
		_, err := queue.Enqueue(utCtxt, dispatch.Request{
			Name:      "ut-job",
			SubjectID: fmt.Sprintf("user-%d", itr),
			Payload:   map[string]int{"idx": itr},
		})
		assert.Nil(err)
	}

	runResult := make(chan error, 1)
	go func() {
		runResult <- worker.Run(utCtxt)
	}()

	// Default backoff starts at one second
	deadline := time.Now().Add(time.Second * 15)
	for time.Now().Before(deadline) && streamMsgCount(t, client, "UTCOMPLETED") < 3 {
		time.Sleep(time.Millisecond * 50)
	}
	assert.Equal(uint64(3), streamMsgCount(t, client, "UTCOMPLETED"))
	assert.Equal(int32(6), calls.Load())

	utCtxtCancel()
	select {
	case err := <-runResult:
		assert.Nil(err)
	case <-time.After(time.Second * 5):
		assert.Fail("worker did not stop")
	}
}
