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
	"testing"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/dispatch"
	"github.com/alwitt/fleetcast/testutil"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestJetStreamStreamManagement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	srv := testutil.RunJetStreamServer(t)
	js := testutil.ConnectJetStream(t, srv)
	defer js.Close(utCtxt)

	uut, err := GetJetStreamController(js, "ut-streams")
	assert.Nil(err)

	// Case 0: unknown stream
	{
		_, err := uut.GetStream(utCtxt, "UTMISSING")
		assert.NotNil(err)
		assert.NotNil(uut.DeleteStream(utCtxt, "UTMISSING"))
	}

	// Case 1: invalid parameters
	{
		assert.NotNil(uut.EnsureStream(utCtxt, StreamParam{Name: "ut-bad name"}))
		assert.NotNil(uut.EnsureStream(utCtxt, StreamParam{Name: "UTNOSUBJECT"}))
	}

	// Case 2: create a stream
	{
		maxAge := time.Minute
		assert.Nil(uut.EnsureStream(utCtxt, StreamParam{
			Name:         "UTSTREAM",
			Subjects:     []string{"ut.stream.a"},
			WorkQueue:    true,
			Duplicates:   time.Second * 30,
			StreamLimits: StreamLimits{MaxAge: &maxAge},
		}))
		info, err := uut.GetStream(utCtxt, "UTSTREAM")
		assert.Nil(err)
		assert.Equal(nats.WorkQueuePolicy, info.Config.Retention)
		assert.Equal(time.Second*30, info.Config.Duplicates)
		assert.Equal(maxAge, info.Config.MaxAge)
		assert.Equal([]string{"ut.stream.a"}, info.Config.Subjects)
	}

	// Case 3: update the same stream
	{
		maxMsgs := int64(100)
		assert.Nil(uut.EnsureStream(utCtxt, StreamParam{
			Name:         "UTSTREAM",
			Subjects:     []string{"ut.stream.a", "ut.stream.b"},
			WorkQueue:    true,
			Duplicates:   time.Second * 30,
			StreamLimits: StreamLimits{MaxMsgs: &maxMsgs},
		}))
		info, err := uut.GetStream(utCtxt, "UTSTREAM")
		assert.Nil(err)
		assert.Equal(maxMsgs, info.Config.MaxMsgs)
		assert.Len(info.Config.Subjects, 2)
	}

	// Case 4: retention can not change
	{
		assert.NotNil(uut.EnsureStream(utCtxt, StreamParam{
			Name: "UTSTREAM", Subjects: []string{"ut.stream.a"},
		}))
	}

	// Case 5: delete
	{
		assert.Nil(uut.DeleteStream(utCtxt, "UTSTREAM"))
		_, err := uut.GetStream(utCtxt, "UTSTREAM")
		assert.NotNil(err)
	}
}

func TestJetStreamConsumerManagement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	srv := testutil.RunJetStreamServer(t)
	js := testutil.ConnectJetStream(t, srv)
	defer js.Close(utCtxt)

	uut, err := GetJetStreamController(js, "ut-consumers")
	assert.Nil(err)

	assert.Nil(uut.EnsureStream(utCtxt, StreamParam{
		Name: "UTJOBS", Subjects: []string{"ut.jobs"}, WorkQueue: true,
	}))

	// Case 0: consumer on unknown stream
	{
		assert.NotNil(uut.EnsureConsumer(utCtxt, "UTMISSING", ConsumerParam{
			Name: "ut-worker", AckWait: time.Second, MaxDeliver: -1,
		}))
		_, err := uut.GetConsumer(utCtxt, "UTJOBS", "ut-worker")
		assert.NotNil(err)
	}

	// Case 1: invalid parameters
	{
		assert.NotNil(uut.EnsureConsumer(utCtxt, "UTJOBS", ConsumerParam{Name: "ut-worker"}))
	}

	// Case 2: create
	{
		assert.Nil(uut.EnsureConsumer(utCtxt, "UTJOBS", ConsumerParam{
			Name:          "ut-worker",
			FilterSubject: "ut.jobs",
			AckWait:       time.Second * 10,
			MaxDeliver:    -1,
		}))
		info, err := uut.GetConsumer(utCtxt, "UTJOBS", "ut-worker")
		assert.Nil(err)
		assert.Equal("ut-worker", info.Config.Durable)
		assert.Equal(time.Second*10, info.Config.AckWait)
		assert.Equal(nats.AckExplicitPolicy, info.Config.AckPolicy)
	}

	// Case 3: update
	{
		assert.Nil(uut.EnsureConsumer(utCtxt, "UTJOBS", ConsumerParam{
			Name:          "ut-worker",
			Notes:         "updated",
			FilterSubject: "ut.jobs",
			AckWait:       time.Second * 20,
			MaxDeliver:    -1,
		}))
		info, err := uut.GetConsumer(utCtxt, "UTJOBS", "ut-worker")
		assert.Nil(err)
		assert.Equal(time.Second*20, info.Config.AckWait)
		assert.Equal("updated", info.Config.Description)
	}
}

func TestProvisionDispatchStreams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	srv := testutil.RunJetStreamServer(t)
	js := testutil.ConnectJetStream(t, srv)
	defer js.Close(utCtxt)

	uut, err := GetJetStreamController(js, "ut-provision")
	assert.Nil(err)

	cfg := common.JetStreamBrokerConfig{
		JobStream:        "UTDISPATCHJOBS",
		JobSubject:       "ut.dispatch.jobs",
		CompletedStream:  "UTDISPATCHCOMPLETED",
		CompletedSubject: "ut.dispatch.completed",
		FailedStream:     "UTDISPATCHFAILED",
		FailedSubject:    "ut.dispatch.failed",
		Consumer:         "ut-dispatch",
		DuplicateWindow:  60,
	}
	policies := dispatch.DefaultPolicies()
	policies.Classes = map[string]common.JobClassConfig{"slow": {Timeout: 120}}

	// Case 1: consumer ack wait covers the slowest class
	{
		param := DispatchConsumerParam(cfg, policies)
		assert.Equal(time.Second*120+ackWaitMargin, param.AckWait)
		assert.Equal(-1, param.MaxDeliver)
	}

	// Case 2: provision twice
	for itr := 0; itr < 2; itr++ {
		assert.Nil(ProvisionDispatchStreams(utCtxt, uut, cfg, policies, nil, 3))
	}
	{
		info, err := uut.GetStream(utCtxt, "UTDISPATCHJOBS")
		assert.Nil(err)
		assert.Equal(nats.WorkQueuePolicy, info.Config.Retention)
		assert.Equal(time.Minute, info.Config.Duplicates)

		info, err = uut.GetStream(utCtxt, "UTDISPATCHFAILED")
		assert.Nil(err)
		assert.Equal(nats.LimitsPolicy, info.Config.Retention)
		assert.Equal(policies.Defaults.Retention.Failed.MaxAge, info.Config.MaxAge)
		assert.Equal(int64(policies.Defaults.Retention.Failed.MaxCount), info.Config.MaxMsgs)

		consumer, err := uut.GetConsumer(utCtxt, "UTDISPATCHJOBS", "ut-dispatch")
		assert.Nil(err)
		assert.Equal("ut.dispatch.jobs", consumer.Config.FilterSubject)
	}
}
