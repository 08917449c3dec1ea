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

package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/fleetcast/testutil"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestJetStreamClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	srv := testutil.RunJetStreamServer(t)

	// Case 1: connect and use JetStream
	{
		client := testutil.ConnectJetStream(t, srv)
		assert.True(client.Connected())
		_, err := client.JetStream().AddStream(&nats.StreamConfig{
			Name: "UTCORE", Subjects: []string{"ut.core.>"},
		})
		assert.Nil(err)
		ack, err := client.JetStream().Publish("ut.core.hello", []byte("hello"))
		assert.Nil(err)
		assert.Equal("UTCORE", ack.Stream)

		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Close(ctxt)
		assert.False(client.Connected())
	}
}
