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

// Package testutil holds helpers shared by package tests
package testutil

import (
	"testing"
	"time"

	"github.com/alwitt/fleetcast/core"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// RunJetStreamServer start an in-process NATS server with JetStream enabled. The
// server is shut down when the test completes.
func RunJetStreamServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("unable to define NATS server: %s", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(time.Second * 10) {
		srv.Shutdown()
		t.Fatal("NATS server did not become ready")
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

// ConnectJetStream connect a client to the test server
func ConnectJetStream(t *testing.T, srv *server.Server) *core.NatsClient {
	t.Helper()
	logTags := log.Fields{"module": "testutil", "component": "nats", "instance": t.Name()}
	client, err := core.GetJetStream(core.NATSConnectParams{
		ServerURI:           srv.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
	})
	if err != nil {
		t.Fatalf("unable to connect to NATS server: %s", err)
	}
	return client
}
