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

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/fleetcast/fleet"
	"github.com/apex/log"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

// countingAggregator counts snapshot queries. When gate is set the first query
// blocks until gate is closed.
type countingAggregator struct {
	inner   fleet.SnapshotAggregator
	calls   int32
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (a *countingAggregator) Snapshot(ctxt context.Context, filter fleet.Filter) (fleet.StateGroup, error) {
	if atomic.AddInt32(&a.calls, 1) == 1 && a.gate != nil {
		a.once.Do(func() { close(a.started) })
		select {
		case <-a.gate:
		case <-ctxt.Done():
			return nil, ctxt.Err()
		}
	}
	return a.inner.Snapshot(ctxt, filter)
}

func (a *countingAggregator) Calls() int {
	return int(atomic.LoadInt32(&a.calls))
}

func seedStore(t *testing.T, store *fleet.MemoryStore) {
	drivers := []fleet.TrackedEntity{
		{ID: "d1", FirstName: "Asha", LastName: "Rao", DutyStatus: fleet.DutyOnline, Active: true,
			Location: []float64{77.59, 12.97}},
		{ID: "d2", FirstName: "Ravi", LastName: "Kumar", DutyStatus: fleet.DutyOffline, Active: true},
		{ID: "d3", FirstName: "Meena", LastName: "Shah", DutyStatus: fleet.DutyTracking, Active: true},
		{ID: "d4", FirstName: "Bala", LastName: "Das", DutyStatus: fleet.DutyOnline, Active: false},
		{ID: "d5", FirstName: "Kiran", LastName: "Rao", Active: true},
	}
	for _, driver := range drivers {
		assert.Nil(t, store.Upsert(driver))
	}
}

type testHub struct {
	hub        *streamHubImpl
	store      *fleet.MemoryStore
	aggregator *countingAggregator
	clk        *testclock.Clock
}

func newTestHub(t *testing.T, params StreamHubParams, gated bool, liveChanges bool) testHub {
	store := fleet.NewMemoryStore("ut-hub", nil)
	store.SetChangeSupport(liveChanges)
	seedStore(t, store)
	inner, err := fleet.GetSnapshotAggregator(store, "ut-hub")
	assert.Nil(t, err)
	aggregator := &countingAggregator{inner: inner}
	if gated {
		aggregator.gate = make(chan struct{})
		aggregator.started = make(chan struct{})
	}
	clk := testclock.NewClock(time.Now())
	uut, err := GetStreamHub(
		aggregator, store, params, clk, GetMetrics(prometheus.NewRegistry()), "ut-hub",
	)
	assert.Nil(t, err)
	assert.Nil(t, uut.Start())
	return testHub{hub: uut.(*streamHubImpl), store: store, aggregator: aggregator, clk: clk}
}

func readFrame(t *testing.T, conn Connection, timeout time.Duration) (Frame, bool) {
	select {
	case frame, ok := <-conn.Frames():
		return frame, ok
	case <-time.After(timeout):
		assert.Fail(t, "timed out waiting for frame")
		return Frame{}, false
	}
}

func decodeFrame(t *testing.T, frame Frame) SnapshotPayload {
	assert.True(t, bytes.HasPrefix(frame.Data, []byte("data: ")))
	assert.True(t, bytes.HasSuffix(frame.Data, []byte("\n\n")))
	body := bytes.TrimSuffix(bytes.TrimPrefix(frame.Data, []byte("data: ")), []byte("\n\n"))
	var payload SnapshotPayload
	assert.Nil(t, json.Unmarshal(body, &payload))
	return payload
}

func viewIDs(views []fleet.EntityView) []string {
	ids := []string{}
	for _, view := range views {
		ids = append(ids, view.ID)
	}
	return ids
}

func expectNoFrame(t *testing.T, conn Connection, wait time.Duration) {
	select {
	case frame, ok := <-conn.Frames():
		if ok {
			assert.Failf(t, "unexpected frame", "%s", frame.Data)
		}
	case <-time.After(wait):
	}
}

func TestFrameEncoding(t *testing.T) {
	assert := assert.New(t)

	groups := fleet.GroupByStatus(nil)
	frame, err := EncodeSnapshot(FrameInitial, groups, false)
	assert.Nil(err)
	assert.Equal(
		`data: {"type":"initial","groups":{"OFFLINE":[],"ONLINE":[],"TRACKING":[]}}`+"\n\n",
		string(frame.Data),
	)

	frame, err = EncodeSnapshot(FrameUpdate, groups, true)
	assert.Nil(err)
	assert.Contains(string(frame.Data), `"degraded":true`)
	assert.Equal(FrameUpdate, frame.Type)

	assert.Equal(":heartbeat\n\n", string(HeartbeatFrame().Data))
}

func TestInitialSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tc := newTestHub(t, StreamHubParams{}, false, true)
	defer func() {
		assert.Nil(tc.hub.Stop())
	}()
	assert.False(tc.hub.Degraded())

	// Case 0: everything
	{
		conn, err := tc.hub.Connect(context.Background(), fleet.Filter{})
		assert.Nil(err)
		frame, ok := readFrame(t, conn, time.Second)
		assert.True(ok)
		assert.Equal(FrameInitial, frame.Type)
		payload := decodeFrame(t, frame)
		assert.Equal(FrameInitial, payload.Type)
		assert.False(payload.Degraded)
		assert.Equal([]string{"d1"}, viewIDs(payload.Groups[fleet.DutyOnline]))
		assert.Equal([]string{"d2", "d5"}, viewIDs(payload.Groups[fleet.DutyOffline]))
		assert.Equal([]string{"d3"}, viewIDs(payload.Groups[fleet.DutyTracking]))
		assert.Equal(4, payload.Groups.Size())
		assert.Equal([]float64{77.59, 12.97}, payload.Groups[fleet.DutyOnline][0].Location)
		conn.Close()
	}

	// Case 1: filtered by name
	{
		conn, err := tc.hub.Connect(context.Background(), fleet.Filter{Search: "RAO"})
		assert.Nil(err)
		frame, ok := readFrame(t, conn, time.Second)
		assert.True(ok)
		payload := decodeFrame(t, frame)
		assert.Equal([]string{"d1"}, viewIDs(payload.Groups[fleet.DutyOnline]))
		assert.Equal([]string{"d5"}, viewIDs(payload.Groups[fleet.DutyOffline]))
		assert.Empty(payload.Groups[fleet.DutyTracking])
		_, present := payload.Groups[fleet.DutyTracking]
		assert.True(present)
		assert.Equal(1, tc.hub.ConnectionCount())
		conn.Close()
		assert.Equal(0, tc.hub.ConnectionCount())
	}
}

func TestChangeFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tc := newTestHub(t, StreamHubParams{}, false, true)
	defer func() {
		assert.Nil(tc.hub.Stop())
	}()

	connA, err := tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.Nil(err)
	connB, err := tc.hub.Connect(context.Background(), fleet.Filter{Search: " "})
	assert.Nil(err)
	connC, err := tc.hub.Connect(context.Background(), fleet.Filter{Search: "asha"})
	assert.Nil(err)
	for _, conn := range []Connection{connA, connB, connC} {
		frame, ok := readFrame(t, conn, time.Second)
		assert.True(ok)
		assert.Equal(FrameInitial, frame.Type)
	}
	assert.Equal(3, tc.aggregator.Calls())

	// ONLINE -> OFFLINE reaches every matching connection in one cycle
	assert.Nil(tc.store.SetDutyStatus("d1", fleet.DutyOffline))
	for _, conn := range []Connection{connA, connB, connC} {
		frame, ok := readFrame(t, conn, time.Second)
		assert.True(ok)
		payload := decodeFrame(t, frame)
		assert.Equal(FrameUpdate, payload.Type)
		assert.Empty(payload.Groups[fleet.DutyOnline])
		assert.Contains(viewIDs(payload.Groups[fleet.DutyOffline]), "d1")
	}
	// connA and connB share one filter, so one query each for two filters
	assert.Equal(5, tc.aggregator.Calls())

	connA.Close()
	connB.Close()
	connC.Close()
	assert.Equal(0, tc.hub.ConnectionCount())
}

func TestHeartbeats(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	interval := time.Second * 30
	tc := newTestHub(t, StreamHubParams{HeartbeatInterval: interval}, false, true)
	defer func() {
		assert.Nil(tc.hub.Stop())
	}()

	conn, err := tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.Nil(err)
	frame, ok := readFrame(t, conn, time.Second)
	assert.True(ok)
	assert.Equal(FrameInitial, frame.Type)

	// Case 0: heartbeats at the interval with no state change
	for itr := 0; itr < 3; itr++ {
		assert.Nil(tc.clk.WaitAdvance(interval, time.Second, 1))
		frame, ok := readFrame(t, conn, time.Second)
		assert.True(ok)
		assert.Equal(FrameHeartbeat, frame.Type)
		assert.Equal(":heartbeat\n\n", string(frame.Data))
	}

	// Case 1: nothing before the interval elapses
	{
		assert.Nil(tc.clk.WaitAdvance(interval/2, time.Second, 1))
		expectNoFrame(t, conn, time.Millisecond*100)
	}

	// Case 2: disconnect stops the heartbeat
	{
		conn.Close()
		_, ok := <-conn.Frames()
		assert.False(ok)
		tc.clk.Advance(interval * 2)
		assert.Equal(0, tc.hub.ConnectionCount())
		_, ok = <-conn.Frames()
		assert.False(ok)
		// Closing again is harmless
		conn.Close()
	}
}

func TestDegradedWithoutChangeSupport(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tc := newTestHub(t, StreamHubParams{}, false, false)
	defer func() {
		assert.Nil(tc.hub.Stop())
	}()
	assert.True(tc.hub.Degraded())
	assert.Equal(0, tc.store.SubscriberCount())

	conn, err := tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.Nil(err)
	frame, ok := readFrame(t, conn, time.Second)
	assert.True(ok)
	payload := decodeFrame(t, frame)
	assert.Equal(FrameInitial, payload.Type)
	assert.True(payload.Degraded)
	assert.Equal(4, payload.Groups.Size())

	// Changes are not seen
	assert.Nil(tc.store.SetDutyStatus("d1", fleet.DutyOffline))
	expectNoFrame(t, conn, time.Millisecond*100)
}

func TestChangeWhileConnecting(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tc := newTestHub(t, StreamHubParams{}, true, true)
	defer func() {
		assert.Nil(tc.hub.Stop())
	}()

	conn, err := tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.Nil(err)
	select {
	case <-tc.aggregator.started:
	case <-time.After(time.Second):
		assert.Fail("initial query did not start")
	}
	// The change notice is queued before the initial result
	assert.Nil(tc.store.SetDutyStatus("d3", fleet.DutyOnline))
	close(tc.aggregator.gate)

	frame, ok := readFrame(t, conn, time.Second)
	assert.True(ok)
	assert.Equal(FrameInitial, frame.Type)
	frame, ok = readFrame(t, conn, time.Second)
	assert.True(ok)
	assert.Equal(FrameUpdate, frame.Type)
	payload := decodeFrame(t, frame)
	assert.Equal([]string{"d1", "d3"}, viewIDs(payload.Groups[fleet.DutyOnline]))
	conn.Close()
}

func TestSlowConsumerClosed(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	interval := time.Second * 10
	tc := newTestHub(t, StreamHubParams{HeartbeatInterval: interval, FrameBuffer: 1}, false, true)
	defer func() {
		assert.Nil(tc.hub.Stop())
	}()

	slow, err := tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.Nil(err)
	healthy, err := tc.hub.Connect(context.Background(), fleet.Filter{Search: "a"})
	assert.Nil(err)
	_, ok := readFrame(t, healthy, time.Second)
	assert.True(ok)

	// Wait until the slow connection holds its initial frame
	assert.Eventually(func() bool { return len(slow.Frames()) == 1 }, time.Second, time.Millisecond*10)

	assert.Nil(tc.clk.WaitAdvance(interval, time.Second, 2))
	assert.Eventually(func() bool { return tc.hub.ConnectionCount() == 1 }, time.Second, time.Millisecond*10)

	// The healthy connection is not affected
	frame, ok := readFrame(t, healthy, time.Second)
	assert.True(ok)
	assert.Equal(FrameHeartbeat, frame.Type)

	frame, ok = readFrame(t, slow, time.Second)
	assert.True(ok)
	assert.Equal(FrameInitial, frame.Type)
	_, ok = readFrame(t, slow, time.Second)
	assert.False(ok)
	slow.Close()
	healthy.Close()
}

func TestFailedUpdateSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tc := newTestHub(t, StreamHubParams{}, false, true)
	defer func() {
		assert.Nil(tc.hub.Stop())
	}()

	conn, err := tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.Nil(err)
	_, ok := readFrame(t, conn, time.Second)
	assert.True(ok)

	tc.store.SetListError(fmt.Errorf("store unreachable"))
	assert.Nil(tc.store.SetDutyStatus("d2", fleet.DutyOnline))
	expectNoFrame(t, conn, time.Millisecond*100)
	assert.Equal(1, tc.hub.ConnectionCount())

	tc.store.SetListError(nil)
	assert.Nil(tc.store.SetDutyStatus("d2", fleet.DutyTracking))
	frame, ok := readFrame(t, conn, time.Second)
	assert.True(ok)
	payload := decodeFrame(t, frame)
	assert.Equal([]string{"d2", "d3"}, viewIDs(payload.Groups[fleet.DutyTracking]))

	// A write failure reported by the writer closes the connection
	conn.Fail(fmt.Errorf("broken pipe"))
	_, ok = <-conn.Frames()
	assert.False(ok)
	assert.Equal(0, tc.hub.ConnectionCount())
}

func TestConnectAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	tc := newTestHub(t, StreamHubParams{}, false, true)
	conn, err := tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.Nil(err)
	assert.Equal(1, tc.store.SubscriberCount())

	assert.Nil(tc.hub.Stop())
	assert.Equal(0, tc.store.SubscriberCount())
	// Stop closes the remaining connections
	for range conn.Frames() {
	}
	conn.Close()

	_, err = tc.hub.Connect(context.Background(), fleet.Filter{})
	assert.ErrorIs(err, ErrHubStopped)
	assert.Nil(tc.hub.Stop())
}
