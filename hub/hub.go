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

// Package hub maintains the live fleet status streams pushed to dashboard clients.
package hub

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/fleet"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// ErrHubStopped the hub is not accepting connections
var ErrHubStopped = errors.New("stream hub stopped")

// ConnectionState lifecycle state of a stream connection
type ConnectionState string

const (
	// StateConnecting registered, initial snapshot not yet sent
	StateConnecting ConnectionState = "CONNECTING"
	// StateOpen initial snapshot sent, receiving updates and heartbeats
	StateOpen ConnectionState = "OPEN"
	// StateClosed removed from the hub
	StateClosed ConnectionState = "CLOSED"
)

// Connection one client stream
type Connection interface {
	// ID connection ID
	ID() string
	// Filter the filter the client subscribed with
	Filter() fleet.Filter
	// Frames the outbound frames. Closed once the connection is closed.
	Frames() <-chan Frame
	// Close disconnect. Returns once the heartbeat is stopped and the connection
	// left the hub.
	Close()
	// Fail disconnect after the writer failed to deliver a frame
	Fail(err error)
}

// StreamHub live fleet status fan-out
type StreamHub interface {
	// Start subscribe to the change source and start the event loop
	Start() error
	// Connect register a new client stream
	Connect(ctxt context.Context, filter fleet.Filter) (Connection, error)
	// Stop close every connection and stop the hub
	Stop() error
	// Degraded whether live updates are unavailable
	Degraded() bool
	// ConnectionCount number of registered connections
	ConnectionCount() int
}

// StreamHubParams hub tuning parameters
type StreamHubParams struct {
	// HeartbeatInterval interval between keep-alive frames
	HeartbeatInterval time.Duration
	// FrameBuffer frames queued per connection before it counts as a slow consumer
	FrameBuffer int
	// SnapshotTimeout max duration of one snapshot query
	SnapshotTimeout time.Duration
	// TaskBuffer event loop queue length
	TaskBuffer int
}

// connection implements Connection. Fields after createdAt are owned by the event loop.
type connection struct {
	hub       *streamHubImpl
	id        string
	filter    fleet.Filter
	key       string
	frames    chan Frame
	createdAt time.Time
	ctxt      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	state         ConnectionState
	lastHeartbeat time.Time
	// dirty a change arrived while CONNECTING
	dirty bool
	timer common.IntervalTimer
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) Filter() fleet.Filter {
	return c.filter
}

func (c *connection) Frames() <-chan Frame {
	return c.frames
}

func (c *connection) Close() {
	c.hub.disconnect(c, nil)
}

func (c *connection) Fail(err error) {
	c.hub.disconnect(c, err)
}

// filterGroup connections sharing one filter. Update queries are run once per group.
type filterGroup struct {
	key     string
	filter  fleet.Filter
	members map[string]*connection
	// inFlight an update query is running
	inFlight bool
	// rerun changes arrived while the query ran
	rerun      bool
	generation uint64
}

// Event loop tasks

type connectRequest struct {
	conn   *connection
	result chan error
}

type closeRequest struct {
	id    string
	cause error
	done  chan struct{}
}

type changeNotice struct {
	event fleet.ChangeEvent
}

type heartbeatTick struct {
	id string
}

type initialResult struct {
	conn   *connection
	groups fleet.StateGroup
	err    error
}

type updateResult struct {
	group      *filterGroup
	generation uint64
	groups     fleet.StateGroup
	err        error
}

// streamHubImpl implements StreamHub
type streamHubImpl struct {
	common.Component
	aggregator fleet.SnapshotAggregator
	source     fleet.ChangeSource
	params     StreamHubParams
	clk        clock.Clock
	metrics    *Metrics
	processor  common.TaskProcessor

	ctxt         context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      atomic.Bool
	degraded     atomic.Bool
	count        atomic.Int64
	subscription fleet.Subscription
	stopOnce     sync.Once
	stopped      chan struct{}

	// Owned by the event loop
	connections map[string]*connection
	groups      map[string]*filterGroup
}

// GetStreamHub define a new StreamHub. A nil source runs the hub degraded.
func GetStreamHub(
	aggregator fleet.SnapshotAggregator,
	source fleet.ChangeSource,
	params StreamHubParams,
	clk clock.Clock,
	metrics *Metrics,
	instance string,
) (StreamHub, error) {
	if aggregator == nil {
		return nil, fmt.Errorf("stream hub requires a snapshot aggregator")
	}
	if params.HeartbeatInterval <= 0 {
		params.HeartbeatInterval = time.Second * 30
	}
	if params.FrameBuffer < 1 {
		params.FrameBuffer = 32
	}
	if params.SnapshotTimeout <= 0 {
		params.SnapshotTimeout = time.Second * 10
	}
	if params.TaskBuffer < 1 {
		params.TaskBuffer = 64
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if metrics == nil {
		metrics = GetMetrics(nil)
	}
	logTags := log.Fields{
		"module": "hub", "component": "stream-hub", "instance": instance,
	}
	ctxt, cancel := context.WithCancel(context.Background())
	processor, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("%s-loop", instance), params.TaskBuffer, ctxt,
	)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return nil, err
	}
	streamHub := &streamHubImpl{
		Component:   common.Component{LogTags: logTags},
		aggregator:  aggregator,
		source:      source,
		params:      params,
		clk:         clk,
		metrics:     metrics,
		processor:   processor,
		ctxt:        ctxt,
		cancel:      cancel,
		stopped:     make(chan struct{}),
		connections: map[string]*connection{},
		groups:      map[string]*filterGroup{},
	}
	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(connectRequest{}): streamHub.processConnect,
		reflect.TypeOf(closeRequest{}):   streamHub.processClose,
		reflect.TypeOf(changeNotice{}):   streamHub.processChange,
		reflect.TypeOf(heartbeatTick{}):  streamHub.processHeartbeat,
		reflect.TypeOf(initialResult{}):  streamHub.processInitial,
		reflect.TypeOf(updateResult{}):   streamHub.processUpdate,
	}); err != nil {
		cancel()
		return nil, err
	}
	return streamHub, nil
}

// Start subscribe to the change source and start the event loop
func (h *streamHubImpl) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return fmt.Errorf("stream hub already started")
	}
	if err := h.processor.StartEventLoop(&h.wg); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to start event loop")
		return err
	}
	if h.source != nil {
		h.subscription = h.source.Subscribe(h.onChange)
	} else {
		h.subscription = fleet.NoopSubscription{}
	}
	h.degraded.Store(!h.subscription.Live())
	if h.Degraded() {
		log.WithFields(h.LogTags).Warn("Change notification unavailable. Streams get the initial snapshot only")
	}
	log.WithFields(h.LogTags).Info("Stream hub started")
	return nil
}

// Stop close every connection and stop the hub
func (h *streamHubImpl) Stop() error {
	h.stopOnce.Do(func() {
		if h.subscription != nil {
			h.subscription.Unsubscribe()
		}
		_ = h.processor.StopEventLoop()
		h.cancel()
		h.wg.Wait()
		// The event loop is gone, the registry is safe to touch here
		for _, conn := range h.connections {
			h.closeConnection(conn, "hub stopped")
		}
		close(h.stopped)
		log.WithFields(h.LogTags).Info("Stream hub stopped")
	})
	return nil
}

// Degraded whether live updates are unavailable
func (h *streamHubImpl) Degraded() bool {
	return h.degraded.Load()
}

// ConnectionCount number of registered connections
func (h *streamHubImpl) ConnectionCount() int {
	return int(h.count.Load())
}

// Connect register a new client stream
func (h *streamHubImpl) Connect(ctxt context.Context, filter fleet.Filter) (Connection, error) {
	if !h.started.Load() || h.ctxt.Err() != nil {
		return nil, ErrHubStopped
	}
	conn := &connection{
		hub:       h,
		id:        uuid.NewString(),
		filter:    filter,
		key:       filter.Key(),
		frames:    make(chan Frame, h.params.FrameBuffer),
		createdAt: h.clk.Now(),
		state:     StateConnecting,
	}
	conn.ctxt, conn.cancel = context.WithCancel(h.ctxt)
	req := connectRequest{conn: conn, result: make(chan error, 1)}
	if err := h.processor.Submit(ctxt, req); err != nil {
		conn.cancel()
		if h.ctxt.Err() != nil {
			return nil, ErrHubStopped
		}
		return nil, err
	}
	select {
	case err := <-req.result:
		if err != nil {
			return nil, err
		}
		return conn, nil
	case <-ctxt.Done():
		conn.Close()
		return nil, ctxt.Err()
	case <-h.ctxt.Done():
		return nil, ErrHubStopped
	}
}

// disconnect remove a connection through the event loop
func (h *streamHubImpl) disconnect(conn *connection, cause error) {
	conn.closeOnce.Do(func() {
		if cause != nil {
			h.metrics.writeFailures.Inc()
		}
		req := closeRequest{id: conn.id, cause: cause, done: make(chan struct{})}
		if err := h.processor.Submit(context.Background(), req); err != nil {
			// Event loop stopped. Stop cleans up the registry.
			<-h.stopped
			return
		}
		select {
		case <-req.done:
		case <-h.stopped:
		}
	})
}

// onChange change source callback
func (h *streamHubImpl) onChange(event fleet.ChangeEvent) {
	if err := h.processor.Submit(h.ctxt, changeNotice{event: event}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Debugf("Dropped change of %s", event.EntityID)
	}
}

// ========================================================================================
// Event loop

func (h *streamHubImpl) processConnect(param interface{}) error {
	req := param.(connectRequest)
	conn := req.conn
	h.connections[conn.id] = conn
	group, ok := h.groups[conn.key]
	if !ok {
		group = &filterGroup{key: conn.key, filter: conn.filter, members: map[string]*connection{}}
		h.groups[conn.key] = group
	}
	group.members[conn.id] = conn
	h.count.Add(1)
	h.metrics.connections.Inc()

	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("heartbeat-%s", conn.id), conn.ctxt, &h.wg, h.clk,
	)
	if err == nil {
		err = timer.Start(h.params.HeartbeatInterval, func() error {
			if err := h.processor.Submit(conn.ctxt, heartbeatTick{id: conn.id}); err != nil && conn.ctxt.Err() == nil {
				return err
			}
			return nil
		}, false)
	}
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to start heartbeat of %s", conn.id)
		h.closeConnection(conn, "heartbeat failure")
		req.result <- err
		return err
	}
	conn.timer = timer

	log.WithFields(h.LogTags).Debugf("Connection %s registered for '%s'", conn.id, conn.key)
	h.metrics.snapshotQueries.WithLabelValues(string(FrameInitial)).Inc()
	h.query(conn.filter, func(groups fleet.StateGroup, err error) interface{} {
		return initialResult{conn: conn, groups: groups, err: err}
	})
	req.result <- nil
	return nil
}

func (h *streamHubImpl) processClose(param interface{}) error {
	req := param.(closeRequest)
	defer close(req.done)
	conn, ok := h.connections[req.id]
	if !ok {
		return nil
	}
	reason := "client disconnect"
	if req.cause != nil {
		reason = fmt.Sprintf("write failure: %s", req.cause.Error())
	}
	h.closeConnection(conn, reason)
	return nil
}

func (h *streamHubImpl) processChange(param interface{}) error {
	notice := param.(changeNotice)
	log.WithFields(h.LogTags).Debugf(
		"Change (%s) of %s. Refreshing %d filters", notice.event.Operation, notice.event.EntityID, len(h.groups),
	)
	for _, group := range h.groups {
		hasOpen := false
		for _, conn := range group.members {
			switch conn.state {
			case StateConnecting:
				conn.dirty = true
			case StateOpen:
				hasOpen = true
			}
		}
		if hasOpen {
			h.requestUpdate(group)
		}
	}
	return nil
}

func (h *streamHubImpl) processHeartbeat(param interface{}) error {
	tick := param.(heartbeatTick)
	conn, ok := h.connections[tick.id]
	if !ok || conn.state != StateOpen {
		return nil
	}
	conn.lastHeartbeat = h.clk.Now()
	h.push(conn, HeartbeatFrame())
	return nil
}

func (h *streamHubImpl) processInitial(param interface{}) error {
	result := param.(initialResult)
	conn := result.conn
	if current, ok := h.connections[conn.id]; !ok || current != conn || conn.state != StateConnecting {
		return nil
	}
	if result.err != nil {
		h.metrics.snapshotFailures.Inc()
		log.WithError(result.err).WithFields(h.LogTags).Errorf("Initial snapshot of %s failed", conn.id)
		h.closeConnection(conn, "initial snapshot failed")
		return nil
	}
	frame, err := EncodeSnapshot(FrameInitial, result.groups, h.Degraded())
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to encode snapshot of %s", conn.id)
		h.closeConnection(conn, "encode failure")
		return nil
	}
	conn.state = StateOpen
	if !h.push(conn, frame) {
		return nil
	}
	if conn.dirty {
		conn.dirty = false
		if group, ok := h.groups[conn.key]; ok {
			h.requestUpdate(group)
		}
	}
	return nil
}

func (h *streamHubImpl) processUpdate(param interface{}) error {
	result := param.(updateResult)
	group := result.group
	if current, ok := h.groups[group.key]; !ok || current != group {
		// Every member left while the query ran
		return nil
	}
	group.inFlight = false
	switch {
	case result.generation != group.generation:
		log.WithFields(h.LogTags).Debugf("Dropping stale snapshot of '%s'", group.key)
	case result.err != nil:
		h.metrics.snapshotFailures.Inc()
		log.WithError(result.err).WithFields(h.LogTags).Errorf(
			"Snapshot of '%s' failed. Skipping update", group.key,
		)
	default:
		frame, err := EncodeSnapshot(FrameUpdate, result.groups, h.Degraded())
		if err != nil {
			log.WithError(err).WithFields(h.LogTags).Errorf("Unable to encode snapshot of '%s'", group.key)
			break
		}
		for _, conn := range group.members {
			if conn.state == StateOpen {
				h.push(conn, frame)
			}
		}
	}
	if group.rerun {
		group.rerun = false
		h.requestUpdate(group)
	}
	return nil
}

// requestUpdate run an update query for the group, or mark it for a rerun when one
// is already running
func (h *streamHubImpl) requestUpdate(group *filterGroup) {
	if group.inFlight {
		group.rerun = true
		return
	}
	group.inFlight = true
	group.generation++
	generation := group.generation
	h.metrics.snapshotQueries.WithLabelValues(string(FrameUpdate)).Inc()
	h.query(group.filter, func(groups fleet.StateGroup, err error) interface{} {
		return updateResult{group: group, generation: generation, groups: groups, err: err}
	})
}

// query run a snapshot query off the event loop and post the result back to it
func (h *streamHubImpl) query(filter fleet.Filter, toResult func(fleet.StateGroup, error) interface{}) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctxt, cancel := context.WithTimeout(h.ctxt, h.params.SnapshotTimeout)
		groups, err := h.aggregator.Snapshot(ctxt, filter)
		cancel()
		if err := h.processor.Submit(h.ctxt, toResult(groups, err)); err != nil {
			log.WithError(err).WithFields(h.LogTags).Debugf("Dropped snapshot of '%s'", filter.Key())
		}
	}()
}

// push queue a frame without blocking. A connection with a full buffer is closed.
func (h *streamHubImpl) push(conn *connection, frame Frame) bool {
	if conn.state != StateOpen {
		return false
	}
	select {
	case conn.frames <- frame:
		h.metrics.framesSent.WithLabelValues(string(frame.Type)).Inc()
		return true
	default:
		h.metrics.slowConsumers.Inc()
		log.WithFields(h.LogTags).Warnf("Connection %s is not keeping up", conn.id)
		h.closeConnection(conn, "frame buffer full")
		return false
	}
}

// closeConnection stop the heartbeat, drop the connection from the registry and
// close its frame channel
func (h *streamHubImpl) closeConnection(conn *connection, reason string) {
	if conn.state == StateClosed {
		return
	}
	if conn.timer != nil {
		_ = conn.timer.Stop()
	}
	conn.cancel()
	conn.state = StateClosed
	delete(h.connections, conn.id)
	if group, ok := h.groups[conn.key]; ok {
		delete(group.members, conn.id)
		if len(group.members) == 0 {
			delete(h.groups, conn.key)
		}
	}
	close(conn.frames)
	h.count.Add(-1)
	h.metrics.connections.Dec()
	log.WithFields(h.LogTags).Debugf(
		"Connection %s closed after %s (%s)", conn.id, h.clk.Now().Sub(conn.createdAt), reason,
	)
}
