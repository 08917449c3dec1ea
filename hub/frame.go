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
	"encoding/json"
	"fmt"

	"github.com/alwitt/fleetcast/fleet"
)

// FrameType kind of frame sent on a stream
type FrameType string

const (
	// FrameInitial first snapshot of a connection
	FrameInitial FrameType = "initial"
	// FrameUpdate snapshot recomputed after a change
	FrameUpdate FrameType = "update"
	// FrameHeartbeat keep-alive comment
	FrameHeartbeat FrameType = "heartbeat"
)

// heartbeatFrame SSE comment line keeping intermediaries from timing out the stream
var heartbeatFrame = []byte(":heartbeat\n\n")

// SnapshotPayload JSON body of initial and update frames
type SnapshotPayload struct {
	Type   FrameType        `json:"type"`
	Groups fleet.StateGroup `json:"groups"`
	// Degraded set when live updates are unavailable and only the initial snapshot
	// will be sent
	Degraded bool `json:"degraded,omitempty"`
}

// Frame one encoded SSE frame
type Frame struct {
	Type FrameType
	Data []byte
}

// EncodeSnapshot encode a snapshot as an SSE data frame
func EncodeSnapshot(frameType FrameType, groups fleet.StateGroup, degraded bool) (Frame, error) {
	payload, err := json.Marshal(SnapshotPayload{Type: frameType, Groups: groups, Degraded: degraded})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Data: []byte(fmt.Sprintf("data: %s\n\n", payload))}, nil
}

// HeartbeatFrame the keep-alive frame
func HeartbeatFrame() Frame {
	return Frame{Type: FrameHeartbeat, Data: heartbeatFrame}
}
