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

package fleet

import "time"

// ChangeOperation kind of store mutation
type ChangeOperation string

const (
	// ChangeUpdate partial update of a document
	ChangeUpdate ChangeOperation = "update"
	// ChangeReplace full replacement of a document
	ChangeReplace ChangeOperation = "replace"
)

// ChangeEvent notification that a tracked entity changed. The payload is not used
// for recompute; the aggregator re-reads the store.
type ChangeEvent struct {
	Operation ChangeOperation
	EntityID  string
	At        time.Time
}

// ChangeHandler callback for change events
type ChangeHandler func(ChangeEvent)

// Subscription handle of a change subscription
type Subscription interface {
	// Unsubscribe stop delivering events to the handler. Safe to call more than once.
	Unsubscribe()
	// Live whether events are actually delivered. False when the store does not
	// support change notification.
	Live() bool
}

// ChangeSource source of change events for tracked entities
//
// Subscribe never fails. When the store lacks a change primitive the failure is
// logged and a subscription that never fires is returned.
type ChangeSource interface {
	Subscribe(handler ChangeHandler) Subscription
}

// NoopSubscription subscription which never delivers
type NoopSubscription struct{}

// Unsubscribe no-op
func (NoopSubscription) Unsubscribe() {}

// Live always false
func (NoopSubscription) Live() bool {
	return false
}
