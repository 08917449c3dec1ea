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

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
	"github.com/juju/clock"
)

// MemoryStore in-process EntityStore and ChangeSource. Used for development and
// tests.
type MemoryStore struct {
	common.Component
	lock            sync.Mutex
	clk             clock.Clock
	order           []string
	entities        map[string]TrackedEntity
	subscribers     map[int]ChangeHandler
	nextSubscriber  int
	changeSupported bool
	listErr         error
}

// NewMemoryStore define a new MemoryStore
func NewMemoryStore(instance string, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{
		Component: common.Component{LogTags: log.Fields{
			"module": "fleet", "component": "memory-store", "instance": instance,
		}},
		clk:             clk,
		entities:        map[string]TrackedEntity{},
		subscribers:     map[int]ChangeHandler{},
		changeSupported: true,
	}
}

// SetChangeSupport toggle whether Subscribe delivers events. Affects new
// subscriptions only.
func (s *MemoryStore) SetChangeSupport(supported bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.changeSupported = supported
}

// SetListError make ListTracked fail with err until cleared with nil
func (s *MemoryStore) SetListError(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listErr = err
}

// Upsert insert or replace an entity and notify subscribers
func (s *MemoryStore) Upsert(entity TrackedEntity) error {
	return s.write(entity, ChangeReplace)
}

func (s *MemoryStore) write(entity TrackedEntity, operation ChangeOperation) error {
	if entity.ID == "" {
		return fmt.Errorf("entity has no ID")
	}
	s.lock.Lock()
	if _, ok := s.entities[entity.ID]; !ok {
		s.order = append(s.order, entity.ID)
	}
	entity.UpdatedAt = s.clk.Now()
	s.entities[entity.ID] = entity
	handlers := make([]ChangeHandler, 0, len(s.subscribers))
	for _, handler := range s.subscribers {
		handlers = append(handlers, handler)
	}
	s.lock.Unlock()

	event := ChangeEvent{Operation: operation, EntityID: entity.ID, At: entity.UpdatedAt}
	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

// SetDutyStatus change the duty status of an existing entity and notify subscribers
func (s *MemoryStore) SetDutyStatus(id string, status DutyStatus) error {
	s.lock.Lock()
	entity, ok := s.entities[id]
	s.lock.Unlock()
	if !ok {
		return fmt.Errorf("entity %s unknown", id)
	}
	entity.DutyStatus = status
	return s.write(entity, ChangeUpdate)
}

// ListTracked list the active drivers matching the filter, in insertion order
func (s *MemoryStore) ListTracked(ctxt context.Context, filter Filter) ([]TrackedEntity, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	result := []TrackedEntity{}
	for _, id := range s.order {
		entity := s.entities[id]
		if filter.Matches(entity) {
			result = append(result, entity)
		}
	}
	return result, nil
}

// SubscriberCount number of active subscriptions
func (s *MemoryStore) SubscriberCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.subscribers)
}

// Subscribe register for change events
func (s *MemoryStore) Subscribe(handler ChangeHandler) Subscription {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.changeSupported {
		log.WithFields(s.LogTags).Warn("Change notification not supported. Live updates disabled")
		return NoopSubscription{}
	}
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = handler
	return &memorySubscription{store: s, id: id}
}

// memorySubscription Subscription on a MemoryStore
type memorySubscription struct {
	store *MemoryStore
	id    int
}

// Unsubscribe remove the handler
func (m *memorySubscription) Unsubscribe() {
	m.store.lock.Lock()
	defer m.store.lock.Unlock()
	delete(m.store.subscribers, m.id)
}

// Live always true
func (m *memorySubscription) Live() bool {
	return true
}
