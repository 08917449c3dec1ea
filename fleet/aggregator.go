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

	"github.com/alwitt/fleetcast/common"
	"github.com/apex/log"
)

// SnapshotAggregator computes the status-grouped view of tracked entities
type SnapshotAggregator interface {
	// Snapshot query the store and group the matching entities by duty status
	Snapshot(ctxt context.Context, filter Filter) (StateGroup, error)
}

// snapshotAggregatorImpl implements SnapshotAggregator
type snapshotAggregatorImpl struct {
	common.Component
	store EntityStore
}

// GetSnapshotAggregator define a new SnapshotAggregator
func GetSnapshotAggregator(store EntityStore, instance string) (SnapshotAggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot aggregator requires an entity store")
	}
	logTags := log.Fields{
		"module": "fleet", "component": "snapshot-aggregator", "instance": instance,
	}
	return &snapshotAggregatorImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
	}, nil
}

// Snapshot query the store and group the matching entities by duty status
func (a *snapshotAggregatorImpl) Snapshot(ctxt context.Context, filter Filter) (StateGroup, error) {
	entities, err := a.store.ListTracked(ctxt, filter)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf(
			"Unable to list tracked entities for '%s'", filter.Key(),
		)
		return nil, err
	}
	return GroupByStatus(entities), nil
}

// GroupByStatus group entities by effective duty status. Every known status is
// present as a key, unknown statuses get their own key, and store order is kept
// inside each group.
func GroupByStatus(entities []TrackedEntity) StateGroup {
	groups := StateGroup{}
	for _, status := range KnownDutyStatuses {
		groups[status] = []EntityView{}
	}
	for _, entity := range entities {
		status := entity.EffectiveStatus()
		groups[status] = append(groups[status], entity.View())
	}
	return groups
}
