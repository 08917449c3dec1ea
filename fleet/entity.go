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

// Package fleet models the tracked drivers and the status-grouped view pushed to
// dashboard clients.
package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DutyStatus duty status of a tracked driver
type DutyStatus string

const (
	// DutyOffline driver is off duty
	DutyOffline DutyStatus = "OFFLINE"
	// DutyTracking driver is sharing location but not taking trips
	DutyTracking DutyStatus = "TRACKING"
	// DutyOnline driver is on duty
	DutyOnline DutyStatus = "ONLINE"
)

// KnownDutyStatuses statuses always present in a StateGroup
var KnownDutyStatuses = []DutyStatus{DutyOffline, DutyTracking, DutyOnline}

// TrackedEntity one tracked driver as read from the store
type TrackedEntity struct {
	ID          string
	FirstName   string
	LastName    string
	Phone       string
	CountryCode string
	Picture     string
	// DutyStatus may be empty, which counts as OFFLINE
	DutyStatus DutyStatus
	// Location is [lng, lat]. Nil when never reported; shown as [0, 0].
	Location []float64
	// Active only active drivers are tracked
	Active    bool
	UpdatedAt time.Time
}

// FullName display name of the driver
func (e TrackedEntity) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// EffectiveStatus the status used for grouping
func (e TrackedEntity) EffectiveStatus() DutyStatus {
	if e.DutyStatus == "" {
		return DutyOffline
	}
	return e.DutyStatus
}

// EntityView projected client view of one driver
type EntityView struct {
	ID          string     `json:"id"`
	FullName    string     `json:"fullname"`
	Phone       string     `json:"phone"`
	CountryCode string     `json:"country_code"`
	Picture     string     `json:"picture"`
	DutyStatus  DutyStatus `json:"duty_status"`
	Location    []float64  `json:"location"`
}

// View project the entity to its client view
func (e TrackedEntity) View() EntityView {
	location := e.Location
	if len(location) != 2 {
		location = []float64{0, 0}
	}
	return EntityView{
		ID:          e.ID,
		FullName:    e.FullName(),
		Phone:       e.Phone,
		CountryCode: e.CountryCode,
		Picture:     e.Picture,
		DutyStatus:  e.EffectiveStatus(),
		Location:    location,
	}
}

// StateGroup entity views keyed by duty status
type StateGroup map[DutyStatus][]EntityView

// Size total number of entities across all groups
func (g StateGroup) Size() int {
	total := 0
	for _, views := range g {
		total += len(views)
	}
	return total
}

// Filter restricts the tracked entities a client is interested in
type Filter struct {
	// Search case-insensitive text matched against first and last name
	Search string `json:"search,omitempty"`
	// DutyStatus if set only entities in this status are returned
	DutyStatus DutyStatus `json:"duty_status,omitempty"`
	// SearchPhone whether Search also matches the phone number
	SearchPhone bool `json:"search_phone,omitempty"`
}

// Key canonical form of the filter. Connections with equal keys share snapshots.
func (f Filter) Key() string {
	return fmt.Sprintf(
		"%s|%s|%t", strings.ToLower(strings.TrimSpace(f.Search)), f.DutyStatus, f.SearchPhone,
	)
}

// Matches whether the entity passes the filter. Stores without a native query
// language use this.
func (f Filter) Matches(e TrackedEntity) bool {
	if !e.Active {
		return false
	}
	if f.DutyStatus != "" && e.EffectiveStatus() != f.DutyStatus {
		return false
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	if search == "" {
		return true
	}
	if f.SearchPhone && strings.Contains(strings.ToLower(e.Phone), search) {
		return true
	}
	return strings.Contains(strings.ToLower(e.FirstName), search) ||
		strings.Contains(strings.ToLower(e.LastName), search)
}

// EntityStore read access to the tracked entities
type EntityStore interface {
	// ListTracked list the active drivers matching the filter, in store order
	ListTracked(ctxt context.Context, filter Filter) ([]TrackedEntity, error)
}
