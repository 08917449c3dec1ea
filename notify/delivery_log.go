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

package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// DeliveryStatus state of one delivery log entry
type DeliveryStatus string

const (
	// DeliveryPending the gateway has not answered yet
	DeliveryPending DeliveryStatus = "pending"
	// DeliverySent the gateway accepted the message
	DeliverySent DeliveryStatus = "sent"
	// DeliveryFailed the gateway call failed
	DeliveryFailed DeliveryStatus = "failed"
)

// ProviderResponse what the gateway answered
type ProviderResponse struct {
	MessageID       string                 `json:"message_id"`
	RequestID       string                 `json:"request_id"`
	ResponseCode    string                 `json:"response_code"`
	ResponseMessage string                 `json:"response_message"`
	Raw             map[string]interface{} `json:"raw_response,omitempty"`
}

// DeliveryError why a gateway call failed
type DeliveryError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DeliveryRecord one delivery attempt of an SMS
type DeliveryRecord struct {
	ID string `json:"id"`
	// JobID dispatch job the attempt belongs to
	JobID       string                 `json:"job_id"`
	Attempt     int                    `json:"attempt"`
	UserID      string                 `json:"userId,omitempty"`
	DriverID    string                 `json:"driverId,omitempty"`
	BookingID   string                 `json:"bookingId,omitempty"`
	Phone       string                 `json:"phone"`
	CountryCode string                 `json:"country_code"`
	Message     string                 `json:"message"`
	TemplateID  string                 `json:"template_id,omitempty"`
	EventType   EventType              `json:"event_type"`
	Provider    string                 `json:"provider"`
	Status      DeliveryStatus         `json:"status"`
	Response    *ProviderResponse      `json:"provider_response,omitempty"`
	Error       *DeliveryError         `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// DeliveryLog persistent record of SMS delivery attempts
type DeliveryLog interface {
	// Record store a new pending entry, returning its ID
	Record(ctxt context.Context, record DeliveryRecord) (string, error)
	// MarkSent mark an entry as accepted by the gateway
	MarkSent(ctxt context.Context, id string, response ProviderResponse) error
	// MarkFailed mark an entry as failed
	MarkFailed(ctxt context.Context, id string, failure DeliveryError) error
}

// MemoryDeliveryLog in-process DeliveryLog
type MemoryDeliveryLog struct {
	lock    sync.Mutex
	clk     clock.Clock
	records map[string]DeliveryRecord
	order   []string
}

// NewMemoryDeliveryLog define a new MemoryDeliveryLog
func NewMemoryDeliveryLog(clk clock.Clock) *MemoryDeliveryLog {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryDeliveryLog{clk: clk, records: map[string]DeliveryRecord{}}
}

// Record store a new pending entry
func (l *MemoryDeliveryLog) Record(_ context.Context, record DeliveryRecord) (string, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	record.ID = uuid.NewString()
	record.Status = DeliveryPending
	record.CreatedAt = l.clk.Now()
	record.UpdatedAt = record.CreatedAt
	l.records[record.ID] = record
	l.order = append(l.order, record.ID)
	return record.ID, nil
}

func (l *MemoryDeliveryLog) update(id string, mutate func(*DeliveryRecord)) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	record, ok := l.records[id]
	if !ok {
		return fmt.Errorf("delivery record %s not found", id)
	}
	mutate(&record)
	record.UpdatedAt = l.clk.Now()
	l.records[id] = record
	return nil
}

// MarkSent mark an entry as accepted by the gateway
func (l *MemoryDeliveryLog) MarkSent(_ context.Context, id string, response ProviderResponse) error {
	return l.update(id, func(r *DeliveryRecord) {
		r.Status = DeliverySent
		r.Response = &response
	})
}

// MarkFailed mark an entry as failed
func (l *MemoryDeliveryLog) MarkFailed(_ context.Context, id string, failure DeliveryError) error {
	return l.update(id, func(r *DeliveryRecord) {
		r.Status = DeliveryFailed
		r.Error = &failure
	})
}

// Records all entries in creation order
func (l *MemoryDeliveryLog) Records() []DeliveryRecord {
	l.lock.Lock()
	defer l.lock.Unlock()
	result := make([]DeliveryRecord, 0, len(l.order))
	for _, id := range l.order {
		result = append(result, l.records[id])
	}
	return result
}
