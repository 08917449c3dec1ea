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

package dispatch

import (
	"math"
	"time"

	"github.com/alwitt/fleetcast/common"
)

// BackoffType shape of the delay curve between attempts
type BackoffType string

const (
	// BackoffExponential delay doubles after every failed attempt
	BackoffExponential BackoffType = "exponential"
	// BackoffFixed delay stays at the base delay
	BackoffFixed BackoffType = "fixed"
)

// RetryPolicy decides how often and when a failed job is tried again
type RetryPolicy struct {
	// MaxAttempts total number of attempts, the first one included
	MaxAttempts int `json:"max_attempts" validate:"gte=1"`
	// Backoff delay curve
	Backoff BackoffType `json:"backoff" validate:"oneof=exponential fixed"`
	// BaseDelay wait after the first failed attempt
	BaseDelay time.Duration `json:"base_delay"`
	// MaxDelay caps the wait. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// Delay wait before retrying after failed attempt number attempt (1-based).
// With the exponential curve and a 1s base this gives 1s, 2s, 4s, ...
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	if p.Backoff == BackoffExponential {
		scaled := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
		if scaled >= float64(math.MaxInt64) {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(scaled)
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted whether attempt was the final permitted attempt
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// RetentionLimit how long and how many finished job records are kept
type RetentionLimit struct {
	MaxAge   time.Duration `json:"max_age"`
	MaxCount int           `json:"max_count"`
}

// RetentionPolicy retention of completed and failed job records
type RetentionPolicy struct {
	Completed RetentionLimit `json:"completed"`
	Failed    RetentionLimit `json:"failed"`
}

// JobDefaults the policies attached to a new job
type JobDefaults struct {
	Retry     RetryPolicy
	Retention RetentionPolicy
	Timeout   time.Duration
	Priority  int
}

// Policies process wide job defaults plus per job class overrides
type Policies struct {
	Defaults JobDefaults
	Classes  map[string]common.JobClassConfig
}

// GetPolicies build the dispatch policies from config
func GetPolicies(cfg common.DispatchConfig) Policies {
	return Policies{
		Defaults: JobDefaults{
			Retry: RetryPolicy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				Backoff:     BackoffType(cfg.Retry.Backoff),
				BaseDelay:   time.Millisecond * time.Duration(cfg.Retry.BaseDelay),
				MaxDelay:    time.Millisecond * time.Duration(cfg.Retry.MaxDelay),
			},
			Retention: RetentionPolicy{
				Completed: RetentionLimit{
					MaxAge:   time.Second * time.Duration(cfg.Retention.Completed.MaxAge),
					MaxCount: cfg.Retention.Completed.MaxCount,
				},
				Failed: RetentionLimit{
					MaxAge:   time.Second * time.Duration(cfg.Retention.Failed.MaxAge),
					MaxCount: cfg.Retention.Failed.MaxCount,
				},
			},
			Timeout:  time.Second * time.Duration(cfg.Timeout),
			Priority: cfg.Priority,
		},
		Classes: cfg.Classes,
	}
}

// DefaultPolicies the stock dispatch policies: 5 attempts, exponential backoff from
// 1s, 30s attempt ceiling, priority 2, completed records kept 24h / 10000 and
// failed records kept 7d / 10000.
func DefaultPolicies() Policies {
	return Policies{
		Defaults: JobDefaults{
			Retry: RetryPolicy{
				MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: time.Second,
			},
			Retention: RetentionPolicy{
				Completed: RetentionLimit{MaxAge: time.Hour * 24, MaxCount: 10000},
				Failed:    RetentionLimit{MaxAge: time.Hour * 24 * 7, MaxCount: 10000},
			},
			Timeout:  time.Second * 30,
			Priority: 2,
		},
	}
}

// Resolve the policies for a job class. Unknown classes get the defaults.
func (p Policies) Resolve(class string) JobDefaults {
	result := p.Defaults
	override, ok := p.Classes[class]
	if !ok {
		return result
	}
	if override.MaxAttempts > 0 {
		result.Retry.MaxAttempts = override.MaxAttempts
	}
	if override.BaseDelay > 0 {
		result.Retry.BaseDelay = time.Millisecond * time.Duration(override.BaseDelay)
	}
	if override.MaxDelay > 0 {
		result.Retry.MaxDelay = time.Millisecond * time.Duration(override.MaxDelay)
	}
	if override.Timeout > 0 {
		result.Timeout = time.Second * time.Duration(override.Timeout)
	}
	if override.Priority != nil {
		result.Priority = *override.Priority
	}
	return result
}
