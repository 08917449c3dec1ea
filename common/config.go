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

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// MongoDB Related Config

// MongoCollectionConfig names the collections used
type MongoCollectionConfig struct {
	// Drivers is the collection holding the tracked driver documents
	Drivers string `mapstructure:"drivers" json:"drivers" validate:"required"`
	// SMSLogs is the collection holding SMS delivery records
	SMSLogs string `mapstructure:"sms_logs" json:"sms_logs" validate:"required"`
}

// MongoConfig defines parameters for connecting to MongoDB
type MongoConfig struct {
	// URI is the MongoDB connection URI. The change feed needs a replica set.
	URI string `mapstructure:"uri" json:"-" validate:"required"`
	// Database is the database to operate against
	Database string `mapstructure:"database" json:"database" validate:"required"`
	// DialTimeout is the max duration for connecting in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
	// WatchRetryInterval is the wait before reopening a failed change stream in seconds
	WatchRetryInterval int `mapstructure:"watch_retry_interval_sec" json:"watch_retry_interval_sec" validate:"gte=1"`
	// Collections names the collections used
	Collections MongoCollectionConfig `mapstructure:"collections" json:"collections" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Event streams disable it per request.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// API Server Related Config

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// StreamConfig defines the live fleet stream parameters
type StreamConfig struct {
	// HeartbeatInterval is the interval between keep-alive comments in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// FrameBuffer is the number of frames queued per connection before it is
	// considered too slow and closed
	FrameBuffer int `mapstructure:"frame_buffer" json:"frame_buffer" validate:"gte=1"`
	// SnapshotTimeout is the max duration of one snapshot query in seconds
	SnapshotTimeout int `mapstructure:"snapshot_timeout_sec" json:"snapshot_timeout_sec" validate:"gte=1"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// Stream is the live fleet stream config
	Stream StreamConfig `mapstructure:"stream" json:"stream" validate:"required"`
}

// ===============================================================================
// Dispatch Related Config

// RetryConfig defines the job retry policy
type RetryConfig struct {
	// MaxAttempts is the total number of attempts before a job fails
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
	// Backoff is the backoff curve between attempts
	Backoff string `mapstructure:"backoff" json:"backoff" validate:"oneof=exponential fixed"`
	// BaseDelay is the delay after the first failed attempt in milliseconds
	BaseDelay int `mapstructure:"base_delay_ms" json:"base_delay_ms" validate:"gte=0"`
	// MaxDelay caps the backoff delay in milliseconds. Zero means no cap.
	MaxDelay int `mapstructure:"max_delay_ms" json:"max_delay_ms" validate:"gte=0"`
}

// RetentionLimitConfig defines how long and how many finished job records are kept
type RetentionLimitConfig struct {
	// MaxAge is the max age of a record in seconds
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=1"`
	// MaxCount is the max number of records kept
	MaxCount int `mapstructure:"max_count" json:"max_count" validate:"gte=1"`
}

// RetentionConfig defines the job record retention policy
type RetentionConfig struct {
	Completed RetentionLimitConfig `mapstructure:"completed" json:"completed" validate:"required"`
	Failed    RetentionLimitConfig `mapstructure:"failed" json:"failed" validate:"required"`
}

// JobClassConfig overrides the dispatch defaults for one job class. Zero values
// inherit the default.
type JobClassConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts,omitempty" validate:"gte=0"`
	BaseDelay   int `mapstructure:"base_delay_ms" json:"base_delay_ms,omitempty" validate:"gte=0"`
	MaxDelay    int `mapstructure:"max_delay_ms" json:"max_delay_ms,omitempty" validate:"gte=0"`
	Timeout     int `mapstructure:"timeout_sec" json:"timeout_sec,omitempty" validate:"gte=0"`
	// Priority inherits the default when unset. 0 is the most urgent.
	Priority *int `mapstructure:"priority" json:"priority,omitempty" validate:"omitempty,gte=0"`
}

// JetStreamBrokerConfig defines the JetStream objects backing the dispatch broker
type JetStreamBrokerConfig struct {
	// JobStream is the work-queue stream holding pending jobs
	JobStream string `mapstructure:"job_stream" json:"job_stream" validate:"required,alphanum"`
	// JobSubject is the subject jobs are published on
	JobSubject string `mapstructure:"job_subject" json:"job_subject" validate:"required"`
	// CompletedStream holds records of completed jobs
	CompletedStream string `mapstructure:"completed_stream" json:"completed_stream" validate:"required"`
	// CompletedSubject is the subject completed records are published on
	CompletedSubject string `mapstructure:"completed_subject" json:"completed_subject" validate:"required"`
	// FailedStream holds records of terminally failed jobs
	FailedStream string `mapstructure:"failed_stream" json:"failed_stream" validate:"required"`
	// FailedSubject is the subject failed records are published on
	FailedSubject string `mapstructure:"failed_subject" json:"failed_subject" validate:"required"`
	// Consumer is the durable pull consumer shared by all workers
	Consumer string `mapstructure:"consumer" json:"consumer" validate:"required"`
	// DuplicateWindow is the dedup window for job IDs in seconds
	DuplicateWindow int `mapstructure:"duplicate_window_sec" json:"duplicate_window_sec" validate:"gte=1"`
}

// DispatchConfig defines the dispatch pipeline parameters
type DispatchConfig struct {
	// JobIDPrefix is the leading segment of every job ID
	JobIDPrefix string `mapstructure:"job_id_prefix" json:"job_id_prefix" validate:"required"`
	// Retry is the default retry policy
	Retry RetryConfig `mapstructure:"retry" json:"retry" validate:"required"`
	// Retention is the job record retention policy
	Retention RetentionConfig `mapstructure:"retention" json:"retention" validate:"required"`
	// Timeout is the default ceiling of one attempt in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
	// Priority is the default job priority. Lower runs first.
	Priority int `mapstructure:"priority" json:"priority" validate:"gte=0"`
	// Classes holds per job class overrides
	Classes map[string]JobClassConfig `mapstructure:"classes" json:"classes,omitempty" validate:"omitempty,dive"`
	// Broker is the JetStream broker config
	Broker JetStreamBrokerConfig `mapstructure:"broker" json:"broker" validate:"required"`
}

// WorkerConfig defines the dispatch worker parameters
type WorkerConfig struct {
	// Concurrency is the max number of jobs processed in parallel
	Concurrency int `mapstructure:"concurrency" json:"concurrency" validate:"gte=1"`
	// FetchWait is the max duration of one broker fetch in seconds
	FetchWait int `mapstructure:"fetch_wait_sec" json:"fetch_wait_sec" validate:"gte=1"`
	// ReconnectMaxDelay caps the pause between fetch attempts while the broker is
	// unreachable in seconds
	ReconnectMaxDelay int `mapstructure:"reconnect_max_delay_sec" json:"reconnect_max_delay_sec" validate:"gte=1"`
	// Metrics is the HTTP server exposing the worker metrics
	Metrics HTTPServerConfig `mapstructure:"metrics_server" json:"metrics_server" validate:"required"`
}

// ===============================================================================
// Auth / Notification Related Config

// AuthConfig defines the bearer token verification parameters
type AuthConfig struct {
	// Enabled whether stream requests must carry a valid token
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Secret is the HMAC key tokens are signed with
	Secret string `mapstructure:"secret" json:"-" validate:"required_if=Enabled true"`
	// Issuer if set the token issuer must match
	Issuer string `mapstructure:"issuer" json:"issuer,omitempty"`
	// RequiredPermissions the token must grant at least one of these. Empty accepts
	// any valid token.
	RequiredPermissions []string `mapstructure:"required_permissions" json:"required_permissions,omitempty"`
}

// MSG91Config defines the MSG91 SMS gateway parameters
type MSG91Config struct {
	BaseURL  string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	AuthKey  string `mapstructure:"auth_key" json:"-"`
	SenderID string `mapstructure:"sender_id" json:"sender_id" validate:"required"`
	Route    string `mapstructure:"route" json:"route" validate:"required"`
	// RequestTimeout is the max duration of one gateway call in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// RateLimit is the max gateway calls per second across the worker. 0 disables the limit.
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit" validate:"gte=0"`
	// RateBurst is the number of calls allowed above RateLimit in a burst
	RateBurst int `mapstructure:"rate_burst" json:"rate_burst" validate:"gte=1"`
}

// SMSConfig defines SMS delivery parameters
type SMSConfig struct {
	// Provider selects the SMS sender. "log" only records the message.
	Provider string `mapstructure:"provider" json:"provider" validate:"oneof=msg91 log"`
	// DefaultCountryCode is used when a request carries none
	DefaultCountryCode string `mapstructure:"default_country_code" json:"default_country_code" validate:"required,numeric"`
	// MSG91 is the MSG91 gateway config
	MSG91 MSG91Config `mapstructure:"msg91" json:"msg91" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the API server and the worker
type SystemConfig struct {
	// Mongo are the MongoDB related config parameters
	Mongo MongoConfig `mapstructure:"mongo" json:"mongo" validate:"required"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Dispatch are the dispatch pipeline config parameters
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required"`
	// Auth are the stream auth config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth"`
	// SMS are the SMS delivery config parameters
	SMS SMSConfig `mapstructure:"sms" json:"sms" validate:"required"`
	// API are the API server configs
	API *APIServerConfig `mapstructure:"api,omitempty" json:"api,omitempty" validate:"omitempty"`
	// Worker are the dispatch worker configs
	Worker *WorkerConfig `mapstructure:"worker,omitempty" json:"worker,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default MongoDB settings
	viper.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017/?replicaSet=rs0")
	viper.SetDefault("mongo.database", "fleet")
	viper.SetDefault("mongo.dial_timeout_sec", 15)
	viper.SetDefault("mongo.watch_retry_interval_sec", 5)
	viper.SetDefault("mongo.collections.drivers", "users")
	viper.SetDefault("mongo.collections.sms_logs", "sms_logs")

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default dispatch settings
	viper.SetDefault("dispatch.job_id_prefix", "notification")
	viper.SetDefault("dispatch.retry.max_attempts", 5)
	viper.SetDefault("dispatch.retry.backoff", "exponential")
	viper.SetDefault("dispatch.retry.base_delay_ms", 1000)
	viper.SetDefault("dispatch.retry.max_delay_ms", 0)
	viper.SetDefault("dispatch.retention.completed.max_age_sec", 24*3600)
	viper.SetDefault("dispatch.retention.completed.max_count", 10000)
	viper.SetDefault("dispatch.retention.failed.max_age_sec", 7*24*3600)
	viper.SetDefault("dispatch.retention.failed.max_count", 10000)
	viper.SetDefault("dispatch.timeout_sec", 30)
	viper.SetDefault("dispatch.priority", 2)
	viper.SetDefault("dispatch.broker.job_stream", "DISPATCHJOBS")
	viper.SetDefault("dispatch.broker.job_subject", "dispatch.jobs")
	viper.SetDefault("dispatch.broker.completed_stream", "DISPATCHCOMPLETED")
	viper.SetDefault("dispatch.broker.completed_subject", "dispatch.completed")
	viper.SetDefault("dispatch.broker.failed_stream", "DISPATCHFAILED")
	viper.SetDefault("dispatch.broker.failed_subject", "dispatch.failed")
	viper.SetDefault("dispatch.broker.consumer", "dispatch-worker")
	viper.SetDefault("dispatch.broker.duplicate_window_sec", 120)

	// Default auth settings
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.required_permissions", []string{"master.admin"})

	// Default SMS settings
	viper.SetDefault("sms.provider", "log")
	viper.SetDefault("sms.default_country_code", "91")
	viper.SetDefault("sms.msg91.base_url", "https://api.msg91.com/api/v5/flow/")
	viper.SetDefault("sms.msg91.sender_id", "TXTIND")
	viper.SetDefault("sms.msg91.route", "4")
	viper.SetDefault("sms.msg91.request_timeout_sec", 15)
	viper.SetDefault("sms.msg91.rate_limit", 10)
	viper.SetDefault("sms.msg91.rate_burst", 5)

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Fleetcast-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("api.stream.heartbeat_interval_sec", 30)
	viper.SetDefault("api.stream.frame_buffer", 32)
	viper.SetDefault("api.stream.snapshot_timeout_sec", 10)

	// Default worker settings
	viper.SetDefault("worker.concurrency", 5)
	viper.SetDefault("worker.fetch_wait_sec", 5)
	viper.SetDefault("worker.reconnect_max_delay_sec", 30)
	viper.SetDefault("worker.metrics_server.listen_on", "0.0.0.0")
	viper.SetDefault("worker.metrics_server.listen_port", 3001)
	viper.SetDefault("worker.metrics_server.read_timeout_sec", 60)
	viper.SetDefault("worker.metrics_server.write_timeout_sec", 60)
	viper.SetDefault("worker.metrics_server.idle_timeout_sec", 600)
}
