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

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.API)
		assert.NotNil(cfg.Worker)
		assert.Equal(5, cfg.Dispatch.Retry.MaxAttempts)
		assert.Equal(1000, cfg.Dispatch.Retry.BaseDelay)
		assert.Equal(2, cfg.Dispatch.Priority)
		assert.Equal(30, cfg.Dispatch.Timeout)
		assert.Equal(24*3600, cfg.Dispatch.Retention.Completed.MaxAge)
		assert.Equal(10000, cfg.Dispatch.Retention.Failed.MaxCount)
		assert.Equal(30, cfg.API.Stream.HeartbeatInterval)
		assert.Equal(5, cfg.Worker.Concurrency)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
api:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
dispatch:
  retry:
    backoff: linear`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: auth enabled without a secret
	{
		config := []byte(`---
auth:
  enabled: true`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: job class overrides
	{
		config := []byte(`---
dispatch:
  classes:
    otp:
      max_attempts: 2
      timeout_sec: 5
    urgent:
      priority: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		otp, ok := cfg.Dispatch.Classes["otp"]
		assert.True(ok)
		assert.Equal(2, otp.MaxAttempts)
		assert.Equal(5, otp.Timeout)
		assert.Nil(otp.Priority)
		urgent, ok := cfg.Dispatch.Classes["urgent"]
		assert.True(ok)
		if assert.NotNil(urgent.Priority) {
			assert.Equal(0, *urgent.Priority)
		}
	}
}
