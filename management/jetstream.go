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

// Package management provisions the JetStream streams and consumers backing the
// dispatch pipeline.
package management

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/fleetcast/common"
	"github.com/alwitt/fleetcast/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// StreamLimits stream data retention settings
type StreamLimits struct {
	MaxMsgs    *int64         `json:"max_msgs,omitempty"`
	MaxBytes   *int64         `json:"max_bytes,omitempty"`
	MaxAge     *time.Duration `json:"max_age,omitempty"`
	MaxMsgSize *int32         `json:"max_msg_size,omitempty"`
}

// StreamParam parameters for defining a stream
type StreamParam struct {
	// Name is the stream name
	Name     string   `json:"name" validate:"required,alphanum"`
	Subjects []string `json:"subjects" validate:"required,min=1"`
	// WorkQueue whether a message is removed once acked
	WorkQueue bool `json:"work_queue"`
	// Duplicates window in which a repeated message ID is dropped
	Duplicates time.Duration `json:"duplicates,omitempty"`
	StreamLimits
}

// ConsumerParam parameters for defining a durable pull consumer
type ConsumerParam struct {
	Name  string `json:"name" validate:"required"`
	Notes string `json:"notes,omitempty"`
	// FilterSubject subject the consumer reads
	FilterSubject string `json:"filter_subject,omitempty"`
	// AckWait time before an un-ACKed message is redelivered
	AckWait time.Duration `json:"ack_wait" validate:"gt=0"`
	// MaxDeliver max number of deliveries of one message. -1 means unlimited.
	MaxDeliver int `json:"max_deliver" validate:"gte=-1"`
	// MaxAckPending max number of un-ACKed messages in flight. 0 uses the server default.
	MaxAckPending int `json:"max_ack_pending" validate:"gte=0"`
}

// JetStreamController manage JetStream streams and consumers
type JetStreamController interface {
	// EnsureStream create the stream, or update it to match param
	EnsureStream(ctxt context.Context, param StreamParam) error
	// GetStream query for info on one stream by name
	GetStream(ctxt context.Context, name string) (*nats.StreamInfo, error)
	// DeleteStream delete a stream by name
	DeleteStream(ctxt context.Context, name string) error
	// EnsureConsumer create the durable consumer on a stream, or update it to match param
	EnsureConsumer(ctxt context.Context, stream string, param ConsumerParam) error
	// GetConsumer query for info of a consumer of a stream
	GetConsumer(ctxt context.Context, stream, consumer string) (*nats.ConsumerInfo, error)
}

// jetStreamControllerImpl implements JetStreamController
type jetStreamControllerImpl struct {
	common.Component
	core     *core.NatsClient
	validate *validator.Validate
}

// GetJetStreamController define JetStreamController
func GetJetStreamController(
	natsCore *core.NatsClient, instance string,
) (JetStreamController, error) {
	if natsCore == nil {
		return nil, fmt.Errorf("JetStream controller requires a NATS client")
	}
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	return jetStreamControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

func applyStreamLimits(targetLimit *StreamLimits, param *nats.StreamConfig) {
	if targetLimit.MaxMsgs != nil {
		param.MaxMsgs = *targetLimit.MaxMsgs
	}
	if targetLimit.MaxBytes != nil {
		param.MaxBytes = *targetLimit.MaxBytes
	}
	if targetLimit.MaxAge != nil {
		param.MaxAge = *targetLimit.MaxAge
	}
	if targetLimit.MaxMsgSize != nil {
		param.MaxMsgSize = *targetLimit.MaxMsgSize
	}
}

// =======================================================================
// Stream related controls

// GetStream get info on one stream
func (js jetStreamControllerImpl) GetStream(ctxt context.Context, name string) (*nats.StreamInfo, error) {
	info, err := js.core.JetStream().StreamInfo(name, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", name)
	}
	return info, err
}

// EnsureStream create the stream, or update it to match param
func (js jetStreamControllerImpl) EnsureStream(ctxt context.Context, param StreamParam) error {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Invalid stream %s parameters", param.Name)
		return err
	}
	jsParams := nats.StreamConfig{
		Name:       param.Name,
		Subjects:   param.Subjects,
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Duplicates: param.Duplicates,
	}
	if param.WorkQueue {
		jsParams.Retention = nats.WorkQueuePolicy
	}
	applyStreamLimits(&param.StreamLimits, &jsParams)

	current, err := js.core.JetStream().StreamInfo(param.Name, nats.Context(ctxt))
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			log.WithError(err).WithFields(js.LogTags).Errorf("Unable to get stream %s info", param.Name)
			return err
		}
		if _, err := js.core.JetStream().AddStream(&jsParams, nats.Context(ctxt)); err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf("Unable to define new stream %s", param.Name)
			return err
		}
		log.WithFields(js.LogTags).Infof("Defined new stream %s", param.Name)
		return nil
	}

	// Keep settings not managed here
	updated := current.Config
	updated.Subjects = jsParams.Subjects
	updated.Duplicates = jsParams.Duplicates
	updated.MaxMsgs = jsParams.MaxMsgs
	updated.MaxBytes = jsParams.MaxBytes
	updated.MaxAge = jsParams.MaxAge
	updated.MaxMsgSize = jsParams.MaxMsgSize
	if updated.Retention != jsParams.Retention {
		err := fmt.Errorf(
			"stream %s retention is %s, expected %s", param.Name, updated.Retention, jsParams.Retention,
		)
		log.WithError(err).WithFields(js.LogTags).Error("Stream retention can not be changed")
		return err
	}
	if _, err := js.core.JetStream().UpdateStream(&updated, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Failed to update stream %s", param.Name)
		return err
	}
	log.WithFields(js.LogTags).Infof("Updated stream %s", param.Name)
	return nil
}

// DeleteStream delete an existing stream
func (js jetStreamControllerImpl) DeleteStream(ctxt context.Context, name string) error {
	if err := js.core.JetStream().DeleteStream(name, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(js.LogTags).Infof("Deleted stream %s", name)
	return nil
}

// =======================================================================
// Consumer related controls

// GetConsumer get info on one consumer of a stream
func (js jetStreamControllerImpl) GetConsumer(
	ctxt context.Context, stream, consumer string,
) (*nats.ConsumerInfo, error) {
	info, err := js.core.JetStream().ConsumerInfo(stream, consumer, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to get consumer %s of stream %s info", consumer, stream,
		)
	}
	return info, err
}

// EnsureConsumer create the durable pull consumer on a stream, or update it to match param
func (js jetStreamControllerImpl) EnsureConsumer(
	ctxt context.Context, stream string, param ConsumerParam,
) error {
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Invalid consumer %s parameters for stream %s", param.Name, stream,
		)
		return err
	}
	jsParams := nats.ConsumerConfig{
		Durable:       param.Name,
		Description:   param.Notes,
		FilterSubject: param.FilterSubject,
		AckWait:       param.AckWait,
		MaxDeliver:    param.MaxDeliver,
		MaxAckPending: param.MaxAckPending,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
	}
	_, err := js.core.JetStream().ConsumerInfo(stream, param.Name, nats.Context(ctxt))
	if err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			log.WithError(err).WithFields(js.LogTags).Errorf(
				"Unable to get consumer %s of stream %s info", param.Name, stream,
			)
			return err
		}
		if _, err := js.core.JetStream().AddConsumer(stream, &jsParams, nats.Context(ctxt)); err != nil {
			log.WithError(err).WithFields(js.LogTags).Errorf(
				"Unable to define new consumer %s for stream %s", param.Name, stream,
			)
			return err
		}
		log.WithFields(js.LogTags).Infof("Defined new consumer %s for stream %s", param.Name, stream)
		return nil
	}
	if _, err := js.core.JetStream().UpdateConsumer(stream, &jsParams, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf(
			"Unable to update consumer %s for stream %s", param.Name, stream,
		)
		return err
	}
	log.WithFields(js.LogTags).Infof("Updated consumer %s for stream %s", param.Name, stream)
	return nil
}
