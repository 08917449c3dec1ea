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
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance("testing", 1, ctxt)
	assert.Nil(err)

	type testRequest struct {
		value int
	}
	results := make(chan int, 8)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testRequest{}), func(p interface{}) error {
			req, ok := p.(testRequest)
			if !ok {
				return fmt.Errorf("unexpected type %s", reflect.TypeOf(p))
			}
			results <- req.value
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in submission order
	{
		for itr := 0; itr < 5; itr++ {
			assert.Nil(uut.Submit(ctxt, testRequest{value: itr}))
		}
		for itr := 0; itr < 5; itr++ {
			select {
			case v := <-results:
				assert.Equal(itr, v)
			case <-time.After(time.Second):
				assert.Fail("task not processed")
			}
		}
	}

	// Case 2: submit after stop is rejected
	{
		assert.Nil(uut.StopEventLoop())
		wg.Wait()
		// Once the buffer is full only the stop signal remains selectable
		var err error
		for itr := 0; itr < 3 && err == nil; itr++ {
			err = uut.Submit(ctxt, testRequest{value: 100 + itr})
		}
		assert.NotNil(err)
	}

	// Case 3: submit with a canceled context
	{
		uut, err := GetNewTaskProcessorInstance("testing-2", 0, ctxt)
		assert.Nil(err)
		lclCtxt, lclCancel := context.WithCancel(ctxt)
		lclCancel()
		assert.NotNil(uut.Submit(lclCtxt, testRequest{value: 1}))
	}
}
