/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package batchpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeItem struct {
	name    string
	fail    bool
	current *int32
	max     *int32
}

func (i fakeItem) Describe() string { return i.name }

func (i fakeItem) Execute(context.Context) error {
	n := atomic.AddInt32(i.current, 1)
	for {
		m := atomic.LoadInt32(i.max)
		if n <= m || atomic.CompareAndSwapInt32(i.max, m, n) {
			break
		}
	}
	atomic.AddInt32(i.current, -1)
	if i.fail {
		return fmt.Errorf("boom: %s", i.name)
	}
	return nil
}

func TestRunBarrierJoinsAllItems(t *testing.T) {
	pool, err := New(Config{BatchSize: 4})
	require.NoError(t, err)

	var items []Executable
	for i := 0; i < 10; i++ {
		items = append(items, fakeItem{name: fmt.Sprintf("item-%d", i), current: new(int32), max: new(int32)})
	}
	require.NoError(t, pool.Run(context.Background(), items))
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	pool, err := New(Config{BatchSize: 3})
	require.NoError(t, err)

	current := new(int32)
	max := new(int32)
	var items []Executable
	for i := 0; i < 20; i++ {
		items = append(items, fakeItem{name: fmt.Sprintf("item-%d", i), current: current, max: max})
	}
	require.NoError(t, pool.Run(context.Background(), items))
	assert.LessOrEqual(t, int(atomic.LoadInt32(max)), 3)
}

func TestRunCollectsAllFailures(t *testing.T) {
	pool, err := New(Config{BatchSize: 2})
	require.NoError(t, err)

	items := []Executable{
		fakeItem{name: "a", fail: true, current: new(int32), max: new(int32)},
		fakeItem{name: "b", fail: true, current: new(int32), max: new(int32)},
		fakeItem{name: "c", current: new(int32), max: new(int32)},
	}
	err = pool.Run(context.Background(), items)
	require.Error(t, err)
}

func TestAdjustToSegmentCountCapsSize(t *testing.T) {
	pool, err := New(Config{BatchSize: 16})
	require.NoError(t, err)
	pool.AdjustToSegmentCount(2)
	assert.Equal(t, 2, pool.Size())

	pool2, err := New(Config{BatchSize: 4})
	require.NoError(t, err)
	pool2.AdjustToSegmentCount(50)
	assert.Equal(t, 4, pool2.Size(), "adjust should never raise the configured size")
}
