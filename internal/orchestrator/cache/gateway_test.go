// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/orchestrator/internal/orchestrator/cache"
)

func TestInMemoryGateway_PutGetRemove(t *testing.T) {
	gw := cache.NewInMemoryGateway(cache.DefaultConfig())
	ctx := context.Background()

	_, ok, err := gw.Get(ctx, cache.PlanMap, "flow-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, gw.Put(ctx, cache.PlanMap, "flow-1", []byte(`{"flowId":"flow-1"}`)))

	value, ok, err := gw.Get(ctx, cache.PlanMap, "flow-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"flowId":"flow-1"}`, string(value))

	require.NoError(t, gw.Remove(ctx, cache.PlanMap, "flow-1"))
	_, ok, err = gw.Get(ctx, cache.PlanMap, "flow-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryGateway_RemoveMissingKeyIsNotError(t *testing.T) {
	gw := cache.NewInMemoryGateway(cache.DefaultConfig())
	assert.NoError(t, gw.Remove(context.Background(), cache.PlanMap, "does-not-exist"))
}

func TestInMemoryGateway_MapsAreIsolated(t *testing.T) {
	gw := cache.NewInMemoryGateway(cache.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, gw.Put(ctx, cache.PlanMap, "k", []byte("plan")))
	require.NoError(t, gw.Put(ctx, cache.HealthMap, "k", []byte("health")))

	v1, _, _ := gw.Get(ctx, cache.PlanMap, "k")
	v2, _, _ := gw.Get(ctx, cache.HealthMap, "k")
	assert.Equal(t, "plan", string(v1))
	assert.Equal(t, "health", string(v2))
}

func TestInMemoryGateway_GetReturnsDefensiveCopy(t *testing.T) {
	gw := cache.NewInMemoryGateway(cache.DefaultConfig())
	ctx := context.Background()
	require.NoError(t, gw.Put(ctx, cache.PlanMap, "k", []byte("original")))

	v, _, _ := gw.Get(ctx, cache.PlanMap, "k")
	v[0] = 'X'

	v2, _, _ := gw.Get(ctx, cache.PlanMap, "k")
	assert.Equal(t, "original", string(v2))
}

func TestInMemoryGateway_PutCancelledContext(t *testing.T) {
	gw := cache.NewInMemoryGateway(cache.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gw.Put(ctx, cache.PlanMap, "k", []byte("v"))
	require.Error(t, err)
}

func TestInMemoryGateway_ConcurrentAccess(t *testing.T) {
	gw := cache.NewInMemoryGateway(cache.DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = gw.Put(ctx, cache.PlanMap, "k", []byte{byte(i)})
			_, _, _ = gw.Get(ctx, cache.PlanMap, "k")
		}(i)
	}
	wg.Wait()
}

func TestDefaultConfig_AppliedWhenZero(t *testing.T) {
	gw := cache.NewInMemoryGateway(cache.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, gw.Put(ctx, cache.PlanMap, "k", []byte("v")))
}
