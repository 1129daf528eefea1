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

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

type stubLookup struct {
	oneTime map[string]bool
}

func (s *stubLookup) IsOneTimeExecution(ctx context.Context, flowID string) (bool, error) {
	return s.oneTime[flowID], nil
}

func TestScheduler_StartScheduler_RejectsInvalidCron(t *testing.T) {
	s := New(func(context.Context, string, orchestration.HierarchicalContext) error { return nil }, &stubLookup{}, nil, nil, 0)
	err := s.StartScheduler(context.Background(), "flow-1", "not a cron", "")
	require.Error(t, err)
	assert.Equal(t, orchestration.InvalidArgument, orchestration.KindOf(err))
}

func TestScheduler_StartScheduler_DuplicateFailsAlreadyRunning(t *testing.T) {
	s := New(func(context.Context, string, orchestration.HierarchicalContext) error { return nil }, &stubLookup{}, nil, nil, 0)
	require.NoError(t, s.StartScheduler(context.Background(), "flow-1", "@hourly", ""))

	err := s.StartScheduler(context.Background(), "flow-1", "@hourly", "")
	require.Error(t, err)
	assert.Equal(t, orchestration.AlreadyRunning, orchestration.KindOf(err))
}

func TestScheduler_StopScheduler_MissingFailsNotFound(t *testing.T) {
	s := New(func(context.Context, string, orchestration.HierarchicalContext) error { return nil }, &stubLookup{}, nil, nil, 0)
	err := s.StopScheduler(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, orchestration.NotFound, orchestration.KindOf(err))
}

func TestScheduler_StopScheduler_RemovesBinding(t *testing.T) {
	s := New(func(context.Context, string, orchestration.HierarchicalContext) error { return nil }, &stubLookup{}, nil, nil, 0)
	require.NoError(t, s.StartScheduler(context.Background(), "flow-1", "@hourly", ""))
	require.NoError(t, s.StopScheduler(context.Background(), "flow-1"))

	_, exists := s.NextFireTime("flow-1")
	assert.False(t, exists)
}

func TestScheduler_Tick_FiresWhenDue(t *testing.T) {
	var fireCount int32
	fire := func(ctx context.Context, flowID string, hctx orchestration.HierarchicalContext) error {
		atomic.AddInt32(&fireCount, 1)
		return nil
	}
	s := New(fire, &stubLookup{}, nil, nil, 0)
	require.NoError(t, s.StartScheduler(context.Background(), "flow-1", "* * * * *", ""))

	s.tick(context.Background(), time.Now().Add(2*time.Minute))
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&fireCount) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fireCount))
}

func TestScheduler_Tick_SkipsOverlappingFire(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var fireCount int32
	fire := func(ctx context.Context, flowID string, hctx orchestration.HierarchicalContext) error {
		atomic.AddInt32(&fireCount, 1)
		started <- struct{}{}
		<-release
		return nil
	}
	s := New(fire, &stubLookup{}, nil, nil, 0)
	require.NoError(t, s.StartScheduler(context.Background(), "flow-1", "* * * * *", ""))

	now := time.Now().Add(2 * time.Minute)
	s.tick(context.Background(), now)
	<-started // first fire is in-flight, holding the overlap guard

	s.tick(context.Background(), now.Add(time.Minute)) // should be skipped, not queued
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fireCount))
}

func TestScheduler_FireOne_OneShotSelfStops(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	fire := func(ctx context.Context, flowID string, hctx orchestration.HierarchicalContext) error {
		return nil
	}
	s := New(fire, &stubLookup{oneTime: map[string]bool{"flow-1": true}}, nil, nil, 0)
	require.NoError(t, s.StartScheduler(context.Background(), "flow-1", "* * * * *", "corr-1"))

	s.mu.Lock()
	b := s.bindings["flow-1"]
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.fireOne(context.Background(), "flow-1", b)
		close(done)
	}()
	<-done

	_, exists := s.NextFireTime("flow-1")
	assert.False(t, exists, "one-shot flow must self-stop after a successful fire")
}

func TestScheduler_FireOne_PreservesInheritedCorrelationID(t *testing.T) {
	var gotCorrelationID string
	fire := func(ctx context.Context, flowID string, hctx orchestration.HierarchicalContext) error {
		gotCorrelationID = hctx.CorrelationID
		return nil
	}
	s := New(fire, &stubLookup{}, nil, nil, 0)
	require.NoError(t, s.StartScheduler(context.Background(), "flow-1", "* * * * *", "original-correlation"))

	s.mu.Lock()
	b := s.bindings["flow-1"]
	s.mu.Unlock()

	s.fireOne(context.Background(), "flow-1", b)
	assert.Equal(t, "original-correlation", gotCorrelationID)

	s.fireOne(context.Background(), "flow-1", b)
	assert.Equal(t, "original-correlation", gotCorrelationID)
}

func TestScheduler_FireOne_MintsCorrelationIDOnceWhenNoneGiven(t *testing.T) {
	var seen []string
	fire := func(ctx context.Context, flowID string, hctx orchestration.HierarchicalContext) error {
		seen = append(seen, hctx.CorrelationID)
		return nil
	}
	s := New(fire, &stubLookup{}, nil, nil, 0)
	require.NoError(t, s.StartScheduler(context.Background(), "flow-1", "* * * * *", ""))

	s.mu.Lock()
	b := s.bindings["flow-1"]
	s.mu.Unlock()

	s.fireOne(context.Background(), "flow-1", b)
	s.fireOne(context.Background(), "flow-1", b)

	require.Len(t, seen, 2)
	assert.NotEmpty(t, seen[0])
	assert.Equal(t, seen[0], seen[1])
}
