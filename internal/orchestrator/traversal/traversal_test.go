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

package traversal_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/orchestrator/internal/orchestrator/bus"
	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/internal/orchestrator/dispatcher"
	"github.com/tombee/orchestrator/internal/orchestrator/traversal"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

type stubLoader struct {
	plan  *orchestration.ExecutionPlan
	found bool
	err   error
}

func (s stubLoader) Load(ctx context.Context, flowID string) (*orchestration.ExecutionPlan, bool, error) {
	return s.plan, s.found, s.err
}

type recordingDispatch struct {
	mu      sync.Mutex
	calls   int
	targets []dispatcher.Target
}

func (r *recordingDispatch) DispatchSuccessors(ctx context.Context, plan *orchestration.ExecutionPlan, targets []dispatcher.Target, hctx orchestration.HierarchicalContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.targets = append(r.targets, targets...)
}

func (r *recordingDispatch) snapshot() (int, []dispatcher.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]dispatcher.Target(nil), r.targets...)
}

func testPlan() *orchestration.ExecutionPlan {
	return &orchestration.ExecutionPlan{
		FlowID:     "flow-1",
		WorkflowID: "workflow-1",
		StepGraph: map[string]orchestration.StepNode{
			"A": {ProcessorID: "proc-a", NextStepIDs: []string{"B", "C", "D"}},
			"B": {ProcessorID: "proc-b", EntryCondition: orchestration.NewPreviousCompleted()},
			"C": {ProcessorID: "proc-c", EntryCondition: orchestration.NewPreviousSuccess()},
			"D": {ProcessorID: "proc-d", EntryCondition: orchestration.NewAlways()},
		},
	}
}

func publishEvent(t *testing.T, b bus.Bus, event orchestration.ActivityCompletionEvent) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.ActivityCompletedTopic, payload))
}

func waitForCalls(t *testing.T, d *recordingDispatch, n int) (int, []dispatcher.Target) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		calls, targets := d.snapshot()
		if calls >= n {
			return calls, targets
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dispatch call(s)", n)
	return 0, nil
}

func TestEngine_Run_SuccessFiresAllThreeConditionKinds(t *testing.T) {
	b := bus.NewInMemoryBus()
	dsp := &recordingDispatch{}
	engine := traversal.New(b, stubLoader{plan: testPlan(), found: true}, dsp, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let the subscription register

	publishEvent(t, b, orchestration.ActivityCompletionEvent{
		FlowID: "flow-1", StepID: "A", ExecutionID: "exec-1", Outcome: orchestration.OutcomeSuccess,
	})

	_, targets := waitForCalls(t, dsp, 1)
	stepIDs := map[string]bool{}
	for _, tg := range targets {
		stepIDs[tg.StepID] = true
		assert.NotEmpty(t, tg.ExecutionID)
	}
	assert.True(t, stepIDs["B"])
	assert.True(t, stepIDs["C"])
	assert.True(t, stepIDs["D"])
}

func TestEngine_Run_FailureSkipsPreviousSuccessOnly(t *testing.T) {
	b := bus.NewInMemoryBus()
	dsp := &recordingDispatch{}
	engine := traversal.New(b, stubLoader{plan: testPlan(), found: true}, dsp, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	publishEvent(t, b, orchestration.ActivityCompletionEvent{
		FlowID: "flow-1", StepID: "A", ExecutionID: "exec-1", Outcome: orchestration.OutcomeFailure,
	})

	_, targets := waitForCalls(t, dsp, 1)
	stepIDs := map[string]bool{}
	for _, tg := range targets {
		stepIDs[tg.StepID] = true
	}
	assert.True(t, stepIDs["B"], "PreviousCompleted fires regardless of outcome")
	assert.False(t, stepIDs["C"], "PreviousSuccess must not fire on failure")
	assert.True(t, stepIDs["D"], "Always fires regardless of outcome")
}

func TestEngine_Run_MissingPlanDropsEventWithoutPanicking(t *testing.T) {
	b := bus.NewInMemoryBus()
	dsp := &recordingDispatch{}
	engine := traversal.New(b, stubLoader{found: false}, dsp, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	publishEvent(t, b, orchestration.ActivityCompletionEvent{
		FlowID: "missing-flow", StepID: "A", Outcome: orchestration.OutcomeSuccess,
	})

	time.Sleep(50 * time.Millisecond)
	calls, _ := dsp.snapshot()
	assert.Equal(t, 0, calls)
}

func TestEngine_Run_MalformedPayloadIsDropped(t *testing.T) {
	b := bus.NewInMemoryBus()
	dsp := &recordingDispatch{}
	engine := traversal.New(b, stubLoader{plan: testPlan(), found: true}, dsp, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), bus.ActivityCompletedTopic, []byte("not json")))

	time.Sleep(50 * time.Millisecond)
	calls, _ := dsp.snapshot()
	assert.Equal(t, 0, calls)
}

func TestCachePlanLoader_RoundTripsStoredPlan(t *testing.T) {
	gateway := cache.NewInMemoryGateway(cache.DefaultConfig())
	plan := testPlan()
	data, err := json.Marshal(plan)
	require.NoError(t, err)
	require.NoError(t, gateway.Put(context.Background(), cache.PlanMap, plan.FlowID, data))

	loader := traversal.CachePlanLoader{Cache: gateway}
	loaded, found, err := loader.Load(context.Background(), "flow-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, plan.WorkflowID, loaded.WorkflowID)
	assert.Len(t, loaded.StepGraph, 4)
}

func TestCachePlanLoader_MissingPlanReturnsNotFound(t *testing.T) {
	gateway := cache.NewInMemoryGateway(cache.DefaultConfig())
	loader := traversal.CachePlanLoader{Cache: gateway}
	_, found, err := loader.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}
