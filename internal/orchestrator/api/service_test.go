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

package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/orchestrator/internal/orchestrator/api"
	"github.com/tombee/orchestrator/internal/orchestrator/bus"
	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/internal/orchestrator/dispatcher"
	"github.com/tombee/orchestrator/internal/orchestrator/health"
	"github.com/tombee/orchestrator/internal/orchestrator/manager"
	"github.com/tombee/orchestrator/internal/orchestrator/planner"
	"github.com/tombee/orchestrator/internal/orchestrator/scheduler"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

const testFlowID = "11111111-1111-1111-1111-111111111111"

type stubFlowLookup struct{}

func (stubFlowLookup) IsOneTimeExecution(ctx context.Context, flowID string) (bool, error) {
	return false, nil
}

func newTestServer(t *testing.T) (*api.Service, cache.Gateway, bus.Bus, *scheduler.Scheduler) {
	t.Helper()

	serve := func(lookup func(id string) (any, bool)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			id := r.URL.Path[len("/api/"):]
			v, ok := lookup(id)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(v)
		}
	}

	flows := map[string]manager.Flow{
		testFlowID: {ID: testFlowID, WorkflowID: "wf-1", Name: "test-flow"},
	}
	workflows := map[string]manager.Workflow{
		"wf-1": {ID: "wf-1", StepIDs: []string{"step-a"}},
	}
	steps := map[string]manager.Step{
		"step-a": {ID: "step-a", ProcessorID: "proc-1", EntryCondition: orchestration.NewAlways()},
	}

	flowSrv := httptest.NewServer(serve(func(id string) (any, bool) { v, ok := flows[id]; return v, ok }))
	wfSrv := httptest.NewServer(serve(func(id string) (any, bool) { v, ok := workflows[id]; return v, ok }))
	stepSrv := httptest.NewServer(serve(func(id string) (any, bool) { v, ok := steps[id]; return v, ok }))
	assignSrv := httptest.NewServer(serve(func(id string) (any, bool) { return nil, false }))
	addrSrv := httptest.NewServer(serve(func(id string) (any, bool) { return nil, false }))
	delSrv := httptest.NewServer(serve(func(id string) (any, bool) { return nil, false }))
	pluginSrv := httptest.NewServer(serve(func(id string) (any, bool) { return nil, false }))
	t.Cleanup(func() {
		flowSrv.Close()
		wfSrv.Close()
		stepSrv.Close()
		assignSrv.Close()
		addrSrv.Close()
		delSrv.Close()
		pluginSrv.Close()
	})

	urls := manager.URLs{
		OrchestratedFlow: flowSrv.URL,
		Workflow:         wfSrv.URL,
		Step:             stepSrv.URL,
		Assignment:       assignSrv.URL,
		Address:          addrSrv.URL,
		Delivery:         delSrv.URL,
		Plugin:           pluginSrv.URL,
	}

	mgr := manager.New(urls)
	cacheGateway := cache.NewInMemoryGateway(cache.DefaultConfig())
	builder := planner.New(mgr, cacheGateway, nil)
	gate := health.New(cacheGateway, health.DefaultStalenessThreshold)
	b := bus.NewInMemoryBus()
	dsp := dispatcher.New(b, nil, nil)

	svc := api.NewService(builder, cacheGateway, gate, dsp, nil)
	sched := scheduler.New(svc.Fire, stubFlowLookup{}, nil, nil, 10*time.Millisecond)
	svc.SetScheduler(sched)

	return svc, cacheGateway, b, sched
}

func putHealthy(t *testing.T, cacheGateway cache.Gateway, processorID string) {
	t.Helper()
	snapshot := orchestration.ProcessorHealthSnapshot{
		ProcessorID: processorID,
		Status:      orchestration.HealthHealthy,
		ReportedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, cacheGateway.Put(context.Background(), cache.HealthMap, processorID, data))
}

func TestService_Start_BuildsStoresAndDispatchesWhenHealthy(t *testing.T) {
	svc, cacheGateway, b, _ := newTestServer(t)
	putHealthy(t, cacheGateway, "proc-1")

	ch, unsubscribe := b.Subscribe(bus.ExecuteActivityTopic)
	defer unsubscribe()

	result, err := svc.Start(context.Background(), testFlowID, "")
	require.NoError(t, err)
	assert.Equal(t, testFlowID, result.FlowID)

	select {
	case payload := <-ch:
		var cmd orchestration.ExecuteActivityCommand
		require.NoError(t, json.Unmarshal(payload, &cmd))
		assert.Equal(t, "step-a", cmd.StepID)
	case <-time.After(time.Second):
		t.Fatal("expected an entry-point command to be dispatched")
	}
}

func TestService_Start_SkipsDispatchWhenUnhealthyButStillSucceeds(t *testing.T) {
	svc, _, b, _ := newTestServer(t)
	// No health snapshot stored -> gate denies.

	ch, unsubscribe := b.Subscribe(bus.ExecuteActivityTopic)
	defer unsubscribe()

	_, err := svc.Start(context.Background(), testFlowID, "")
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("no command should have been dispatched while unhealthy")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_Start_RejectsMalformedFlowID(t *testing.T) {
	svc, _, _, _ := newTestServer(t)
	_, err := svc.Start(context.Background(), "not-a-uuid", "")
	require.Error(t, err)
	assert.Equal(t, orchestration.InvalidArgument, orchestration.KindOf(err))
}

func TestService_GetStatus_ReflectsStoredPlan(t *testing.T) {
	svc, cacheGateway, _, _ := newTestServer(t)
	putHealthy(t, cacheGateway, "proc-1")

	_, err := svc.Start(context.Background(), testFlowID, "")
	require.NoError(t, err)

	status, err := svc.GetStatus(context.Background(), testFlowID)
	require.NoError(t, err)
	assert.True(t, status.IsActive)
	assert.Equal(t, 1, status.StepCount)
}

func TestService_GetStatus_InactiveForUnknownFlow(t *testing.T) {
	svc, _, _, _ := newTestServer(t)
	status, err := svc.GetStatus(context.Background(), testFlowID)
	require.NoError(t, err)
	assert.False(t, status.IsActive)
}

func TestService_Stop_RemovesPlanAndIsIdempotent(t *testing.T) {
	svc, cacheGateway, _, _ := newTestServer(t)
	putHealthy(t, cacheGateway, "proc-1")
	_, err := svc.Start(context.Background(), testFlowID, "")
	require.NoError(t, err)

	_, err = svc.Stop(context.Background(), testFlowID)
	require.NoError(t, err)

	status, err := svc.GetStatus(context.Background(), testFlowID)
	require.NoError(t, err)
	assert.False(t, status.IsActive)

	// Stopping again must still succeed (best-effort, idempotent).
	_, err = svc.Stop(context.Background(), testFlowID)
	require.NoError(t, err)
}

func TestService_StartScheduler_DuplicateFailsAlreadyRunning(t *testing.T) {
	svc, _, _, _ := newTestServer(t)
	_, err := svc.StartScheduler(context.Background(), testFlowID, "@hourly", "")
	require.NoError(t, err)

	_, err = svc.StartScheduler(context.Background(), testFlowID, "@hourly", "")
	require.Error(t, err)
	assert.Equal(t, orchestration.AlreadyRunning, orchestration.KindOf(err))
}

func TestService_StartScheduler_InvalidCronFails(t *testing.T) {
	svc, _, _, _ := newTestServer(t)
	_, err := svc.StartScheduler(context.Background(), testFlowID, "garbage", "")
	require.Error(t, err)
	assert.Equal(t, orchestration.InvalidArgument, orchestration.KindOf(err))
}

func TestService_StopScheduler_MissingFailsNotFound(t *testing.T) {
	svc, _, _, _ := newTestServer(t)
	_, err := svc.StopScheduler(context.Background(), testFlowID)
	require.Error(t, err)
	assert.Equal(t, orchestration.NotFound, orchestration.KindOf(err))
}

func TestService_GetProcessorHealth_ReturnsSnapshot(t *testing.T) {
	svc, cacheGateway, _, _ := newTestServer(t)
	putHealthy(t, cacheGateway, "proc-1")

	snapshot, err := svc.GetProcessorHealth(context.Background(), "proc-1")
	require.NoError(t, err)
	assert.Equal(t, orchestration.HealthHealthy, snapshot.Status)
}

func TestService_GetProcessorHealth_MissingIsNotFound(t *testing.T) {
	svc, _, _, _ := newTestServer(t)
	_, err := svc.GetProcessorHealth(context.Background(), "proc-unknown")
	require.Error(t, err)
	assert.Equal(t, orchestration.NotFound, orchestration.KindOf(err))
}

func TestService_GetProcessorsHealth_AggregatesPlanProcessors(t *testing.T) {
	svc, cacheGateway, _, _ := newTestServer(t)
	putHealthy(t, cacheGateway, "proc-1")
	_, err := svc.Start(context.Background(), testFlowID, "")
	require.NoError(t, err)

	report, err := svc.GetProcessorsHealth(context.Background(), testFlowID)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Contains(t, report.Snapshots, "proc-1")
}

func TestService_GetProcessorsHealth_UnknownFlowIsNotFound(t *testing.T) {
	svc, _, _, _ := newTestServer(t)
	_, err := svc.GetProcessorsHealth(context.Background(), testFlowID)
	require.Error(t, err)
	assert.Equal(t, orchestration.NotFound, orchestration.KindOf(err))
}
