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

// Package traversal consumes processor completion events off the bus
// and drives graph traversal: evaluating each successor's entry
// condition against the reporting predecessor's outcome, then
// re-entering the Dispatcher for every successor that passes (spec
// §4.7). It holds no state of its own beyond the subscription — every
// decision is made fresh from the plan read out of the cache.
package traversal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/orchestrator/internal/log"
	"github.com/tombee/orchestrator/internal/orchestrator/bus"
	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/internal/orchestrator/dispatcher"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

// PlanLoader retrieves a stored ExecutionPlan by flow ID. Satisfied by
// a thin adapter over cache.Gateway + json.Unmarshal at wiring time, so
// this package depends on the narrow read it actually needs rather than
// the whole cache.Gateway surface.
type PlanLoader interface {
	Load(ctx context.Context, flowID string) (*orchestration.ExecutionPlan, bool, error)
}

// Dispatch is the subset of *dispatcher.Dispatcher the engine calls
// into — a successor batch, never an entry-point dispatch.
type Dispatch interface {
	DispatchSuccessors(ctx context.Context, plan *orchestration.ExecutionPlan, targets []dispatcher.Target, hctx orchestration.HierarchicalContext)
}

// ConsumeRecorder records one consumed completion event, feeding the
// publish/consume anomaly gauge (spec §2's "anomaly detection on their
// difference").
type ConsumeRecorder interface {
	RecordConsume(flowID, stepID string)
}

// noopConsumeRecorder discards every recording; used when no
// ConsumeRecorder is supplied.
type noopConsumeRecorder struct{}

func (noopConsumeRecorder) RecordConsume(flowID, stepID string) {}

// Engine subscribes to bus.ActivityCompletedTopic and drives traversal
// for each event it receives.
type Engine struct {
	bus     bus.Bus
	plans   PlanLoader
	dsp     Dispatch
	metrics ConsumeRecorder
	logger  *slog.Logger
	rpcLog  *log.RPCMiddleware
}

// CachePlanLoader is the default PlanLoader, reading plans straight out
// of the shared cache.Gateway under cache.PlanMap.
type CachePlanLoader struct {
	Cache cache.Gateway
}

// Load implements PlanLoader.
func (l CachePlanLoader) Load(ctx context.Context, flowID string) (*orchestration.ExecutionPlan, bool, error) {
	data, found, err := l.Cache.Get(ctx, cache.PlanMap, flowID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var plan orchestration.ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, false, orchestration.Wrap(orchestration.Internal, "deserialize execution plan", err)
	}
	return &plan, true, nil
}

// New constructs an Engine. A nil logger defaults to slog.Default(); a
// nil ConsumeRecorder defaults to a no-op.
func New(b bus.Bus, plans PlanLoader, dsp Dispatch, metricsRecorder ConsumeRecorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metricsRecorder == nil {
		metricsRecorder = noopConsumeRecorder{}
	}
	return &Engine{bus: b, plans: plans, dsp: dsp, metrics: metricsRecorder, logger: logger, rpcLog: log.NewRPCMiddleware(logger)}
}

// Run subscribes to the completion topic and processes events until ctx
// is cancelled. Each event is handled synchronously in the loop
// goroutine — per spec §4.7 step 4, an event is not considered
// acknowledged until every passing successor has been published, and
// DispatchSuccessors already blocks until its whole batch completes.
func (e *Engine) Run(ctx context.Context) {
	ch, unsubscribe := e.bus.Subscribe(bus.ActivityCompletedTopic)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			e.handle(ctx, payload)
		}
	}
}

func (e *Engine) handle(ctx context.Context, payload []byte) {
	var event orchestration.ActivityCompletionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		e.logger.Warn("dropping malformed completion event", "error", err)
		return
	}

	req := &log.RPCRequest{
		MessageType:   "traversal_event",
		CorrelationID: event.CorrelationID,
		RequestID:     event.ExecutionID,
		RemoteAddr:    event.StepID,
		Metadata:      map[string]interface{}{"flowId": event.FlowID, "outcome": string(event.Outcome)},
	}
	start := time.Now()
	var handleErr error
	successorCount := 0
	defer func() {
		resp := &log.RPCResponse{
			Success:    handleErr == nil,
			DurationMs: time.Since(start).Milliseconds(),
			Metadata:   map[string]interface{}{"successorsDispatched": successorCount},
		}
		if handleErr != nil {
			resp.Error = handleErr.Error()
		}
		log.LogRPCResponse(e.logger, req, resp)
	}()
	log.LogRPCRequest(e.logger, req)

	hctx := orchestration.HierarchicalContext{
		FlowID:        event.FlowID,
		WorkflowID:    event.WorkflowID,
		CorrelationID: event.CorrelationID,
	}
	logger := hctx.Logger(e.logger)

	plan, found, err := e.plans.Load(ctx, event.FlowID)
	if err != nil {
		handleErr = err
		logger.Warn("dropping completion event: plan load failed", "error", err)
		return
	}
	if !found {
		handleErr = errors.New("plan not found")
		logger.Warn("dropping completion event: plan not found")
		return
	}

	predecessor, ok := plan.StepGraph[event.StepID]
	if !ok {
		handleErr = errors.New("predecessor step not found in plan")
		logger.Warn("dropping completion event: predecessor step not found in plan", "stepId", event.StepID)
		return
	}

	e.metrics.RecordConsume(event.FlowID, event.StepID)

	targets := make([]dispatcher.Target, 0, len(predecessor.NextStepIDs))
	for _, successorID := range predecessor.NextStepIDs {
		successor, ok := plan.StepGraph[successorID]
		if !ok {
			logger.Warn("successor not found in plan, skipping", "stepId", successorID)
			continue
		}
		fire, err := successor.EntryCondition.ShouldFire(event.Outcome, event.StepID)
		if err != nil {
			logger.Warn("entry condition evaluation failed, skipping successor", "stepId", successorID, "error", err)
			continue
		}
		if !fire {
			continue
		}
		targets = append(targets, dispatcher.Target{StepID: successorID, ExecutionID: uuid.NewString()})
	}
	successorCount = len(targets)

	if len(targets) == 0 {
		return
	}

	e.dsp.DispatchSuccessors(ctx, plan, targets, hctx)
}
