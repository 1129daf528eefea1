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

// Package dispatcher constructs ExecuteActivityCommands for entry
// points and traversal successors and publishes them on the bus,
// fanning out concurrently within a batch and joining before
// returning (spec §4.6).
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/orchestrator/internal/log"
	"github.com/tombee/orchestrator/internal/orchestrator/bus"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

// MetricsRecorder records per-command publish outcomes and latency. The
// production implementation (internal/orchestrator/metrics) backs this
// with Prometheus counters and a histogram; tests can substitute a stub.
type MetricsRecorder interface {
	RecordPublish(flowID, stepID, executionID, correlationID string, success bool)
	ObserveDispatchLatency(seconds float64)
}

// NoopMetrics discards every recording; used when no MetricsRecorder
// is supplied.
type NoopMetrics struct{}

func (NoopMetrics) RecordPublish(flowID, stepID, executionID, correlationID string, success bool) {}
func (NoopMetrics) ObserveDispatchLatency(seconds float64)                                        {}

// Target is one step to dispatch a command for, with the execution ID
// that scopes this particular firing (zero value for entry points).
type Target struct {
	StepID      string
	ExecutionID string
}

// Dispatcher publishes ExecuteActivityCommands on the bus.
type Dispatcher struct {
	bus     bus.Bus
	metrics MetricsRecorder
	logger  *slog.Logger
	rpcLog  *log.RPCMiddleware
}

// New constructs a Dispatcher. A nil MetricsRecorder defaults to
// NoopMetrics; a nil logger defaults to slog.Default().
func New(b bus.Bus, metrics MetricsRecorder, logger *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: b, metrics: metrics, logger: logger, rpcLog: log.NewRPCMiddleware(logger)}
}

// DispatchEntryPoints publishes one command per entry point in plan,
// with a zero execution ID (spec §3, §4.6). A single publish failure
// fails the whole call so the scheduler's fire can apply its retry
// policy.
func (d *Dispatcher) DispatchEntryPoints(ctx context.Context, plan *orchestration.ExecutionPlan, hctx orchestration.HierarchicalContext) error {
	targets := make([]Target, 0, len(plan.EntryPoints))
	for _, stepID := range plan.EntryPoints {
		targets = append(targets, Target{StepID: stepID})
	}
	errs := d.dispatchBatch(ctx, plan, hctx, targets)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DispatchSuccessors publishes one command per target successor.
// Individual failures are logged and swallowed — traversal dispatch
// must not let one failing branch block or fail its siblings (spec
// §4.6).
func (d *Dispatcher) DispatchSuccessors(ctx context.Context, plan *orchestration.ExecutionPlan, targets []Target, hctx orchestration.HierarchicalContext) {
	errs := d.dispatchBatch(ctx, plan, hctx, targets)
	for i, err := range errs {
		if err != nil {
			d.logger.Error("successor dispatch failed", "stepId", targets[i].StepID, "error", err)
		}
	}
}

// dispatchBatch publishes one command per target concurrently, waiting
// for every publish in the batch to complete before returning (spec
// §4.6). The returned slice is index-aligned with targets.
func (d *Dispatcher) dispatchBatch(ctx context.Context, plan *orchestration.ExecutionPlan, hctx orchestration.HierarchicalContext, targets []Target) []error {
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			errs[i] = d.dispatchOne(ctx, plan, hctx, target)
		}(i, target)
	}
	wg.Wait()
	return errs
}

func (d *Dispatcher) dispatchOne(ctx context.Context, plan *orchestration.ExecutionPlan, hctx orchestration.HierarchicalContext, target Target) error {
	start := time.Now()
	defer func() { d.metrics.ObserveDispatchLatency(time.Since(start).Seconds()) }()

	node, ok := plan.StepGraph[target.StepID]
	if !ok {
		err := orchestration.New(orchestration.NotFound, "target step not found in plan")
		d.metrics.RecordPublish(plan.FlowID, target.StepID, target.ExecutionID, hctx.CorrelationID, false)
		return err
	}

	stepCtx := hctx.WithStep(target.StepID, node.ProcessorID).WithPublish(target.ExecutionID)

	command := orchestration.ExecuteActivityCommand{
		FlowID:        plan.FlowID,
		WorkflowID:    plan.WorkflowID,
		CorrelationID: stepCtx.CorrelationID,
		StepID:        target.StepID,
		ProcessorID:   node.ProcessorID,
		PublishID:     stepCtx.PublishID,
		ExecutionID:   stepCtx.ExecutionID,
		Assignments:   plan.Assignments[target.StepID],
	}

	req := &log.RPCRequest{
		MessageType:   "dispatch_command",
		CorrelationID: stepCtx.CorrelationID,
		RequestID:     stepCtx.PublishID,
		RemoteAddr:    node.ProcessorID,
		Metadata:      map[string]interface{}{"flowId": plan.FlowID, "stepId": target.StepID},
	}

	err := d.rpcLog.Handler(req, func() error {
		payload, err := json.Marshal(command)
		if err != nil {
			return orchestration.Wrap(orchestration.Internal, "serialize execute activity command", err)
		}
		if err := d.bus.Publish(ctx, bus.ExecuteActivityTopic, payload); err != nil {
			return orchestration.Wrap(orchestration.BusUnavailable, "publish execute activity command", err)
		}
		return nil
	})
	d.metrics.RecordPublish(plan.FlowID, target.StepID, target.ExecutionID, hctx.CorrelationID, err == nil)
	return err
}
