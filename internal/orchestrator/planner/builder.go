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

// Package planner assembles an ExecutionPlan from a flow ID: it
// dereferences the flow, its workflow, every step, and every
// assignment through the Manager Client, computes entry points and the
// processor set, and stores the result in the Cache Gateway.
package planner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/internal/orchestrator/manager"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

// Builder assembles and persists ExecutionPlans.
type Builder struct {
	manager *manager.Client
	cache   cache.Gateway
	logger  *slog.Logger
}

// New constructs a Builder. A nil logger defaults to slog.Default().
func New(mgr *manager.Client, gateway cache.Gateway, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{manager: mgr, cache: gateway, logger: logger}
}

// stepResult is one entry of the concurrent step-retrieval fan-out
// (teacher pattern: pkg/workflow.executor's channel-of-results join for
// parallel nested-step execution, adapted here to I/O fan-out instead
// of execution fan-out).
type stepResult struct {
	id   string
	step *manager.Step
	err  error
}

// assignmentResult is one entry of the concurrent assignment-retrieval
// fan-out.
type assignmentResult struct {
	id         string
	assignment *manager.Assignment
	err        error
}

// Build runs the Plan Builder algorithm (spec §4.3) for flowID and
// persists the resulting plan under the flow ID in the plan map.
func (b *Builder) Build(ctx context.Context, hctx orchestration.HierarchicalContext, flowID string) (*orchestration.ExecutionPlan, error) {
	logger := hctx.Logger(b.logger)

	flow, err := b.manager.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	workflow, err := b.manager.GetWorkflow(ctx, flow.WorkflowID)
	if err != nil {
		return nil, err
	}

	plan := &orchestration.ExecutionPlan{
		FlowID:             flow.ID,
		Version:            flow.Version,
		Name:               flow.Name,
		WorkflowID:         flow.WorkflowID,
		IsOneTimeExecution: flow.IsOneTimeExecution,
		StepGraph:          map[string]orchestration.StepNode{},
		Assignments:        map[string]orchestration.BindingList{},
		ExpiresAt:          orchestration.NeverExpires,
	}

	if len(workflow.StepIDs) == 0 {
		if err := b.store(ctx, plan); err != nil {
			return nil, err
		}
		return plan, nil
	}

	steps := b.fetchSteps(ctx, logger, workflow.StepIDs)
	for id, step := range steps {
		plan.StepGraph[id] = orchestration.StepNode{
			ProcessorID:    step.ProcessorID,
			NextStepIDs:    step.NextStepIDs,
			EntryCondition: step.EntryCondition,
		}
	}

	plan.Assignments = b.fetchAssignments(ctx, hctx, logger, flow.AssignmentIDs, steps)

	plan.EntryPoints = computeEntryPoints(workflow.StepIDs, plan.StepGraph)
	plan.ProcessorIDs = computeProcessorIDs(workflow.StepIDs, plan.StepGraph)

	if err := b.store(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// fetchSteps concurrently retrieves every step ID, tolerating per-step
// failures with a warning (spec §4.3 step 3).
func (b *Builder) fetchSteps(ctx context.Context, logger *slog.Logger, stepIDs []string) map[string]*manager.Step {
	results := make(chan stepResult, len(stepIDs))
	var wg sync.WaitGroup
	for _, id := range stepIDs {
		wg.Add(1)
		go func(stepID string) {
			defer wg.Done()
			step, err := b.manager.GetStep(ctx, stepID)
			results <- stepResult{id: stepID, step: step, err: err}
		}(id)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]*manager.Step, len(stepIDs))
	for r := range results {
		if r.err != nil {
			logger.Warn("step retrieval failed", "stepId", r.id, "error", r.err)
			continue
		}
		out[r.id] = r.step
	}
	return out
}

// fetchAssignments concurrently retrieves every assignment, tolerating
// per-assignment failures with a warning, and resolves each entity ID
// within an assignment to a Binding, grouped by the assignment's step
// ID (spec §4.3 step 4).
func (b *Builder) fetchAssignments(ctx context.Context, hctx orchestration.HierarchicalContext, logger *slog.Logger, assignmentIDs []string, steps map[string]*manager.Step) map[string]orchestration.BindingList {
	results := make(chan assignmentResult, len(assignmentIDs))
	var wg sync.WaitGroup
	for _, id := range assignmentIDs {
		wg.Add(1)
		go func(assignmentID string) {
			defer wg.Done()
			a, err := b.manager.GetAssignment(ctx, assignmentID)
			results <- assignmentResult{id: assignmentID, assignment: a, err: err}
		}(id)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := map[string]orchestration.BindingList{}
	for r := range results {
		if r.err != nil {
			logger.Warn("assignment retrieval failed", "assignmentId", r.id, "error", r.err)
			continue
		}
		if _, ok := steps[r.assignment.StepID]; !ok {
			logger.Warn("assignment references unknown step, skipping", "assignmentId", r.id, "stepId", r.assignment.StepID)
			continue
		}
		for _, entityID := range r.assignment.EntityIDs {
			binding, err := b.manager.ResolveBinding(ctx, hctx, entityID)
			if err != nil {
				logger.Warn("binding resolution failed", "entityId", entityID, "error", err)
				continue
			}
			out[r.assignment.StepID] = append(out[r.assignment.StepID], binding)
		}
	}
	return out
}

// computeEntryPoints returns the step IDs absent from every step's
// nextStepIds, tie-broken by the workflow's step-ID insertion order
// (spec §4.3 step 5).
func computeEntryPoints(orderedStepIDs []string, graph map[string]orchestration.StepNode) []string {
	hasPredecessor := map[string]bool{}
	for _, node := range graph {
		for _, next := range node.NextStepIDs {
			hasPredecessor[next] = true
		}
	}

	var entryPoints []string
	for _, id := range orderedStepIDs {
		if _, exists := graph[id]; !exists {
			continue
		}
		if !hasPredecessor[id] {
			entryPoints = append(entryPoints, id)
		}
	}
	return entryPoints
}

// computeProcessorIDs returns the distinct set of processor IDs
// referenced by the graph, in first-seen order (walking the workflow's
// step-ID order) for deterministic output.
func computeProcessorIDs(orderedStepIDs []string, graph map[string]orchestration.StepNode) []string {
	seen := map[string]bool{}
	var ids []string
	for _, id := range orderedStepIDs {
		node, exists := graph[id]
		if !exists || node.ProcessorID == "" || seen[node.ProcessorID] {
			continue
		}
		seen[node.ProcessorID] = true
		ids = append(ids, node.ProcessorID)
	}
	return ids
}

func (b *Builder) store(ctx context.Context, plan *orchestration.ExecutionPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return orchestration.Wrap(orchestration.Internal, "serialize execution plan", err)
	}
	return b.cache.Put(ctx, cache.PlanMap, plan.FlowID, data)
}
