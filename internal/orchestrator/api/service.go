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

// Package api is the Orchestration API (spec §4.8): Start, Stop,
// GetStatus, StartScheduler, StopScheduler, GetProcessorHealth, and
// GetProcessorsHealth, all delegating to the Plan Builder, Cache
// Gateway, Health Gate, Dispatcher, and Scheduler underneath. Service
// holds the operations themselves, decoupled from HTTP transport;
// Router (router.go) is the thin HTTP binding over it.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/internal/orchestrator/dispatcher"
	"github.com/tombee/orchestrator/internal/orchestrator/health"
	"github.com/tombee/orchestrator/internal/orchestrator/planner"
	"github.com/tombee/orchestrator/internal/orchestrator/scheduler"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

// StartResult is the response payload for Start.
type StartResult struct {
	Message   string    `json:"message"`
	FlowID    string    `json:"flowId"`
	StartedAt time.Time `json:"startedAt"`
}

// StopResult is the response payload for Stop.
type StopResult struct {
	Message   string    `json:"message"`
	FlowID    string    `json:"flowId"`
	StoppedAt time.Time `json:"stoppedAt"`
}

// StatusResult is the response payload for GetStatus.
type StatusResult struct {
	IsActive        bool      `json:"isActive"`
	StepCount       int       `json:"stepCount"`
	EntryPointCount int       `json:"entryPointCount,omitempty"`
	AssignmentCount int       `json:"assignmentCount"`
	ProcessorIDs    []string  `json:"processorIds,omitempty"`
	IsOneTimeExec   bool      `json:"isOneTimeExecution,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"`
}

// SchedulerStartResult is the response payload for StartScheduler.
type SchedulerStartResult struct {
	CronExpression string    `json:"cronExpression"`
	NextExecution  time.Time `json:"nextExecution"`
	StartedAt      time.Time `json:"startedAt"`
}

// SchedulerStopResult is the response payload for StopScheduler.
type SchedulerStopResult struct {
	StoppedAt time.Time `json:"stoppedAt"`
}

// Service implements the Orchestration API's operations.
//
// Construction is two-phase because the Scheduler's FireFunc is this
// Service's own Fire method: build the Service first with NewService,
// construct a *scheduler.Scheduler with svc.Fire as its FireFunc, then
// call SetScheduler to complete the wiring (see cmd/orchestratord).
type Service struct {
	builder    *planner.Builder
	cache      cache.Gateway
	gate       *health.Gate
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger
}

// NewService wires the Orchestration API over its component
// dependencies. A nil logger defaults to slog.Default(). The scheduler
// is attached afterward via SetScheduler.
func NewService(
	builder *planner.Builder,
	cacheGateway cache.Gateway,
	gate *health.Gate,
	dsp *dispatcher.Dispatcher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{builder: builder, cache: cacheGateway, gate: gate, dispatcher: dsp, logger: logger}
}

// SetScheduler attaches the Scheduler once it has been constructed with
// this Service's Fire method as its FireFunc.
func (s *Service) SetScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}

// validateFlowID enforces canonical hyphenated UUID form (spec §6: "All
// IDs are string UUIDs in canonical hyphenated form; invalid form
// returns 400").
func validateFlowID(flowID string) error {
	if _, err := uuid.Parse(flowID); err != nil {
		return orchestration.New(orchestration.InvalidArgument, "flowId must be a canonical UUID")
	}
	return nil
}

// loadPlan reads and deserializes the stored plan for flowID, if any.
func (s *Service) loadPlan(ctx context.Context, flowID string) (*orchestration.ExecutionPlan, bool, error) {
	data, found, err := s.cache.Get(ctx, cache.PlanMap, flowID)
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

// Fire is the shared entry-point dispatch path used by both Start's
// immediate dispatch and the Scheduler's FireFunc: load the plan, gate
// on processor health, and dispatch entry points if healthy. A failing
// health gate skips the fire without returning an error (spec §7:
// HealthGateFailed "causes fire skip", non-fatal).
func (s *Service) Fire(ctx context.Context, flowID string, hctx orchestration.HierarchicalContext) error {
	logger := hctx.Logger(s.logger)

	plan, found, err := s.loadPlan(ctx, flowID)
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("orchestration data not found")
		return orchestration.New(orchestration.NotFound, "no execution plan stored for flow")
	}

	allowed, err := s.gate.Allow(ctx, plan.ProcessorIDs)
	if err != nil {
		return err
	}
	if !allowed {
		logger.Warn("processor health validation failed, skipping fire")
		return nil
	}

	return s.dispatcher.DispatchEntryPoints(ctx, plan, hctx)
}

// Start builds and stores an execution plan for flowID, then performs
// an immediate entry-point dispatch carrying correlationID (or a freshly
// minted one). Start is idempotent with respect to storage: re-storing
// overwrites the previous plan (spec §4.8).
func (s *Service) Start(ctx context.Context, flowID, correlationID string) (*StartResult, error) {
	if err := validateFlowID(flowID); err != nil {
		return nil, err
	}

	hctx := orchestration.HierarchicalContext{FlowID: flowID}.WithCorrelationID(correlationID)

	if _, err := s.builder.Build(ctx, hctx, flowID); err != nil {
		return nil, err
	}

	if err := s.Fire(ctx, flowID, hctx); err != nil {
		// Start failures leave no residual cache entry (spec §7); best
		// effort only, the original error is what's returned either way.
		if removeErr := s.cache.Remove(ctx, cache.PlanMap, flowID); removeErr != nil {
			hctx.Logger(s.logger).Warn("cleanup after failed start also failed", "error", removeErr)
		}
		return nil, err
	}

	return &StartResult{Message: "flow started", FlowID: flowID, StartedAt: time.Now().UTC()}, nil
}

// Stop removes the cached plan and stops any active schedule for
// flowID. Both steps are best-effort and idempotent: Stop succeeds even
// if the plan or schedule was already gone (spec §4.8).
func (s *Service) Stop(ctx context.Context, flowID string) (*StopResult, error) {
	if err := validateFlowID(flowID); err != nil {
		return nil, err
	}

	if err := s.cache.Remove(ctx, cache.PlanMap, flowID); err != nil {
		return nil, err
	}

	if err := s.scheduler.StopScheduler(ctx, flowID); err != nil && orchestration.KindOf(err) != orchestration.NotFound {
		return nil, err
	}

	return &StopResult{Message: "flow stopped", FlowID: flowID, StoppedAt: time.Now().UTC()}, nil
}

// GetStatus reports whether a plan is stored for flowID and its step/
// assignment counts. A missing plan is reported as inactive rather than
// a 404 (spec §6's status route lists only 400/500 errors).
func (s *Service) GetStatus(ctx context.Context, flowID string) (*StatusResult, error) {
	if err := validateFlowID(flowID); err != nil {
		return nil, err
	}

	plan, found, err := s.loadPlan(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &StatusResult{IsActive: false}, nil
	}

	return &StatusResult{
		IsActive:        true,
		StepCount:       plan.StepCount(),
		EntryPointCount: len(plan.EntryPoints),
		AssignmentCount: plan.AssignmentCount(),
		ProcessorIDs:    plan.ProcessorIDs,
		IsOneTimeExec:   plan.IsOneTimeExecution,
		ExpiresAt:       plan.ExpiresAt,
	}, nil
}

// StartScheduler starts a cron-driven schedule for flowID. Duplicate
// starts fail with AlreadyRunning rather than silently succeeding (spec
// §7: "silently succeeding would hide operator error").
func (s *Service) StartScheduler(ctx context.Context, flowID, cronExpression, correlationID string) (*SchedulerStartResult, error) {
	if err := validateFlowID(flowID); err != nil {
		return nil, err
	}

	if err := s.scheduler.StartScheduler(ctx, flowID, cronExpression, correlationID); err != nil {
		return nil, err
	}

	next, _ := s.scheduler.NextFireTime(flowID)
	return &SchedulerStartResult{CronExpression: cronExpression, NextExecution: next, StartedAt: time.Now().UTC()}, nil
}

// StopScheduler stops flowID's active schedule, failing with NotFound
// if none exists.
func (s *Service) StopScheduler(ctx context.Context, flowID string) (*SchedulerStopResult, error) {
	if err := validateFlowID(flowID); err != nil {
		return nil, err
	}
	if err := s.scheduler.StopScheduler(ctx, flowID); err != nil {
		return nil, err
	}
	return &SchedulerStopResult{StoppedAt: time.Now().UTC()}, nil
}

// GetProcessorHealth returns the cached health snapshot for processorID.
func (s *Service) GetProcessorHealth(ctx context.Context, processorID string) (*orchestration.ProcessorHealthSnapshot, error) {
	if processorID == "" {
		return nil, orchestration.New(orchestration.InvalidArgument, "processorId must not be empty")
	}
	snapshot, err := s.gate.GetProcessorHealth(ctx, processorID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, orchestration.New(orchestration.NotFound, "no health snapshot for processor")
	}
	return snapshot, nil
}

// GetProcessorsHealth aggregates per-processor health for every
// processor referenced by flowID's stored plan.
func (s *Service) GetProcessorsHealth(ctx context.Context, flowID string) (*health.PlanHealthReport, error) {
	if err := validateFlowID(flowID); err != nil {
		return nil, err
	}

	plan, found, err := s.loadPlan(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, orchestration.New(orchestration.NotFound, "flow not in cache")
	}

	return s.gate.GetPlanHealth(ctx, flowID, plan.ProcessorIDs)
}
