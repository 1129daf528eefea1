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

// Package scheduler maps flow IDs to cron expressions and triggers the
// Dispatcher at each fire, keeping at most one active schedule per
// flow and never letting two fires of the same flow overlap.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/orchestrator/pkg/orchestration"
)

// FireFunc is invoked at each due fire. It is expected to run the
// Dispatcher's entry-point path; a returned error is treated as fatal
// for that fire and logged at Error level rather than swallowed.
type FireFunc func(ctx context.Context, flowID string, hctx orchestration.HierarchicalContext) error

// FlowLookup resolves whether a flow is one-shot, the one piece of
// flow metadata the Scheduler needs beyond the cron expression it is
// given at StartScheduler time.
type FlowLookup interface {
	IsOneTimeExecution(ctx context.Context, flowID string) (bool, error)
}

// ScheduleGauge reports the current count of active schedules. Backed
// by internal/orchestrator/metrics.Recorder in production.
type ScheduleGauge interface {
	SetActiveSchedules(n int)
}

type noopScheduleGauge struct{}

func (noopScheduleGauge) SetActiveSchedules(n int) {}

// binding is the process-local SchedulerBinding (spec §3): a flow's
// cron schedule, its persisted correlation ID, and the overlap guard.
type binding struct {
	cronExpr      *CronExpr
	correlationID string
	nextRun       time.Time
	running       bool
}

// Scheduler owns all per-flow schedule bindings and the single ticker
// loop that drives them.
type Scheduler struct {
	mu       sync.Mutex
	bindings map[string]*binding

	fire   FireFunc
	lookup FlowLookup
	gauge  ScheduleGauge
	logger *slog.Logger

	tickInterval time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
	startOnce    sync.Once
}

// New constructs a Scheduler. A zero tickInterval defaults to one
// second, matching the teacher's own ticker cadence. A nil
// ScheduleGauge defaults to a no-op.
func New(fire FireFunc, lookup FlowLookup, gauge ScheduleGauge, logger *slog.Logger, tickInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if gauge == nil {
		gauge = noopScheduleGauge{}
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Scheduler{
		bindings:     make(map[string]*binding),
		fire:         fire,
		lookup:       lookup,
		gauge:        gauge,
		logger:       logger,
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run starts the ticker loop in the background; it is idempotent and
// safe to call multiple times (only the first call takes effect).
// Callers typically invoke it once at process startup and rely on
// ctx cancellation (or Shutdown) to stop it.
func (s *Scheduler) Run(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

// Shutdown stops the ticker loop and waits for it to exit.
func (s *Scheduler) Shutdown() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// StartScheduler validates cron, rejects a duplicate binding for
// flowID with AlreadyRunning, and otherwise stores a new binding
// (spec §4.5(a), (b)).
func (s *Scheduler) StartScheduler(ctx context.Context, flowID, cron, correlationID string) error {
	expr, err := ParseCron(cron)
	if err != nil {
		return orchestration.Wrap(orchestration.InvalidArgument, fmt.Sprintf("invalid cron expression %q", cron), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bindings[flowID]; exists {
		return orchestration.New(orchestration.AlreadyRunning, fmt.Sprintf("flow %q already has an active schedule", flowID))
	}

	s.bindings[flowID] = &binding{
		cronExpr:      expr,
		correlationID: correlationID,
		nextRun:       expr.Next(time.Now().UTC()),
	}
	s.gauge.SetActiveSchedules(len(s.bindings))
	return nil
}

// StopScheduler removes flowID's binding, failing with NotFound if
// none exists (spec §4.5(c), (e)).
func (s *Scheduler) StopScheduler(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bindings[flowID]; !exists {
		return orchestration.New(orchestration.NotFound, fmt.Sprintf("flow %q has no active schedule", flowID))
	}
	delete(s.bindings, flowID)
	s.gauge.SetActiveSchedules(len(s.bindings))
	return nil
}

// NextFireTime returns the next scheduled fire time for flowID, or
// false if no binding exists.
func (s *Scheduler) NextFireTime(flowID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.bindings[flowID]
	if !exists {
		return time.Time{}, false
	}
	return b.nextRun, true
}

// tick advances every due, non-overlapping binding. A binding whose
// previous fire is still running is skipped, not queued (spec
// §4.5(d)) — this is the one place behavior diverges from the
// teacher's tick, which has no overlap guard at all.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make(map[string]*binding)
	for flowID, b := range s.bindings {
		if now.Before(b.nextRun) {
			continue
		}
		if b.running {
			s.logger.Warn("skipping overlapping fire", "flowId", flowID)
			b.nextRun = b.cronExpr.Next(now)
			continue
		}
		b.running = true
		b.nextRun = b.cronExpr.Next(now)
		due[flowID] = b
	}
	s.mu.Unlock()

	for flowID, b := range due {
		go s.fireOne(ctx, flowID, b)
	}
}

// fireOne runs one scheduled fire: mints a correlation ID if the
// binding has none yet, invokes FireFunc, and for one-shot flows stops
// the schedule after a successful fire (spec §4.5, "one-shot flows").
func (s *Scheduler) fireOne(ctx context.Context, flowID string, b *binding) {
	defer func() {
		s.mu.Lock()
		b.running = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	hctx := orchestration.HierarchicalContext{FlowID: flowID}.WithCorrelationID(b.correlationID)
	b.correlationID = hctx.CorrelationID
	s.mu.Unlock()

	logger := hctx.Logger(s.logger)

	if err := s.fire(ctx, flowID, hctx); err != nil {
		logger.Error("scheduled fire failed", "error", err)
		return
	}

	isOneTime, err := s.lookup.IsOneTimeExecution(ctx, flowID)
	if err != nil {
		logger.Warn("failed to determine one-shot status after successful fire", "error", err)
		return
	}
	if !isOneTime {
		return
	}

	if err := s.StopScheduler(ctx, flowID); err != nil {
		logger.Warn("one-shot self-stop failed", "error", err)
	}
}
