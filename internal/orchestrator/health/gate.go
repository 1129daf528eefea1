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

// Package health implements the processor-health gate: a read-only
// view over snapshots external processors write to the cache, used to
// decide whether a fire may dispatch. Unlike the teacher's
// lifecycle.HealthChecker, which actively polls an HTTP endpoint with
// backoff, this gate never polls — it reads whatever the cache holds
// and applies a staleness threshold by duration (spec §4.4).
package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tombee/orchestrator/internal/orchestrator/cache"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

// HealthCounts tallies processors by reported status, with Unknown
// covering a missing or stale snapshot.
type HealthCounts struct {
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Unknown   int `json:"unknown"`
}

// PlanHealthReport aggregates per-processor health for one flow's plan.
type PlanHealthReport struct {
	FlowID         string
	Healthy        bool
	Counts         HealthCounts
	Snapshots      map[string]*orchestration.ProcessorHealthSnapshot
	StaleOrMissing []string
}

// Gate answers "may this flow dispatch now?" from cached processor
// health snapshots.
type Gate struct {
	cache              cache.Gateway
	stalenessThreshold time.Duration
}

// DefaultStalenessThreshold is used when no explicit threshold is
// configured.
const DefaultStalenessThreshold = 30 * time.Second

// New constructs a Gate. A zero threshold defaults to
// DefaultStalenessThreshold.
func New(gateway cache.Gateway, stalenessThreshold time.Duration) *Gate {
	if stalenessThreshold <= 0 {
		stalenessThreshold = DefaultStalenessThreshold
	}
	return &Gate{cache: gateway, stalenessThreshold: stalenessThreshold}
}

// GetProcessorHealth performs a single cache lookup for processorID's
// snapshot, with no retry (spec §4.4).
func (g *Gate) GetProcessorHealth(ctx context.Context, processorID string) (*orchestration.ProcessorHealthSnapshot, error) {
	data, ok, err := g.cache.Get(ctx, cache.HealthMap, processorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var snapshot orchestration.ProcessorHealthSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, orchestration.Wrap(orchestration.Internal, "decode processor health snapshot", err)
	}
	return &snapshot, nil
}

// isHealthy reports whether snapshot represents a processor the gate
// considers dispatchable: present, status Healthy, and not stale.
func (g *Gate) isHealthy(snapshot *orchestration.ProcessorHealthSnapshot) bool {
	if snapshot == nil {
		return false
	}
	if snapshot.Status != orchestration.HealthHealthy {
		return false
	}
	return time.Since(snapshot.ReportedAt) <= g.stalenessThreshold
}

// GetPlanHealth aggregates health across processorIDs into a report.
func (g *Gate) GetPlanHealth(ctx context.Context, flowID string, processorIDs []string) (*PlanHealthReport, error) {
	report := &PlanHealthReport{
		FlowID:    flowID,
		Healthy:   true,
		Snapshots: make(map[string]*orchestration.ProcessorHealthSnapshot, len(processorIDs)),
	}

	for _, processorID := range processorIDs {
		snapshot, err := g.GetProcessorHealth(ctx, processorID)
		if err != nil {
			return nil, err
		}
		report.Snapshots[processorID] = snapshot
		g.tally(&report.Counts, snapshot)
		if !g.isHealthy(snapshot) {
			report.Healthy = false
			report.StaleOrMissing = append(report.StaleOrMissing, processorID)
		}
	}

	return report, nil
}

// tally buckets snapshot into counts by status, treating a missing or
// stale snapshot as Unknown rather than Unhealthy — a processor that
// simply hasn't reported yet is a different condition from one that
// reported itself unhealthy.
func (g *Gate) tally(counts *HealthCounts, snapshot *orchestration.ProcessorHealthSnapshot) {
	if snapshot == nil || time.Since(snapshot.ReportedAt) > g.stalenessThreshold {
		counts.Unknown++
		return
	}
	switch snapshot.Status {
	case orchestration.HealthHealthy:
		counts.Healthy++
	case orchestration.HealthDegraded:
		counts.Degraded++
	case orchestration.HealthUnhealthy:
		counts.Unhealthy++
	default:
		counts.Unknown++
	}
}

// Allow reports true only if every processor ID has a Healthy, non-stale
// snapshot (spec §4.4); otherwise the caller skips the fire with a
// warning.
func (g *Gate) Allow(ctx context.Context, processorIDs []string) (bool, error) {
	for _, processorID := range processorIDs {
		snapshot, err := g.GetProcessorHealth(ctx, processorID)
		if err != nil {
			return false, err
		}
		if !g.isHealthy(snapshot) {
			return false, nil
		}
	}
	return true, nil
}
