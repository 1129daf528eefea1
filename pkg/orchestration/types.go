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

// Package orchestration holds the domain types shared across the
// orchestrator's components: the execution plan, its tagged assignment
// bindings, entry conditions, processor health, and the hierarchical
// logging context threaded through every operation.
package orchestration

import "time"

// Outcome is the result reported by a processor for a completed activity.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
)

// HealthStatus is the status reported in a ProcessorHealthSnapshot.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "Healthy"
	HealthDegraded  HealthStatus = "Degraded"
	HealthUnhealthy HealthStatus = "Unhealthy"
)

// NeverExpires is the sentinel stored in ExecutionPlan.ExpiresAt for plans
// whose lifetime is governed entirely by Stop rather than a TTL. It is the
// last second of year 9999, the latest time encoding/json can marshal. The
// cache layer applies no TTL of its own and never reads this value (spec
// §9, "cache with never-expires sentinels").
var NeverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// StepNode is one vertex of an ExecutionPlan's step graph.
type StepNode struct {
	ProcessorID   string          `json:"processorId"`
	NextStepIDs   []string        `json:"nextStepIds"`
	EntryCondition EntryCondition `json:"entryCondition"`
}

// ExecutionPlan is the fully dereferenced, serialized view of an
// orchestrated flow, stored in the Cache Gateway's plan map under the
// flow ID. It is immutable once stored; a new Start overwrites it
// wholesale rather than mutating it in place.
type ExecutionPlan struct {
	FlowID             string                  `json:"flowId"`
	Version            string                  `json:"version"`
	Name               string                  `json:"name"`
	WorkflowID         string                  `json:"workflowId"`
	IsOneTimeExecution bool                    `json:"isOneTimeExecution"`
	StepGraph          map[string]StepNode     `json:"stepGraph"`
	EntryPoints        []string                `json:"entryPoints"`
	ProcessorIDs       []string                `json:"processorIds"`
	Assignments        map[string]BindingList  `json:"assignments"`
	ExpiresAt          time.Time               `json:"expiresAt"`
}

// StepCount returns the number of steps in the plan's graph.
func (p *ExecutionPlan) StepCount() int {
	return len(p.StepGraph)
}

// AssignmentCount returns the total number of resolved bindings across
// all steps.
func (p *ExecutionPlan) AssignmentCount() int {
	n := 0
	for _, bindings := range p.Assignments {
		n += len(bindings)
	}
	return n
}

// ProcessorHealthSnapshot is the cached record of a processor's last
// known status. The orchestrator treats it as opaque aside from Status
// and the reported-at timestamp used for staleness.
type ProcessorHealthSnapshot struct {
	ProcessorID string                 `json:"processorId"`
	Status      HealthStatus           `json:"status"`
	ReportedAt  time.Time              `json:"reportedAt"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// ExecuteActivityCommand is the message the Dispatcher publishes on the
// bus for one target step, either an entry point or a successor unlocked
// by traversal.
type ExecuteActivityCommand struct {
	FlowID        string     `json:"flowId"`
	WorkflowID    string     `json:"workflowId"`
	CorrelationID string     `json:"correlationId"`
	StepID        string     `json:"stepId"`
	ProcessorID   string     `json:"processorId"`
	PublishID     string      `json:"publishId"`
	ExecutionID   string      `json:"executionId"`
	Assignments   BindingList `json:"assignments"`
}

// ActivityCompletionEvent is the inbound message the Traversal Engine
// consumes to drive successor dispatch.
type ActivityCompletionEvent struct {
	FlowID        string  `json:"flowId"`
	WorkflowID    string  `json:"workflowId"`
	CorrelationID string  `json:"correlationId"`
	StepID        string  `json:"stepId"`
	ExecutionID   string  `json:"executionId"`
	Outcome       Outcome `json:"outcome"`
}
