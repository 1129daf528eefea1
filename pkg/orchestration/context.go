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

package orchestration

import (
	"log/slog"

	"github.com/google/uuid"
	orchlog "github.com/tombee/orchestrator/internal/log"
)

// HierarchicalContext is the ordered identifier set threaded through
// every orchestrator operation for observability and correlation:
// flow, workflow, correlation, step, processor, publish, and execution
// IDs. Any field may be empty; callers attach only what they know at
// their layer. It is passed explicitly rather than carried in
// ambient/thread-local state (spec §9).
type HierarchicalContext struct {
	FlowID        string
	WorkflowID    string
	CorrelationID string
	StepID        string
	ProcessorID   string
	PublishID     string
	ExecutionID   string
}

// WithCorrelationID returns a copy of the context with CorrelationID
// set, minting a fresh UUID only if none is supplied and none already
// present — an inherited correlation ID is always preserved (spec §3).
func (c HierarchicalContext) WithCorrelationID(correlationID string) HierarchicalContext {
	out := c
	if correlationID != "" {
		out.CorrelationID = correlationID
	} else if out.CorrelationID == "" {
		out.CorrelationID = uuid.NewString()
	}
	return out
}

// WithStep returns a copy of the context scoped to one step.
func (c HierarchicalContext) WithStep(stepID, processorID string) HierarchicalContext {
	out := c
	out.StepID = stepID
	out.ProcessorID = processorID
	return out
}

// WithPublish returns a copy of the context carrying a fresh publish ID
// and the given execution ID (the zero value for entry-point commands,
// per spec §3).
func (c HierarchicalContext) WithPublish(executionID string) HierarchicalContext {
	out := c
	out.PublishID = uuid.NewString()
	out.ExecutionID = executionID
	return out
}

// Logger returns logger enriched with every non-empty field of the
// context, using internal/log's field-key constants so hierarchical
// context always logs under the same keys regardless of which
// component attaches it.
func (c HierarchicalContext) Logger(logger *slog.Logger) *slog.Logger {
	attrs := make([]slog.Attr, 0, 7)
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	add(orchlog.FlowIDKey, c.FlowID)
	add(orchlog.WorkflowIDKey, c.WorkflowID)
	add(orchlog.CorrelationIDKey, c.CorrelationID)
	add(orchlog.StepIDKey, c.StepID)
	add(orchlog.ProcessorIDKey, c.ProcessorID)
	add(orchlog.PublishIDKey, c.PublishID)
	add(orchlog.ExecutionIDKey, c.ExecutionID)

	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}
