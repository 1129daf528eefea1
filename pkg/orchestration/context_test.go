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

package orchestration_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orchlog "github.com/tombee/orchestrator/internal/log"
	"github.com/tombee/orchestrator/pkg/orchestration"
)

func TestHierarchicalContext_WithCorrelationID_PreservesInherited(t *testing.T) {
	ctx := orchestration.HierarchicalContext{}
	withInherited := ctx.WithCorrelationID("inherited-id")
	assert.Equal(t, "inherited-id", withInherited.CorrelationID)

	again := withInherited.WithCorrelationID("")
	assert.Equal(t, "inherited-id", again.CorrelationID, "an empty new ID must not overwrite an inherited one")
}

func TestHierarchicalContext_WithCorrelationID_MintsWhenNoneInherited(t *testing.T) {
	ctx := orchestration.HierarchicalContext{}
	withMinted := ctx.WithCorrelationID("")
	assert.NotEmpty(t, withMinted.CorrelationID)
}

func TestHierarchicalContext_WithPublish_ZeroExecutionIDForEntryPoints(t *testing.T) {
	ctx := orchestration.HierarchicalContext{FlowID: "flow-1"}
	entry := ctx.WithPublish("")
	assert.NotEmpty(t, entry.PublishID)
	assert.Empty(t, entry.ExecutionID)

	successor := ctx.WithPublish("execution-1")
	assert.NotEmpty(t, successor.PublishID)
	assert.Equal(t, "execution-1", successor.ExecutionID)
}

func TestHierarchicalContext_Logger(t *testing.T) {
	var buf bytes.Buffer
	base := orchlog.New(&orchlog.Config{Level: "info", Format: orchlog.FormatJSON, Output: &buf})

	ctx := orchestration.HierarchicalContext{
		FlowID:        "flow-1",
		WorkflowID:    "workflow-1",
		CorrelationID: "corr-1",
	}
	enriched := ctx.Logger(base)
	enriched.Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "flow-1", entry[orchlog.FlowIDKey])
	assert.Equal(t, "workflow-1", entry[orchlog.WorkflowIDKey])
	assert.Equal(t, "corr-1", entry[orchlog.CorrelationIDKey])
	assert.NotContains(t, entry, orchlog.StepIDKey)
}
