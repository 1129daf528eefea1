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

// Package manager implements the Manager Client: HTTP dereferencing of
// entity IDs against the per-entity CRUD managers (flow, workflow, step,
// assignment, address, delivery, plugin, schema), with typed JSON
// decoding and 404-as-absent semantics for probe-style lookups.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/orchestrator/pkg/orchestration"
)

// URLs holds the base URL for each entity manager the Client
// dereferences against. Recognized configuration keys per spec §7:
// ManagerUrls.{OrchestratedFlow,Workflow,Step,Assignment,Address,
// Delivery,Plugin,Schema}.
type URLs struct {
	OrchestratedFlow string `yaml:"orchestratedFlow"`
	Workflow         string `yaml:"workflow"`
	Step             string `yaml:"step"`
	Assignment       string `yaml:"assignment"`
	Address          string `yaml:"address"`
	Delivery         string `yaml:"delivery"`
	Plugin           string `yaml:"plugin"`
	Schema           string `yaml:"schema"`
}

// DefaultURLs returns documented localhost defaults, one port per
// entity manager.
func DefaultURLs() URLs {
	return URLs{
		OrchestratedFlow: "http://localhost:8081",
		Workflow:         "http://localhost:8082",
		Step:             "http://localhost:8083",
		Assignment:       "http://localhost:8084",
		Address:          "http://localhost:8085",
		Delivery:         "http://localhost:8086",
		Plugin:           "http://localhost:8087",
		Schema:           "http://localhost:8088",
	}
}

// Client dereferences entity IDs via HTTP against the per-entity
// managers. It mirrors the teacher's internal/client.Client shape
// (shared http.Client, functional options, bearer-token auth) widened
// to one base URL per entity instead of one base URL for the whole API.
type Client struct {
	httpClient *http.Client
	urls       URLs
	apiKey     string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) { c.apiKey = apiKey }
}

// WithLogger sets the logger used for best-effort schema warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New constructs a Client against the given per-entity base URLs.
func New(urls URLs, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		urls:       urls,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Flow is the orchestrated-flow entity as returned by the
// OrchestratedFlow manager.
type Flow struct {
	ID                 string   `json:"id"`
	Version            string   `json:"version"`
	Name               string   `json:"name"`
	WorkflowID         string   `json:"workflowId"`
	IsOneTimeExecution bool     `json:"isOneTimeExecution"`
	AssignmentIDs      []string `json:"assignmentIds"`
}

// Workflow is the versioned, named container of step IDs a flow
// instantiates.
type Workflow struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	StepIDs []string `json:"stepIds"`
}

// Step is one node of a workflow's graph.
type Step struct {
	ID             string                       `json:"id"`
	ProcessorID    string                       `json:"processorId"`
	NextStepIDs    []string                     `json:"nextStepIds"`
	EntryCondition orchestration.EntryCondition `json:"entryCondition"`
}

// Assignment binds a set of entity IDs (addresses, deliveries,
// plugins) to a step within a flow.
type Assignment struct {
	ID        string   `json:"id"`
	StepID    string   `json:"stepId"`
	EntityIDs []string `json:"entityIds"`
}

// entityEnvelope is the common shape of the raw Address/Delivery/
// Plugin manager responses, decoded once and re-shaped into the
// corresponding Binding.
type entityEnvelope struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	Version                string `json:"version"`
	Payload                string `json:"payload"`
	ConnectionString       string `json:"connectionString"`
	AssemblyPath           string `json:"assemblyPath"`
	AssemblyName           string `json:"assemblyName"`
	AssemblyVersion        string `json:"assemblyVersion"`
	TypeName               string `json:"typeName"`
	InputSchemaID          string `json:"inputSchemaId"`
	OutputSchemaID         string `json:"outputSchemaId"`
	Stateless              bool   `json:"stateless"`
	ExecutionTimeoutMs     int64  `json:"executionTimeoutMs"`
	ValidateInput          bool   `json:"validateInput"`
	ValidateOutput         bool   `json:"validateOutput"`
}

// GetFlow fetches the orchestrated flow by ID. A 404 is reported as
// NotFound, matching the hard-failure contract of §4.3 step 1.
func (c *Client) GetFlow(ctx context.Context, id string) (*Flow, error) {
	var flow Flow
	found, err := c.getTyped(ctx, c.urls.OrchestratedFlow, id, &flow)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, orchestration.New(orchestration.NotFound, fmt.Sprintf("flow %q not found", id))
	}
	return &flow, nil
}

// GetWorkflow fetches the workflow by ID.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	found, err := c.getTyped(ctx, c.urls.Workflow, id, &wf)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, orchestration.New(orchestration.NotFound, fmt.Sprintf("workflow %q not found", id))
	}
	return &wf, nil
}

// GetStep fetches one workflow step by ID.
func (c *Client) GetStep(ctx context.Context, id string) (*Step, error) {
	var step Step
	found, err := c.getTyped(ctx, c.urls.Step, id, &step)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, orchestration.New(orchestration.NotFound, fmt.Sprintf("step %q not found", id))
	}
	return &step, nil
}

// GetAssignment fetches one assignment by ID.
func (c *Client) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	var a Assignment
	found, err := c.getTyped(ctx, c.urls.Assignment, id, &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, orchestration.New(orchestration.NotFound, fmt.Sprintf("assignment %q not found", id))
	}
	return &a, nil
}

// TryGetAddress probes the address manager for id, returning (nil, nil)
// on 404.
func (c *Client) TryGetAddress(ctx context.Context, id string) (*orchestration.AddressBinding, error) {
	var env entityEnvelope
	found, err := c.getTyped(ctx, c.urls.Address, id, &env)
	if err != nil || !found {
		return nil, err
	}
	return &orchestration.AddressBinding{
		ID:               env.ID,
		Name:             env.Name,
		Version:          env.Version,
		Payload:          env.Payload,
		ConnectionString: env.ConnectionString,
	}, nil
}

// TryGetDelivery probes the delivery manager for id, returning (nil,
// nil) on 404.
func (c *Client) TryGetDelivery(ctx context.Context, id string) (*orchestration.DeliveryBinding, error) {
	var env entityEnvelope
	found, err := c.getTyped(ctx, c.urls.Delivery, id, &env)
	if err != nil || !found {
		return nil, err
	}
	return &orchestration.DeliveryBinding{
		ID:      env.ID,
		Name:    env.Name,
		Version: env.Version,
		Payload: env.Payload,
	}, nil
}

// TryGetPlugin probes the plugin manager for id, returning (nil, nil)
// on 404. The returned binding's schema definitions are filled in
// separately by ResolveBinding (via AttachSchemas), since schema attachment is
// best-effort and must not fail this lookup.
func (c *Client) TryGetPlugin(ctx context.Context, id string) (*orchestration.PluginBinding, error) {
	var env entityEnvelope
	found, err := c.getTyped(ctx, c.urls.Plugin, id, &env)
	if err != nil || !found {
		return nil, err
	}
	return &orchestration.PluginBinding{
		ID:                 env.ID,
		Name:               env.Name,
		Version:            env.Version,
		Payload:            env.Payload,
		AssemblyPath:       env.AssemblyPath,
		AssemblyName:       env.AssemblyName,
		AssemblyVersion:    env.AssemblyVersion,
		TypeName:           env.TypeName,
		InputSchemaID:      env.InputSchemaID,
		OutputSchemaID:     env.OutputSchemaID,
		Stateless:          env.Stateless,
		ExecutionTimeoutMs: env.ExecutionTimeoutMs,
		ValidateInput:      env.ValidateInput,
		ValidateOutput:     env.ValidateOutput,
	}, nil
}

// schemaResponse is the shape of a GET /api/Schema/{id} response.
type schemaResponse struct {
	Definition string `json:"definition"`
}

// GetSchemaDefinition fetches a schema's definition string and
// unescapes it if it looks JSON-escaped (spec §4.2: leading quote plus
// an escaped inner quote).
func (c *Client) GetSchemaDefinition(ctx context.Context, id string) (string, error) {
	var resp schemaResponse
	found, err := c.getTyped(ctx, c.urls.Schema, id, &resp)
	if err != nil {
		return "", err
	}
	if !found {
		return "", orchestration.New(orchestration.NotFound, fmt.Sprintf("schema %q not found", id))
	}
	return unescapeSchema(resp.Definition), nil
}

// unescapeSchema undoes JSON-escaping applied upstream: a definition
// that arrives as a quoted, backslash-escaped JSON string literal is
// unwrapped to its plain contents. Anything else is returned unchanged.
func unescapeSchema(s string) string {
	if !strings.HasPrefix(s, `"`) || !strings.Contains(s, `\"`) {
		return s
	}
	var unescaped string
	if err := json.Unmarshal([]byte(s), &unescaped); err != nil {
		return s
	}
	return unescaped
}

// AttachSchemas fills in a plugin binding's input/output schema
// definitions, best-effort: a failed lookup leaves the definition
// empty and logs a warning rather than propagating the error (spec
// §4.2 — the plan builder must not fail the whole flow for this).
func (c *Client) AttachSchemas(ctx context.Context, hctx orchestration.HierarchicalContext, binding *orchestration.PluginBinding) {
	logger := hctx.Logger(c.logger)
	if binding.InputSchemaID != "" {
		def, err := c.GetSchemaDefinition(ctx, binding.InputSchemaID)
		if err != nil {
			logger.Warn("input schema retrieval failed", "schemaId", binding.InputSchemaID, "error", err)
		} else {
			binding.InputSchemaDefinition = def
		}
	}
	if binding.OutputSchemaID != "" {
		def, err := c.GetSchemaDefinition(ctx, binding.OutputSchemaID)
		if err != nil {
			logger.Warn("output schema retrieval failed", "schemaId", binding.OutputSchemaID, "error", err)
		} else {
			binding.OutputSchemaDefinition = def
		}
	}
}

// ResolveBinding probes Address, Delivery, Plugin in that order for
// entityID, returning the first hit (spec §4.2). Plugin hits have
// their schemas attached best-effort before being returned.
func (c *Client) ResolveBinding(ctx context.Context, hctx orchestration.HierarchicalContext, entityID string) (orchestration.Binding, error) {
	if addr, err := c.TryGetAddress(ctx, entityID); err != nil {
		return nil, err
	} else if addr != nil {
		return addr, nil
	}

	if del, err := c.TryGetDelivery(ctx, entityID); err != nil {
		return nil, err
	} else if del != nil {
		return del, nil
	}

	plugin, err := c.TryGetPlugin(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if plugin == nil {
		return nil, orchestration.New(orchestration.NotFound, fmt.Sprintf("entity %q resolved to no address, delivery, or plugin", entityID))
	}
	c.AttachSchemas(ctx, hctx, plugin)
	return plugin, nil
}

// getTyped issues GET {baseURL}/api/{entity-path}/{id} and decodes the
// response into out. It returns (false, nil) on 404 — the shared
// "not found" sentinel every Try* method and GetSchemaDefinition build
// on — and a DownstreamUnavailable error for any other non-2xx status
// or transport failure.
func (c *Client) getTyped(ctx context.Context, baseURL, id string, out any) (bool, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/api/" + id

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, orchestration.Wrap(orchestration.Internal, "build manager request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, orchestration.Wrap(orchestration.DownstreamUnavailable, "manager request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return false, orchestration.New(orchestration.DownstreamUnavailable, fmt.Sprintf("manager returned %d: %s", resp.StatusCode, string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, orchestration.Wrap(orchestration.Internal, "decode manager response", err)
	}
	return true, nil
}
