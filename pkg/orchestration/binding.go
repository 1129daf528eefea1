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
	"encoding/json"
	"fmt"
)

// BindingKind discriminates the tagged AssignmentBinding variant. Dispatch
// on a Binding pattern-matches on Kind() at the edges that need it:
// command serialization and plugin payload assembly (spec §9).
type BindingKind string

const (
	BindingAddress  BindingKind = "Address"
	BindingDelivery BindingKind = "Delivery"
	BindingPlugin   BindingKind = "Plugin"
)

// Binding is the common surface of the three AssignmentBinding variants.
// It is never extended with new methods per-variant beyond Kind(); any
// variant-specific field access happens through a type switch on the
// concrete struct, exactly the pattern-matching spec §9 calls for.
type Binding interface {
	Kind() BindingKind
	EntityID() string
}

// bindingEnvelope is the wire shape every Binding marshals to and
// unmarshals from: a "kind" discriminator plus the union of all
// variant-specific fields. Fields not applicable to a given kind are
// simply omitted by the concrete Marshal implementations.
type bindingEnvelope struct {
	Kind    BindingKind `json:"kind"`
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Payload string      `json:"payload"`

	// AddressBinding
	ConnectionString string `json:"connectionString,omitempty"`

	// PluginBinding
	AssemblyPath        string `json:"assemblyPath,omitempty"`
	AssemblyName         string `json:"assemblyName,omitempty"`
	AssemblyVersion      string `json:"assemblyVersion,omitempty"`
	TypeName             string `json:"typeName,omitempty"`
	InputSchemaID        string `json:"inputSchemaId,omitempty"`
	OutputSchemaID       string `json:"outputSchemaId,omitempty"`
	InputSchemaDefinition  string `json:"inputSchemaDefinition,omitempty"`
	OutputSchemaDefinition string `json:"outputSchemaDefinition,omitempty"`
	Stateless            bool   `json:"stateless,omitempty"`
	ExecutionTimeoutMs   int64  `json:"executionTimeoutMs,omitempty"`
	ValidateInput        bool   `json:"validateInput,omitempty"`
	ValidateOutput       bool   `json:"validateOutput,omitempty"`
}

// AddressBinding resolves an assignment entity ID to an address: a
// destination reachable via a connection string.
type AddressBinding struct {
	ID               string
	Name             string
	Version          string
	Payload          string
	ConnectionString string
}

func (b *AddressBinding) Kind() BindingKind { return BindingAddress }
func (b *AddressBinding) EntityID() string  { return b.ID }

func (b *AddressBinding) MarshalJSON() ([]byte, error) {
	return json.Marshal(bindingEnvelope{
		Kind:             BindingAddress,
		ID:               b.ID,
		Name:             b.Name,
		Version:          b.Version,
		Payload:          b.Payload,
		ConnectionString: b.ConnectionString,
	})
}

// DeliveryBinding resolves an assignment entity ID to a delivery target.
type DeliveryBinding struct {
	ID      string
	Name    string
	Version string
	Payload string
}

func (b *DeliveryBinding) Kind() BindingKind { return BindingDelivery }
func (b *DeliveryBinding) EntityID() string  { return b.ID }

func (b *DeliveryBinding) MarshalJSON() ([]byte, error) {
	return json.Marshal(bindingEnvelope{
		Kind:    BindingDelivery,
		ID:      b.ID,
		Name:    b.Name,
		Version: b.Version,
		Payload: b.Payload,
	})
}

// PluginBinding resolves an assignment entity ID to a loadable plugin,
// carrying everything the processor needs to load and validate it.
type PluginBinding struct {
	ID                     string
	Name                   string
	Version                string
	Payload                string
	AssemblyPath           string
	AssemblyName           string
	AssemblyVersion        string
	TypeName               string
	InputSchemaID          string
	OutputSchemaID         string
	InputSchemaDefinition  string
	OutputSchemaDefinition string
	Stateless              bool
	ExecutionTimeoutMs     int64
	ValidateInput          bool
	ValidateOutput         bool
}

func (b *PluginBinding) Kind() BindingKind { return BindingPlugin }
func (b *PluginBinding) EntityID() string  { return b.ID }

func (b *PluginBinding) MarshalJSON() ([]byte, error) {
	return json.Marshal(bindingEnvelope{
		Kind:                   BindingPlugin,
		ID:                     b.ID,
		Name:                   b.Name,
		Version:                b.Version,
		Payload:                b.Payload,
		AssemblyPath:           b.AssemblyPath,
		AssemblyName:           b.AssemblyName,
		AssemblyVersion:        b.AssemblyVersion,
		TypeName:               b.TypeName,
		InputSchemaID:          b.InputSchemaID,
		OutputSchemaID:         b.OutputSchemaID,
		InputSchemaDefinition:  b.InputSchemaDefinition,
		OutputSchemaDefinition: b.OutputSchemaDefinition,
		Stateless:              b.Stateless,
		ExecutionTimeoutMs:     b.ExecutionTimeoutMs,
		ValidateInput:          b.ValidateInput,
		ValidateOutput:         b.ValidateOutput,
	})
}

// UnmarshalBinding decodes one JSON-encoded binding envelope into its
// concrete type based on the "kind" discriminator. Unknown kinds are a
// hard error, matching the tagged-variant discipline spec §9 requires
// for EntryCondition and mirrored here for symmetry.
func UnmarshalBinding(data []byte) (Binding, error) {
	var env bindingEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal binding envelope: %w", err)
	}

	switch env.Kind {
	case BindingAddress:
		return &AddressBinding{
			ID:               env.ID,
			Name:             env.Name,
			Version:          env.Version,
			Payload:          env.Payload,
			ConnectionString: env.ConnectionString,
		}, nil
	case BindingDelivery:
		return &DeliveryBinding{
			ID:      env.ID,
			Name:    env.Name,
			Version: env.Version,
			Payload: env.Payload,
		}, nil
	case BindingPlugin:
		return &PluginBinding{
			ID:                     env.ID,
			Name:                   env.Name,
			Version:                env.Version,
			Payload:                env.Payload,
			AssemblyPath:           env.AssemblyPath,
			AssemblyName:           env.AssemblyName,
			AssemblyVersion:        env.AssemblyVersion,
			TypeName:               env.TypeName,
			InputSchemaID:          env.InputSchemaID,
			OutputSchemaID:         env.OutputSchemaID,
			InputSchemaDefinition:  env.InputSchemaDefinition,
			OutputSchemaDefinition: env.OutputSchemaDefinition,
			Stateless:              env.Stateless,
			ExecutionTimeoutMs:     env.ExecutionTimeoutMs,
			ValidateInput:          env.ValidateInput,
			ValidateOutput:        env.ValidateOutput,
		}, nil
	default:
		return nil, fmt.Errorf("unknown binding kind %q", env.Kind)
	}
}

// BindingList is a JSON-friendly slice of Binding that unmarshals each
// element through UnmarshalBinding instead of relying on the Binding
// interface's zero value (which encoding/json cannot construct on its
// own for an interface-typed slice element).
type BindingList []Binding

func (l BindingList) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(l))
	for _, b := range l {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

func (l *BindingList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(BindingList, 0, len(raw))
	for _, r := range raw {
		b, err := UnmarshalBinding(r)
		if err != nil {
			return err
		}
		out = append(out, b)
	}
	*l = out
	return nil
}
