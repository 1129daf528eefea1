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

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionKind enumerates the built-in EntryCondition tags plus the
// Expr escape hatch for "any additional tagged values the domain
// defines" (spec §3). Unmarshaling a shape matching none of these is a
// hard error — the engine never guesses at an unknown condition.
type ConditionKind string

const (
	ConditionPreviousCompleted ConditionKind = "PreviousCompleted"
	ConditionPreviousSuccess   ConditionKind = "PreviousSuccess"
	ConditionAlways            ConditionKind = "Always"
	ConditionExpr              ConditionKind = "Expr"
)

// EntryCondition gates whether a successor fires in response to a
// predecessor's completion event. The three built-in kinds are
// evaluated directly; ConditionExpr compiles and evaluates its Source
// against a small context of {outcome, predecessorStepId}, giving the
// "additional tagged values" the spec allows a concrete home without a
// bespoke mini-language (SPEC_FULL.md §3).
type EntryCondition struct {
	Kind   ConditionKind `json:"kind"`
	Source string        `json:"source,omitempty"`

	program *vm.Program
}

type entryConditionWire struct {
	Kind   ConditionKind `json:"kind"`
	Source string        `json:"source,omitempty"`
}

func (c EntryCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryConditionWire{Kind: c.Kind, Source: c.Source})
}

func (c *EntryCondition) UnmarshalJSON(data []byte) error {
	var w entryConditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case ConditionPreviousCompleted, ConditionPreviousSuccess, ConditionAlways:
		c.Kind = w.Kind
		c.Source = ""
		c.program = nil
		return nil
	case ConditionExpr:
		prog, err := compileConditionExpr(w.Source)
		if err != nil {
			return fmt.Errorf("compile entry condition expr %q: %w", w.Source, err)
		}
		c.Kind = w.Kind
		c.Source = w.Source
		c.program = prog
		return nil
	default:
		return fmt.Errorf("unknown entry condition kind %q", w.Kind)
	}
}

// conditionEnvTemplate documents the evaluation context exposed to a
// ConditionExpr program: the reporting predecessor's step ID and its
// outcome, passed as a plain map at Run time (mirroring the teacher's
// workflow expression evaluator, which evaluates against
// map[string]interface{} rather than a typed struct).
var conditionEnvTemplate = map[string]interface{}{
	"outcome":           "",
	"predecessorStepId": "",
}

func compileConditionExpr(source string) (*vm.Program, error) {
	return expr.Compile(source,
		expr.Env(conditionEnvTemplate),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
}

// ShouldFire evaluates the condition against one completion event,
// exactly the semantics spec §4.7 describes:
//   - PreviousCompleted and Always fire unconditionally on any event.
//   - PreviousSuccess fires only when outcome == Success, scoped to the
//     event's own predecessor (the open-question simplification
//     recorded in DESIGN.md — no cross-predecessor aggregation).
//   - Expr compiles and evaluates its Source against {outcome,
//     predecessorStepId}; a result type known at compile time to be
//     non-bool is rejected with an error by expr.AsBool, and a run-time
//     result that is not a bool counts as not firing.
func (c EntryCondition) ShouldFire(outcome Outcome, predecessorStepID string) (bool, error) {
	switch c.Kind {
	case ConditionPreviousCompleted, ConditionAlways:
		return true, nil
	case ConditionPreviousSuccess:
		return outcome == OutcomeSuccess, nil
	case ConditionExpr:
		prog := c.program
		if prog == nil {
			var err error
			prog, err = compileConditionExpr(c.Source)
			if err != nil {
				return false, fmt.Errorf("compile entry condition expr %q: %w", c.Source, err)
			}
		}
		out, err := expr.Run(prog, map[string]interface{}{
			"outcome":           string(outcome),
			"predecessorStepId": predecessorStepID,
		})
		if err != nil {
			return false, fmt.Errorf("evaluate entry condition expr: %w", err)
		}
		b, _ := out.(bool)
		return b, nil
	default:
		return false, fmt.Errorf("unknown entry condition kind %q", c.Kind)
	}
}

// NewPreviousCompleted, NewPreviousSuccess, and NewAlways construct the
// three built-in EntryCondition values.
func NewPreviousCompleted() EntryCondition { return EntryCondition{Kind: ConditionPreviousCompleted} }
func NewPreviousSuccess() EntryCondition   { return EntryCondition{Kind: ConditionPreviousSuccess} }
func NewAlways() EntryCondition            { return EntryCondition{Kind: ConditionAlways} }

// NewExprCondition compiles source into an Expr-kind EntryCondition,
// returning an error if it fails to compile against conditionEnvTemplate.
func NewExprCondition(source string) (EntryCondition, error) {
	prog, err := compileConditionExpr(source)
	if err != nil {
		return EntryCondition{}, fmt.Errorf("compile entry condition expr %q: %w", source, err)
	}
	return EntryCondition{Kind: ConditionExpr, Source: source, program: prog}, nil
}
