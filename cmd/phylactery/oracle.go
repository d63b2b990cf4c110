package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crozzbite/phylactery/pkg/graph"
	"github.com/crozzbite/phylactery/pkg/tooling"
)

// scriptedOracle is the local stand-in for an external reasoning core. Steps
// are parsed from the user's own words, so the REPL exercises the full
// pipeline without a model behind it.
type scriptedOracle struct {
	registry *tooling.Registry
}

func newScriptedOracle(registry *tooling.Registry) *scriptedOracle {
	return &scriptedOracle{registry: registry}
}

// Plan splits "task: a then b then c" into one step per clause.
func (o *scriptedOracle) Plan(_ context.Context, s *graph.State) ([]string, error) {
	msg := s.LastUserMessage()
	parts := strings.Split(msg, " then ")
	steps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			steps = append(steps, p)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("nothing to plan in %q", msg)
	}
	return steps, nil
}

// NextTool parses the current step as "<tool> <json-args>", falling back to
// the echo tool for free-form steps.
func (o *scriptedOracle) NextTool(_ context.Context, s *graph.State) (string, map[string]any, error) {
	if s.PlanExhausted() {
		return "", nil, fmt.Errorf("no step to execute")
	}
	step := s.Plan[s.CurrentStep]

	name, rest, _ := strings.Cut(step, " ")
	if _, ok := o.registry.Lookup(name); ok {
		args := map[string]any{}
		rest = strings.TrimSpace(rest)
		if rest != "" {
			if err := json.Unmarshal([]byte(rest), &args); err != nil {
				return "", nil, fmt.Errorf("step %q: bad args: %w", step, err)
			}
		}
		return name, args, nil
	}
	return "echo", map[string]any{"text": step}, nil
}

// Respond summarizes the turn.
func (o *scriptedOracle) Respond(_ context.Context, s *graph.State) (string, error) {
	if len(s.Plan) == 0 {
		return "Acknowledged: " + s.LastUserMessage(), nil
	}
	done := 0
	for _, status := range s.StepStatus {
		if status == graph.StepDone {
			done++
		}
	}
	summary := fmt.Sprintf("Completed %d of %d steps.", done, len(s.Plan))
	if res := s.LastToolResult; res != nil && res.Status == graph.StatusFailed {
		summary += " Last step failed: " + res.Reason + "."
	}
	return summary, nil
}
