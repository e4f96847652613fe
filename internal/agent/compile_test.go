package agent

import (
	"errors"
	"testing"
	"time"

	"wallets-quickstart/internal/executor"
	"wallets-quickstart/internal/routing"
	"wallets-quickstart/internal/workflow"
)

func node(id string, data map[string]any) map[string]any {
	n := map[string]any{"id": id}
	if data != nil {
		n["data"] = data
	}
	return n
}

func edge(source, target string) map[string]any {
	return map[string]any{"source": source, "target": target}
}

func TestCompileLayersByDependency(t *testing.T) {
	def := workflow.Definition{
		Nodes: []map[string]any{
			node("start", nil),
			node("order", map[string]any{"tool": "orders", "action": "lookup", "parallel": true, "timeoutMs": 1500, "retry": 2,
				"onFailure": map[string]any{"strategy": "continue"}}),
			node("kb", map[string]any{"tool": "knowledge", "action": "query", "parallel": true}),
			node("create", map[string]any{"tool": "returns", "action": "create",
				"onFailure": map[string]any{"strategy": "rollback", "rollbackAction": map[string]any{"tool": "returns", "action": "cancel"}}}),
		},
		Edges: []map[string]any{
			edge("start", "order"),
			edge("start", "kb"),
			edge("order", "create"),
			edge("kb", "create"),
		},
	}
	plan, err := CompileDefinition("return-request-workflow", def)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %+v", plan.Steps)
	}
	first := plan.Steps[0].Actions
	if len(first) != 2 || first[0].Key() != "order" || first[1].Key() != "kb" {
		t.Fatalf("unexpected first layer: %+v", first)
	}
	if first[0].Policy.Timeout != 1500*time.Millisecond || first[0].Policy.Retry != 2 || !first[0].Policy.AllowParallel {
		t.Fatalf("policy not decoded: %+v", first[0].Policy)
	}
	if _, ok := first[0].OnFailure.(executor.Continue); !ok {
		t.Fatalf("expected continue, got %T", first[0].OnFailure)
	}
	rollback, ok := plan.Steps[1].Actions[0].OnFailure.(executor.Rollback)
	if !ok || rollback.Action.Action != "cancel" {
		t.Fatalf("expected rollback to returns.cancel, got %+v", plan.Steps[1].Actions[0].OnFailure)
	}
}

func TestCompileRejectsInvalidGraphs(t *testing.T) {
	tool := map[string]any{"tool": "t", "action": "a"}
	cases := map[string]workflow.Definition{
		"cycle": {
			Nodes: []map[string]any{node("a", tool), node("b", tool)},
			Edges: []map[string]any{edge("a", "b"), edge("b", "a")},
		},
		"unknown edge": {
			Nodes: []map[string]any{node("a", tool)},
			Edges: []map[string]any{edge("a", "ghost")},
		},
		"duplicate node": {
			Nodes: []map[string]any{node("a", tool), node("a", tool)},
		},
		"rollback without action": {
			Nodes: []map[string]any{node("a", map[string]any{"tool": "t", "action": "a", "onFailure": map[string]any{"strategy": "rollback"}})},
		},
		"rollback action without strategy": {
			Nodes: []map[string]any{node("a", map[string]any{"tool": "t", "action": "a",
				"onFailure": map[string]any{"strategy": "abort", "rollbackAction": tool}})},
		},
		"rollback action with retry": {
			Nodes: []map[string]any{node("a", map[string]any{"tool": "t", "action": "a",
				"onFailure": map[string]any{"strategy": "rollback", "rollbackAction": map[string]any{"tool": "t", "action": "undo", "retry": 2}}})},
		},
		"unknown strategy": {
			Nodes: []map[string]any{node("a", map[string]any{"tool": "t", "action": "a", "onFailure": map[string]any{"strategy": "retry"}})},
		},
		"only structural nodes": {
			Nodes: []map[string]any{node("start", nil)},
		},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := CompileDefinition("x", def); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestCompileRejectsNestedRollback(t *testing.T) {
	def := workflow.Definition{Nodes: []map[string]any{
		node("a", map[string]any{"tool": "t", "action": "a", "onFailure": map[string]any{
			"strategy": "rollback",
			"rollbackAction": map[string]any{"tool": "t", "action": "undo", "onFailure": map[string]any{
				"strategy":       "rollback",
				"rollbackAction": map[string]any{"tool": "t", "action": "undo-undo"},
			}},
		}}),
	}}
	_, err := CompileDefinition("x", def)
	if !errors.Is(err, executor.ErrNestedRollback) {
		t.Fatalf("expected nested rollback error, got %v", err)
	}
}

func TestBuiltinPlansAreValid(t *testing.T) {
	for _, id := range routing.WorkflowIDs() {
		plan := BuiltinPlan(id)
		if err := plan.Validate(); err != nil {
			t.Fatalf("plan %s invalid: %v", id, err)
		}
		last := plan.Steps[len(plan.Steps)-1].Actions
		if last[len(last)-1].Key() != ReplyKey {
			t.Fatalf("plan %s must end with the reply action", id)
		}
	}
}

func TestBindRequestKeepsExplicitParams(t *testing.T) {
	plan := executor.Plan{Steps: []executor.Step{{Actions: []executor.Action{
		{Tool: "t", Action: "a", Params: map[string]any{ParamInput: "fixed"}},
		{Tool: "t", Action: "b", OnFailure: executor.Rollback{Action: executor.Action{Tool: "t", Action: "undo"}}},
	}}}}
	bound := bindRequest(plan, "user", true)

	if plan.Steps[0].Actions[1].Params != nil {
		t.Fatalf("source plan must not be mutated")
	}
	if got := bound.Steps[0].Actions[0].Params[ParamInput]; got != "fixed" {
		t.Fatalf("explicit param overwritten: %v", got)
	}
	rollback := bound.Steps[0].Actions[1].OnFailure.(executor.Rollback)
	if rollback.Action.Params[ParamInput] != "user" || rollback.Action.Params[ParamEnableThinking] != true {
		t.Fatalf("rollback params not bound: %+v", rollback.Action.Params)
	}
}
