package toolpolicy

import (
	"testing"
)

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		raw     string
		want    Policy
		wantErr bool
	}{
		{raw: "", want: PolicyAuto},
		{raw: "AUTO", want: PolicyAuto},
		{raw: " off ", want: PolicyOff},
		{raw: "rag-only", want: PolicyRAGOnly},
		{raw: "rag_only", want: PolicyRAGOnly},
		{raw: "sometimes", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePolicy(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParsePolicy(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", tc.raw, got, err)
		}
	}
}

func TestFilterOffAlwaysEmpty(t *testing.T) {
	gate := NewGate(PolicyOff)
	tools := []string{"toolA", "toolB"}
	for _, mode := range []RagMode{RagModeRAG, RagModeLLM, ""} {
		got := Filter(gate, &RequestContext{RagMode: mode}, tools)
		if got == nil || len(got) != 0 {
			t.Fatalf("mode %q: expected empty non-nil slice, got %#v", mode, got)
		}
	}
}

func TestFilterRAGOnly(t *testing.T) {
	gate := NewGate(PolicyRAGOnly)
	tools := []string{"toolA", "toolB"}

	if got := Filter(gate, &RequestContext{RagMode: RagModeLLM}, tools); len(got) != 0 {
		t.Fatalf("llm mode should suppress tools, got %v", got)
	}

	got := Filter(gate, &RequestContext{RagMode: RagModeRAG}, tools)
	if len(got) != len(tools) || &got[0] != &tools[0] {
		t.Fatalf("rag mode should return the identical slice")
	}
}

func TestFilterAutoAndNilContext(t *testing.T) {
	tools := []string{"toolA"}
	if got := Filter(NewGate(PolicyAuto), &RequestContext{RagMode: RagModeLLM}, tools); &got[0] != &tools[0] {
		t.Fatalf("auto should pass tools through")
	}
	if got := Filter(NewGate(PolicyOff), nil, tools); &got[0] != &tools[0] {
		t.Fatalf("nil context should pass tools through")
	}
	var zero *Gate
	if got := Filter(zero, &RequestContext{RagMode: RagModeLLM}, tools); len(got) != 1 {
		t.Fatalf("nil gate behaves like auto")
	}
}

func TestSuppressionObserverFiresOnlyForNonEmpty(t *testing.T) {
	var events []Policy
	gate := NewGate(PolicyOff, WithObserver(func(_ RagMode, p Policy) { events = append(events, p) }))

	Filter(gate, &RequestContext{RagMode: RagModeRAG}, []string{})
	if len(events) != 0 {
		t.Fatalf("empty input must not emit an event")
	}
	Filter(gate, &RequestContext{RagMode: RagModeRAG}, []string{"toolA"})
	if len(events) != 1 || events[0] != PolicyOff {
		t.Fatalf("expected one suppression event, got %v", events)
	}
}
