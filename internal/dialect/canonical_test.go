package dialect

import "testing"

func TestReorderIdempotent(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "f"}, {ID: "b", Name: "g"}}},
		{Role: RoleTool, ToolCallID: "a", Text: "result a"},
		{Role: RoleTool, ToolCallID: "b", Text: "result b"},
	}

	once, err := Reorder(history)
	if err != nil {
		t.Fatalf("first reorder: %v", err)
	}
	twice, err := Reorder(once)
	if err != nil {
		t.Fatalf("second reorder: %v", err)
	}
	if len(once) != len(twice) {
		t.Fatalf("not idempotent: %d turns then %d turns", len(once), len(twice))
	}
	for i := range once {
		if once[i].Role != twice[i].Role || once[i].Text != twice[i].Text {
			t.Fatalf("turn %d differs: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestReorderAcceptsTrailingOrphanToolResult(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleTool, ToolCallID: "missing", Text: "orphan"},
	}
	out, err := Reorder(history)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	last := out[len(out)-1]
	if last.Role != RoleTool || last.ToolCallID != "missing" {
		t.Fatalf("expected trailing tool result to survive, got %+v", last)
	}
}

func TestReorderRejectsBadTrailingTurn(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "answer"},
	}
	if _, err := Reorder(history); err != ErrBadTrailingTurn {
		t.Fatalf("expected ErrBadTrailingTurn, got %v", err)
	}
}

func TestReorderRelocatesTrailingToolPair(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "f"}}},
		{Role: RoleTool, ToolCallID: "a", Text: "result"},
	}
	out, err := Reorder(history)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	last := out[len(out)-1]
	if last.Role != RoleTool || last.ToolCallID != "a" {
		t.Fatalf("expected trailing tool result, got %+v", last)
	}
}

func TestCatalogResolveKnownModel(t *testing.T) {
	triple, err := Resolve("gpt-5.1-codex-max-xhigh")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if triple.Base != "gpt-5.1-codex-max" {
		t.Fatalf("unexpected base: %q", triple.Base)
	}
	if triple.Coding != "gpt-5.1-codex-max-xhigh" {
		t.Fatalf("unexpected coding: %q", triple.Coding)
	}
	if triple.Planning == "" {
		t.Fatalf("expected a pinned planning tag")
	}
}

func TestCatalogResolveUnknownModel(t *testing.T) {
	_, err := Resolve("not-a-real-model")
	if err == nil {
		t.Fatalf("expected an error for an unknown model id")
	}
	if _, ok := err.(*ErrUnknownModel); !ok {
		t.Fatalf("expected *ErrUnknownModel, got %T", err)
	}
}
