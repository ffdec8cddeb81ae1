// Package dialect implements the three inbound protocol adapters and their
// matching outbound streaming translators (spec §4.7-4.8), sharing one
// canonical request shape and one canonical event iterator so each dialect
// only has to know its own wire format, not the other two.
package dialect

import "fmt"

// Role is a canonical turn's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one assistant-issued function call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON, dialect-native
}

// Turn is one canonical conversation turn after normalization (spec §4.7):
// user/assistant/tool in strict alternation, each assistant turn carrying at
// most one tool call.
type Turn struct {
	Role       Role
	Text       string
	ToolCalls  []ToolCall // at most one entry after Reorder
	ToolCallID string     // set when Role == RoleTool
}

// ToolDef is one caller-declared function tool, forwarded to the upstream as
// an MCP tool declaration (spec §4.7).
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is the canonical, dialect-free shape every inbound adapter
// produces and every outbound translator consumes.
type Request struct {
	Model     string
	System    string
	Messages  []Turn
	Tools     []ToolDef
	Stream    bool
	MaxTokens int
}

// ErrBadTrailingTurn is returned by Reorder when the conversation does not
// close on a user turn or a tool result (spec §4.7: "reject with a
// programmer-error indication").
var ErrBadTrailingTurn = fmt.Errorf("dialect: conversation must end on a user turn or a tool result")

// Reorder implements spec §4.7's common canonicalization rules: expand
// multi-segment user turns into one turn per segment, split multi-tool-call
// assistant turns into one turn per call, pair each tool call with its
// result by id (dropping orphaned tool results), and move the trailing
// assistant-with-tool-call next to the tool result that closes the
// conversation. Grounded on original_source's reorder_messages_for_anthropic.
func Reorder(history []Turn) ([]Turn, error) {
	if len(history) == 0 {
		return nil, nil
	}

	expanded := expandTurns(history)

	lastInputToolID, lastInputIsTool := trailingToolCallID(expanded)

	toolResultsByID := make(map[string]Turn)
	assistantCallIDs := make(map[string]bool)
	for _, m := range expanded {
		if m.Role == RoleTool && m.ToolCallID != "" {
			if _, exists := toolResultsByID[m.ToolCallID]; !exists {
				toolResultsByID[m.ToolCallID] = m
			}
		}
		if m.Role == RoleAssistant {
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					assistantCallIDs[tc.ID] = true
				}
			}
		}
	}

	var result []Turn
	var trailingAssistant *Turn

	for _, m := range expanded {
		switch {
		case m.Role == RoleTool:
			if m.ToolCallID == "" || !assistantCallIDs[m.ToolCallID] {
				result = append(result, m)
				delete(toolResultsByID, m.ToolCallID)
			}
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			ids := toolCallIDs(m)
			if lastInputIsTool && containsID(ids, lastInputToolID) {
				if trailingAssistant == nil {
					cp := m
					trailingAssistant = &cp
				}
				continue
			}
			result = append(result, m)
			for _, id := range ids {
				if tr, ok := toolResultsByID[id]; ok {
					result = append(result, tr)
					delete(toolResultsByID, id)
				}
			}
		default:
			result = append(result, m)
		}
	}

	if lastInputIsTool && trailingAssistant != nil {
		result = append(result, *trailingAssistant)
		if tr, ok := toolResultsByID[lastInputToolID]; ok {
			result = append(result, tr)
		}
	}

	if len(result) == 0 {
		return result, nil
	}
	last := result[len(result)-1]
	if last.Role != RoleUser && !(last.Role == RoleTool && last.ToolCallID != "") {
		return nil, ErrBadTrailingTurn
	}
	return result, nil
}

// expandTurns implements the per-segment and per-tool-call splitting step.
func expandTurns(history []Turn) []Turn {
	var expanded []Turn
	for _, m := range history {
		switch {
		case m.Role == RoleAssistant && len(m.ToolCalls) > 1:
			if m.Text != "" {
				expanded = append(expanded, Turn{Role: RoleAssistant, Text: m.Text})
			}
			for _, tc := range m.ToolCalls {
				expanded = append(expanded, Turn{Role: RoleAssistant, ToolCalls: []ToolCall{tc}})
			}
		default:
			expanded = append(expanded, m)
		}
	}
	return expanded
}

// trailingToolCallID walks backward to find the tool result (if any) that
// closes the conversation, stopping at the first user turn encountered.
func trailingToolCallID(expanded []Turn) (string, bool) {
	for i := len(expanded) - 1; i >= 0; i-- {
		m := expanded[i]
		if m.Role == RoleTool && m.ToolCallID != "" {
			return m.ToolCallID, true
		}
		if m.Role == RoleUser {
			return "", false
		}
	}
	return "", false
}

func toolCallIDs(m Turn) []string {
	ids := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		if tc.ID != "" {
			ids = append(ids, tc.ID)
		}
	}
	return ids
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// InputTurn returns the turn that becomes input.user_inputs.inputs[] (spec
// §4.7): the last turn of a Reordered history, which Reorder guarantees is
// either a user turn or a tool result.
func InputTurn(reordered []Turn) (Turn, []Turn) {
	if len(reordered) == 0 {
		return Turn{}, nil
	}
	last := reordered[len(reordered)-1]
	return last, reordered[:len(reordered)-1]
}
