package dialect

import (
	"encoding/json"
	"fmt"
)

// OpenAIMessage is one wire message of an OpenAI Chat Completions request.
type OpenAIMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content"`
	ToolCalls  []OpenAIToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type OpenAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// ChatCompletionsRequest is the wire shape of POST /v1/chat/completions.
type ChatCompletionsRequest struct {
	Model    string          `json:"model"`
	Messages []OpenAIMessage `json:"messages"`
	Tools    []OpenAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream,omitempty"`
}

// FromOpenAIChat adapts a Chat Completions request into the canonical shape
// (spec §4.7: "used as-is after canonicalization").
func FromOpenAIChat(req ChatCompletionsRequest) (Request, error) {
	if len(req.Messages) == 0 {
		return Request{}, fmt.Errorf("messages must not be empty")
	}
	var system []string
	var turns []Turn
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if text := openAIContentText(m.Content); text != "" {
				system = append(system, text)
			}
		case "user":
			turns = append(turns, Turn{Role: RoleUser, Text: openAIContentText(m.Content)})
		case "assistant":
			turns = append(turns, Turn{
				Role:      RoleAssistant,
				Text:      openAIContentText(m.Content),
				ToolCalls: openAIToolCalls(m.ToolCalls),
			})
		case "tool":
			turns = append(turns, Turn{Role: RoleTool, Text: openAIContentText(m.Content), ToolCallID: m.ToolCallID})
		}
	}

	return Request{
		Model:    req.Model,
		System:   joinNonEmpty(system),
		Messages: turns,
		Tools:    openAITools(req.Tools),
		Stream:   req.Stream,
	}, nil
}

// ResponsesRequest is the wire shape of POST /v1/responses. Input may be a
// bare string or a content-list; both degrade to a single canonical user
// turn (spec §4.7).
type ResponsesRequest struct {
	Model  string          `json:"model"`
	Input  json.RawMessage `json:"input"`
	Stream bool            `json:"stream,omitempty"`
}

// FromOpenAIResponses adapts a Responses request into the canonical shape.
func FromOpenAIResponses(req ResponsesRequest) (Request, error) {
	if len(req.Input) == 0 {
		return Request{}, fmt.Errorf("input must not be empty")
	}
	text := openAIContentText(req.Input)
	return Request{
		Model:    req.Model,
		Messages: []Turn{{Role: RoleUser, Text: text}},
		Stream:   req.Stream,
	}, nil
}

// openAIContentText degrades OpenAI's string-or-content-list content shape
// to a single string (spec §4.7's "Expand ... list into one canonical turn
// per segment" is handled earlier, at the message level — this extracts the
// plain text of a single already-split message).
func openAIContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var out []string
		for _, seg := range segments {
			if seg.Type == "text" || seg.Text != "" {
				out = append(out, seg.Text)
			} else if seg.Type == "image_url" || seg.Type == "image" {
				out = append(out, "[image]")
			}
		}
		return joinNonEmpty(out)
	}
	return ""
}

func openAIToolCalls(tcs []OpenAIToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out
}

func openAITools(tools []OpenAITool) []ToolDef {
	var out []ToolDef
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		out = append(out, ToolDef{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters})
	}
	return out
}

func joinNonEmpty(parts []string) string {
	var out string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
