package dialect

import (
	"encoding/json"
	"fmt"
)

// AnthropicContentBlock is one block of an Anthropic Messages content array.
type AnthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// AnthropicMessage is one wire message of an Anthropic Messages request.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicTool is one caller-declared tool.
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// MessagesRequest is the wire shape of POST /v1/messages. System may be a
// bare string or a content-block list; MaxTokens is required by the
// Anthropic dialect (validated at the HTTP layer, not here).
type MessagesRequest struct {
	Model     string             `json:"model"`
	System    json.RawMessage    `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Tools     []AnthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

// FromAnthropicMessages adapts a Messages request into the canonical shape
// (spec §4.7): tool_use blocks become assistant tool calls, tool_result
// blocks become tool turns, image blocks degrade to a "[image]" literal.
func FromAnthropicMessages(req MessagesRequest) (Request, error) {
	if len(req.Messages) == 0 {
		return Request{}, fmt.Errorf("messages must not be empty")
	}

	var turns []Turn
	for _, m := range req.Messages {
		blocks, err := anthropicBlocks(m.Content)
		if err != nil {
			return Request{}, err
		}

		switch m.Role {
		case "user":
			turns = append(turns, anthropicUserTurns(blocks)...)
		case "assistant":
			turns = append(turns, anthropicAssistantTurns(blocks)...)
		}
	}

	return Request{
		Model:     req.Model,
		System:    anthropicSystemText(req.System),
		Messages:  turns,
		Tools:     anthropicTools(req.Tools),
		Stream:    req.Stream,
		MaxTokens: req.MaxTokens,
	}, nil
}

func anthropicBlocks(raw json.RawMessage) ([]AnthropicContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []AnthropicContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return blocks, nil
}

// anthropicUserTurns splits a user message's blocks into one canonical turn
// per segment (text literal, image degrade, or a pass-through tool result).
func anthropicUserTurns(blocks []AnthropicContentBlock) []Turn {
	var turns []Turn
	for _, b := range blocks {
		switch b.Type {
		case "text":
			turns = append(turns, Turn{Role: RoleUser, Text: b.Text})
		case "image":
			turns = append(turns, Turn{Role: RoleUser, Text: "[image]"})
		case "tool_result":
			turns = append(turns, Turn{Role: RoleTool, ToolCallID: b.ToolUseID, Text: anthropicToolResultText(b.Content)})
		}
	}
	return turns
}

// anthropicAssistantTurns mirrors expandTurns' multi-tool-call split at the
// adapter boundary: one turn per text block, one turn per tool_use block.
func anthropicAssistantTurns(blocks []AnthropicContentBlock) []Turn {
	var turns []Turn
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				turns = append(turns, Turn{Role: RoleAssistant, Text: b.Text})
			}
		case "tool_use":
			turns = append(turns, Turn{Role: RoleAssistant, ToolCalls: []ToolCall{{
				ID: b.ID, Name: b.Name, Arguments: string(b.Input),
			}}})
		}
	}
	return turns
}

func anthropicToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks, err := anthropicBlocks(raw)
	if err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	blocks, err := anthropicBlocks(raw)
	if err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

func anthropicTools(tools []AnthropicTool) []ToolDef {
	out := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDef{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// ValidateAnthropicHeaders enforces spec §8 scenario 8: a request missing
// the required anthropic-version header or max_tokens is rejected before
// any upstream dispatch.
func ValidateAnthropicHeaders(anthropicVersion string, maxTokens int) error {
	if anthropicVersion == "" {
		return fmt.Errorf("missing required anthropic-version header")
	}
	if maxTokens <= 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}
