package dialect

import (
	"encoding/json"
	"testing"
)

func TestFromOpenAIChatExtractsSystemAndTurns(t *testing.T) {
	req := ChatCompletionsRequest{
		Model: "gpt-5-medium",
		Messages: []OpenAIMessage{
			{Role: "system", Content: json.RawMessage(`"be terse"`)},
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
	}
	out, err := FromOpenAIChat(req)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if out.System != "be terse" {
		t.Fatalf("expected system prompt extracted, got %q", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != RoleUser || out.Messages[0].Text != "hi" {
		t.Fatalf("unexpected messages: %+v", out.Messages)
	}
}

func TestFromOpenAIChatRejectsEmptyMessages(t *testing.T) {
	if _, err := FromOpenAIChat(ChatCompletionsRequest{Model: "auto"}); err == nil {
		t.Fatalf("expected an error for an empty messages array")
	}
}

func TestFromAnthropicMessagesSplitsToolUse(t *testing.T) {
	content := json.RawMessage(`[{"type":"text","text":"let me check"},{"type":"tool_use","id":"t1","name":"lookup","input":{"q":"x"}}]`)
	req := MessagesRequest{
		Model:     "claude-4.5-sonnet",
		MaxTokens: 1024,
		Messages: []AnthropicMessage{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
			{Role: "assistant", Content: content},
		},
	}
	out, err := FromAnthropicMessages(req)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("expected 3 turns (user, assistant-text, assistant-tool-call), got %d: %+v", len(out.Messages), out.Messages)
	}
	last := out.Messages[len(out.Messages)-1]
	if last.Role != RoleAssistant || len(last.ToolCalls) != 1 || last.ToolCalls[0].Name != "lookup" {
		t.Fatalf("expected a singleton tool call turn, got %+v", last)
	}
}

func TestValidateAnthropicHeadersRequiresVersionAndMaxTokens(t *testing.T) {
	if err := ValidateAnthropicHeaders("", 1024); err == nil {
		t.Fatalf("expected error for missing anthropic-version")
	}
	if err := ValidateAnthropicHeaders("2023-06-01", 0); err == nil {
		t.Fatalf("expected error for missing max_tokens")
	}
	if err := ValidateAnthropicHeaders("2023-06-01", 1024); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestFromGeminiMapsModelRoleToAssistant(t *testing.T) {
	req := GenerateContentRequest{
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: "hi"}}},
			{Role: "model", Parts: []GeminiPart{{Text: "hello"}}},
		},
	}
	out, err := FromGemini("gemini-2.5-pro", req, false)
	if err != nil {
		t.Fatalf("adapt: %v", err)
	}
	if out.Messages[1].Role != RoleAssistant {
		t.Fatalf("expected model role to map to assistant, got %q", out.Messages[1].Role)
	}
}

func TestBuildPacketFoldsHistoryIntoQuery(t *testing.T) {
	req := Request{
		Messages: []Turn{
			{Role: RoleUser, Text: "first"},
			{Role: RoleAssistant, Text: "reply"},
			{Role: RoleUser, Text: "second"},
		},
	}
	triple, err := Resolve("auto")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	pkt, err := BuildPacket(req, triple)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}
	if pkt.Query == "" || len(pkt.Body) == 0 {
		t.Fatalf("expected a non-empty query and body")
	}
}
