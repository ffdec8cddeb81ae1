package dialect

import (
	"strings"
	"testing"

	"github.com/ozhandev/warp-gateway/internal/transport"
	"github.com/ozhandev/warp-gateway/internal/wireschema"
)

func fakeOutcome(deltas []string, toolCalls []wireschema.ToolCallDelta) transport.Outcome {
	var events []transport.ParsedEvent
	for _, d := range deltas {
		events = append(events, transport.ParsedEvent{Type: wireschema.EventClientActions, Event: wireschema.ResponseEvent{Text: d}})
	}
	if len(toolCalls) > 0 {
		events = append(events, transport.ParsedEvent{Type: wireschema.EventClientActions, Event: wireschema.ResponseEvent{ToolCalls: toolCalls}})
	}
	events = append(events, transport.ParsedEvent{Type: wireschema.EventFinished, Event: wireschema.ResponseEvent{Finished: true}})
	return transport.Outcome{OK: true, ParsedEvents: events}
}

func TestStreamOpenAIChatPreservesText(t *testing.T) {
	out := fakeOutcome([]string{"hel", "lo "}, nil)
	chunks := StreamOpenAIChat("id1", "auto", out)

	var text string
	for _, c := range chunks {
		text += c.Choices[0].Delta.Content
	}
	if text != "hello " {
		t.Fatalf("expected concatenated deltas to equal full text, got %q", text)
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected terminal stop chunk, got %+v", last)
	}
}

func TestCollectOpenAIChatToolCallFinishReason(t *testing.T) {
	out := fakeOutcome(nil, []wireschema.ToolCallDelta{{ID: "t1", Name: "lookup", Arguments: `{"q":"x"}`}})
	resp := CollectOpenAIChat("id1", "auto", out)
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("expected tool_calls finish reason, got %q", resp.Choices[0].FinishReason)
	}
	if len(resp.Choices[0].Message.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.Choices[0].Message.ToolCalls))
	}
}

func TestStreamAnthropicMessagesTextThenToolUse(t *testing.T) {
	out := fakeOutcome([]string{"thinking"}, []wireschema.ToolCallDelta{{ID: "t1", Name: "lookup", Arguments: `{}`}})
	events := StreamAnthropicMessages("id1", "auto", out)

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	joined := strings.Join(types, ",")
	if !strings.Contains(joined, "content_block_start,content_block_delta") {
		t.Fatalf("expected a text block to open then receive a delta, got %s", joined)
	}
	if !strings.Contains(joined, "message_stop") {
		t.Fatalf("expected a terminal message_stop, got %s", joined)
	}
}

func TestCollectGeminiConcatenatesText(t *testing.T) {
	out := fakeOutcome([]string{"a", "b", "c"}, nil)
	resp := CollectGemini("gemini-2.5-pro", out)
	if resp.Candidates[0].Content.Parts[0].Text != "abc" {
		t.Fatalf("expected concatenated text, got %q", resp.Candidates[0].Content.Parts[0].Text)
	}
	if resp.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("expected STOP finish reason, got %q", resp.Candidates[0].FinishReason)
	}
}
