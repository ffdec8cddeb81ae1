package dialect

import (
	"github.com/ozhandev/warp-gateway/internal/transport"
)

// AnthropicStreamEvent is one SSE event of a streamed /v1/messages response
// (spec §4.8): message_start, content_block_start/delta/stop,
// message_delta, message_stop.
type AnthropicStreamEvent struct {
	Type         string              `json:"type"`
	Index        int                 `json:"index,omitempty"`
	Message      *AnthropicMessageBody `json:"message,omitempty"`
	ContentBlock *anthropicBlockStart  `json:"content_block,omitempty"`
	Delta        *anthropicDelta       `json:"delta,omitempty"`
}

type anthropicBlockStart struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Text  string `json:"text,omitempty"`
	Input any    `json:"input,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// AnthropicMessageBody is the non-streaming /v1/messages response body and
// the message_start event's embedded snapshot.
type AnthropicMessageBody struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

// StreamAnthropicMessages renders out's events as the ordered
// content-block-start/delta/stop sequence Anthropic's streaming clients
// expect: a text block opens first; the first tool-call delta closes it and
// opens a tool_use block, whose subsequent argument chunks arrive as
// input_json_delta events.
func StreamAnthropicMessages(id, model string, out transport.Outcome) []AnthropicStreamEvent {
	events := Events(out)

	stream := []AnthropicStreamEvent{
		{Type: "message_start", Message: &AnthropicMessageBody{ID: id, Type: "message", Role: "assistant", Model: model}},
		{Type: "content_block_start", Index: 0, ContentBlock: &anthropicBlockStart{Type: "text", Text: ""}},
	}

	blockIndex := 0
	textOpen := true
	stopReason := "end_turn"

	for _, ev := range events {
		if ev.TextDelta != "" && textOpen {
			stream = append(stream, AnthropicStreamEvent{
				Type: "content_block_delta", Index: blockIndex,
				Delta: &anthropicDelta{Type: "text_delta", Text: ev.TextDelta},
			})
		}
		for _, tc := range ev.ToolCalls {
			if textOpen {
				stream = append(stream, AnthropicStreamEvent{Type: "content_block_stop", Index: blockIndex})
				textOpen = false
			}
			blockIndex++
			stream = append(stream, AnthropicStreamEvent{
				Type: "content_block_start", Index: blockIndex,
				ContentBlock: &anthropicBlockStart{Type: "tool_use", ID: tc.ID, Name: tc.Name},
			})
			stream = append(stream, AnthropicStreamEvent{
				Type: "content_block_delta", Index: blockIndex,
				Delta: &anthropicDelta{Type: "input_json_delta", PartialJSON: tc.Arguments},
			})
			stream = append(stream, AnthropicStreamEvent{Type: "content_block_stop", Index: blockIndex})
			stopReason = "tool_use"
			textOpen = false
		}
	}

	if textOpen {
		stream = append(stream, AnthropicStreamEvent{Type: "content_block_stop", Index: blockIndex})
	}

	stream = append(stream, AnthropicStreamEvent{Type: "message_delta", Delta: &anthropicDelta{StopReason: stopReason}})
	stream = append(stream, AnthropicStreamEvent{Type: "message_stop"})
	return stream
}

// CollectAnthropicMessages assembles out's events into a non-streaming
// Messages response body.
func CollectAnthropicMessages(id, model string, out transport.Outcome) AnthropicMessageBody {
	events := Events(out)
	var blocks []AnthropicContentBlock
	var text string
	stopReason := "end_turn"

	for _, ev := range events {
		text += ev.TextDelta
		for _, tc := range ev.ToolCalls {
			blocks = append(blocks, AnthropicContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: []byte(tc.Arguments)})
			stopReason = "tool_use"
		}
	}
	if text != "" {
		blocks = append([]AnthropicContentBlock{{Type: "text", Text: text}}, blocks...)
	}

	return AnthropicMessageBody{
		ID: id, Type: "message", Role: "assistant", Model: model,
		Content: blocks, StopReason: stopReason,
	}
}
