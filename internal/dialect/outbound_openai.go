package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/ozhandev/warp-gateway/internal/transport"
)

// ChatCompletionChunk is one SSE data line of a streamed
// /v1/chat/completions response, grounded on chat_gateway_support._chunk.
type ChatCompletionChunk struct {
	ID      string               `json:"id"`
	Object  string               `json:"object"`
	Model   string               `json:"model"`
	Choices []chatChunkChoice    `json:"choices"`
}

type chatChunkChoice struct {
	Index        int              `json:"index"`
	Delta        chatChunkDelta   `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type chatChunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []chatDeltaToolCall `json:"tool_calls,omitempty"`
}

type chatDeltaToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function chatDeltaToolCallFn `json:"function"`
}

type chatDeltaToolCallFn struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatCompletion is the non-streaming /v1/chat/completions response body.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Model   string             `json:"model"`
	Choices []chatChoice       `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role      string              `json:"role"`
	Content   *string             `json:"content"`
	ToolCalls []chatDeltaToolCall `json:"tool_calls,omitempty"`
}

// StreamOpenAIChat renders out's events as the ordered sequence of SSE data
// payloads a Chat Completions streaming client expects: a role-opening
// chunk, one chunk per text/tool-call delta, and a terminal
// finish_reason chunk (grounded on chat_gateway_support.stream_openai_sse).
// The caller is responsible for "data: " framing and the trailing [DONE].
func StreamOpenAIChat(id, model string, out transport.Outcome) []ChatCompletionChunk {
	events := Events(out)
	chunks := []ChatCompletionChunk{{
		ID: id, Object: "chat.completion.chunk", Model: model,
		Choices: []chatChunkChoice{{Index: 0, Delta: chatChunkDelta{Role: "assistant"}}},
	}}

	sawToolCall := false
	for _, ev := range events {
		if ev.TextDelta != "" {
			chunks = append(chunks, ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Model: model,
				Choices: []chatChunkChoice{{Index: 0, Delta: chatChunkDelta{Content: ev.TextDelta}}},
			})
		}
		for _, tc := range ev.ToolCalls {
			sawToolCall = true
			chunks = append(chunks, ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Model: model,
				Choices: []chatChunkChoice{{Index: 0, Delta: chatChunkDelta{
					ToolCalls: []chatDeltaToolCall{{
						Index: 0, ID: tc.ID, Type: "function",
						Function: chatDeltaToolCallFn{Name: tc.Name, Arguments: tc.Arguments},
					}},
				}}},
			})
		}
	}

	finish := "stop"
	if sawToolCall {
		finish = "tool_calls"
	}
	chunks = append(chunks, ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: model,
		Choices: []chatChunkChoice{{Index: 0, Delta: chatChunkDelta{}, FinishReason: &finish}},
	})
	return chunks
}

// EncodeChatCompletionChunk marshals one chunk as SSE "data: ..." payload
// bytes (without the trailing "\n\n" framing, which the HTTP layer owns).
func EncodeChatCompletionChunk(c ChatCompletionChunk) ([]byte, error) {
	return json.Marshal(c)
}

// CollectOpenAIChat assembles out's events into a single non-streaming
// chat.completion object.
func CollectOpenAIChat(id, model string, out transport.Outcome) ChatCompletion {
	events := Events(out)
	var text string
	var toolCalls []chatDeltaToolCall
	for _, ev := range events {
		text += ev.TextDelta
		for _, tc := range ev.ToolCalls {
			toolCalls = append(toolCalls, chatDeltaToolCall{
				Index: len(toolCalls), ID: tc.ID, Type: "function",
				Function: chatDeltaToolCallFn{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
	}

	finish := "stop"
	var content *string
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	} else {
		content = &text
	}

	return ChatCompletion{
		ID: id, Object: "chat.completion", Model: model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content, ToolCalls: toolCalls},
			FinishReason: finish,
		}},
	}
}

// ResponsesStreamEvent is one SSE event of a streamed /v1/responses response
// (spec §4.8: "response.output_text.delta" + terminal "response.completed").
type ResponsesStreamEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	Response *ResponsesBody `json:"response,omitempty"`
}

// ResponsesBody is the non-streaming /v1/responses response body and the
// terminal streaming event's embedded snapshot.
type ResponsesBody struct {
	Object     string             `json:"object"`
	Status     string             `json:"status"`
	Output     []responsesOutput  `json:"output"`
	OutputText string             `json:"output_text"`
}

type responsesOutput struct {
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []responsesOutputText `json:"content"`
}

type responsesOutputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StreamOpenAIResponses renders out's events as the Responses streaming
// event sequence, accumulating the full text server-side for the terminal
// response.completed snapshot.
func StreamOpenAIResponses(out transport.Outcome) []ResponsesStreamEvent {
	events := Events(out)
	var stream []ResponsesStreamEvent
	var full string
	for _, ev := range events {
		if ev.TextDelta != "" {
			full += ev.TextDelta
			stream = append(stream, ResponsesStreamEvent{Type: "response.output_text.delta", Delta: ev.TextDelta})
		}
	}
	body := CollectOpenAIResponses(out)
	_ = full
	stream = append(stream, ResponsesStreamEvent{Type: "response.completed", Response: &body})
	return stream
}

// CollectOpenAIResponses assembles out's events into a non-streaming
// Responses body (spec §8 scenario 9).
func CollectOpenAIResponses(out transport.Outcome) ResponsesBody {
	events := Events(out)
	var text string
	for _, ev := range events {
		text += ev.TextDelta
	}
	return ResponsesBody{
		Object: "response",
		Status: "completed",
		Output: []responsesOutput{{
			Type: "message", Role: "assistant",
			Content: []responsesOutputText{{Type: "output_text", Text: text}},
		}},
		OutputText: text,
	}
}

func chatCompletionID(accountID string) string {
	return fmt.Sprintf("chatcmpl-%s", accountID)
}
