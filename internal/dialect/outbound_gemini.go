package dialect

import "github.com/ozhandev/warp-gateway/internal/transport"

// GeminiCandidate is one candidate of a generateContent response.
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	Index        int           `json:"index"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// GenerateContentResponse is the wire shape of both the streamed chunks and
// the non-streaming response body (spec §4.8): tool-call streaming is
// undefined on this dialect, so only text deltas are carried through.
type GenerateContentResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
}

// StreamGemini renders out's events as the per-text-delta candidate
// sequence, with a terminal STOP-finished candidate.
func StreamGemini(model string, out transport.Outcome) []GenerateContentResponse {
	events := Events(out)
	var stream []GenerateContentResponse
	for _, ev := range events {
		if ev.TextDelta == "" {
			continue
		}
		stream = append(stream, GenerateContentResponse{
			ModelVersion: model,
			Candidates: []GeminiCandidate{{
				Index:   0,
				Content: GeminiContent{Role: "model", Parts: []GeminiPart{{Text: ev.TextDelta}}},
			}},
		})
	}
	stream = append(stream, GenerateContentResponse{
		ModelVersion: model,
		Candidates: []GeminiCandidate{{
			Index:        0,
			Content:      GeminiContent{Role: "model", Parts: []GeminiPart{}},
			FinishReason: "STOP",
		}},
	})
	return stream
}

// CollectGemini assembles out's events into a single non-streaming
// generateContent response.
func CollectGemini(model string, out transport.Outcome) GenerateContentResponse {
	events := Events(out)
	var text string
	for _, ev := range events {
		text += ev.TextDelta
	}
	return GenerateContentResponse{
		ModelVersion: model,
		Candidates: []GeminiCandidate{{
			Index:        0,
			Content:      GeminiContent{Role: "model", Parts: []GeminiPart{{Text: text}}},
			FinishReason: "STOP",
		}},
	}
}
