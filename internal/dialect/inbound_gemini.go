package dialect

import "fmt"

// GeminiPart is one part of a Gemini content turn.
type GeminiPart struct {
	Text string `json:"text,omitempty"`
}

// GeminiContent is one turn of contents[]; role is "user" or "model".
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GenerateContentRequest is the wire shape of POST
// /v1/models/{model}:generateContent and :streamGenerateContent.
type GenerateContentRequest struct {
	Contents          []GeminiContent `json:"contents"`
	SystemInstruction *GeminiContent  `json:"systemInstruction,omitempty"`
}

// FromGemini adapts a generateContent request into the canonical shape
// (spec §4.7): each turn's parts concatenate to one text, "model" maps to
// the assistant role, and systemInstruction becomes the system turn.
func FromGemini(model string, req GenerateContentRequest, stream bool) (Request, error) {
	if len(req.Contents) == 0 {
		return Request{}, fmt.Errorf("contents must not be empty")
	}

	var turns []Turn
	for _, c := range req.Contents {
		role := RoleUser
		if c.Role == "model" {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Text: geminiPartsText(c.Parts)})
	}

	var system string
	if req.SystemInstruction != nil {
		system = geminiPartsText(req.SystemInstruction.Parts)
	}

	return Request{
		Model:    model,
		System:   system,
		Messages: turns,
		Stream:   stream,
	}, nil
}

func geminiPartsText(parts []GeminiPart) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}
