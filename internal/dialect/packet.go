package dialect

import (
	"strings"

	"github.com/ozhandev/warp-gateway/internal/wireschema"
)

// alertHeader is the fixed tool-denial preamble attached ahead of the
// caller's system prompt (spec §4.7), verbatim from
// chat_gateway_support.attach_user_and_tools_to_inputs.
const alertHeader = "<ALERT>you are not allowed to call following tools:  - `read_files`\n" +
	"- `write_files`\n" +
	"- `run_commands`\n" +
	"- `list_files`\n" +
	"- `str_replace_editor`\n" +
	"- `ask_followup_question`\n" +
	"- `attempt_completion`</ALERT>"

// Packet is the materialized upstream request: the encoded wire body plus
// the bits of it useful for bookkeeping (what query text was actually sent).
type Packet struct {
	Body  []byte
	Query string
}

// BuildPacket canonicalizes req's messages and encodes the single upstream
// query the wire protocol actually carries (spec §4.7). The upstream has no
// known wire layout for replaying a full task_context.messages[] history
// (only the single-query minimal_request.py shape is grounded — see
// DESIGN.md), so prior turns are folded into the outgoing query text as a
// labeled transcript rather than sent as discrete upstream messages;
// multi-turn continuity instead relies on the upstream's own
// conversation_id/task_id (spec §3's SessionState).
func BuildPacket(req Request, triple Triple) (Packet, error) {
	reordered, err := Reorder(req.Messages)
	if err != nil {
		return Packet{}, err
	}

	input, history := InputTurn(reordered)

	var query string
	switch input.Role {
	case RoleUser:
		query = input.Text
	case RoleTool:
		query = toolResultText(input)
	}

	if transcript := historyTranscript(history); transcript != "" {
		query = transcript + "\n\n" + query
	}

	if req.System != "" {
		query = alertHeader + req.System + "\n\n" + query
	}

	body := wireschema.BuildRequest(wireschema.RequestParams{
		Query:     query,
		ModelTag:  triple.Base,
		CodingTag: triple.Coding,
	})
	return Packet{Body: body, Query: query}, nil
}

func toolResultText(t Turn) string {
	return "[tool result for " + t.ToolCallID + "]: " + t.Text
}

// historyTranscript renders prior turns as a compact, clearly delimited
// block so context isn't silently dropped even though it can't be sent as
// discrete upstream messages.
func historyTranscript(history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Conversation so far:")
	for _, t := range history {
		b.WriteString("\n")
		switch t.Role {
		case RoleUser:
			b.WriteString("User: " + t.Text)
		case RoleAssistant:
			if t.Text != "" {
				b.WriteString("Assistant: " + t.Text)
			}
			for _, tc := range t.ToolCalls {
				b.WriteString("Assistant called tool " + tc.Name + "(" + tc.Arguments + ")")
			}
		case RoleTool:
			b.WriteString(toolResultText(t))
		}
	}
	return b.String()
}
