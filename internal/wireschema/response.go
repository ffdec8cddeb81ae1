package wireschema

import "encoding/json"

// EventType classifies a decoded ResponseEvent per spec §4.3.
type EventType string

const (
	EventInit          EventType = "INITIALIZATION"
	EventFinished      EventType = "FINISHED"
	EventClientActions EventType = "CLIENT_ACTIONS"
	EventUnknown       EventType = "UNKNOWN_EVENT"
)

// No .proto descriptor for warp.multi_agent.v1.ResponseEvent is available in
// this codebase; the field numbers below are this decoder's Open Question
// resolution (DESIGN.md), chosen as the conventional low-number oneof layout
// a protobuf message with this field set would use, and exercised end to end
// against the SSE decode path.
const (
	fieldInit          = 1
	fieldFinished      = 2
	fieldClientActions = 3

	fieldInitConversationID = 1
	fieldInitTaskID         = 2

	fieldActionsList = 1

	fieldActionCreateTask    = 1
	fieldActionAppendContent = 2
	fieldActionAddMessages   = 3
	fieldActionUpdateMessage = 4

	fieldAppendMessage   = 1
	fieldAddMessagesList = 1

	fieldMessageAgentOutput = 1
	fieldMessageToolCall    = 2
	fieldAgentOutputText    = 1

	fieldToolCallID      = 1
	fieldToolCallMCPTool = 2
	fieldMCPToolName     = 1
	fieldMCPToolArgs     = 2
)

// ResponseEvent is the decoded, upstream-agnostic shape the transport
// extracts from one SSE frame: its classification, any text deltas, any
// tool-call announcements, and (for init events) session ids.
type ResponseEvent struct {
	Type           EventType
	ActionKinds    []string
	Text           string
	ToolCalls      []ToolCallDelta
	ConversationID string
	TaskID         string
	Finished       bool
}

// ToolCallDelta is one `call_mcp_tool` announcement.
type ToolCallDelta struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded
}

// DecodeResponseEvent decodes one raw (already base64-decoded) SSE payload
// into a ResponseEvent.
func DecodeResponseEvent(raw []byte) (ResponseEvent, error) {
	msg, err := Decode(raw)
	if err != nil {
		return ResponseEvent{}, err
	}
	return classify(msg), nil
}

func classify(msg Message) ResponseEvent {
	if msg.Has(fieldInit) {
		init := msg.Submessage(fieldInit)
		return ResponseEvent{
			Type:           EventInit,
			ConversationID: init.String(fieldInitConversationID),
			TaskID:         init.String(fieldInitTaskID),
		}
	}
	if msg.Has(fieldFinished) {
		return ResponseEvent{Type: EventFinished, Finished: true}
	}
	if msg.Has(fieldClientActions) {
		actionsMsg := msg.Submessage(fieldClientActions)
		actions := actionsMsg.Submessages(fieldActionsList)

		ev := ResponseEvent{Type: EventClientActions}
		for _, action := range actions {
			switch {
			case action.Has(fieldActionCreateTask):
				ev.ActionKinds = append(ev.ActionKinds, "CREATE_TASK")
			case action.Has(fieldActionAppendContent):
				ev.ActionKinds = append(ev.ActionKinds, "APPEND_CONTENT")
				appended := action.Submessage(fieldActionAppendContent)
				message := appended.Submessage(fieldAppendMessage)
				ev.Text += extractAgentOutputText(message)
			case action.Has(fieldActionAddMessages):
				ev.ActionKinds = append(ev.ActionKinds, "ADD_MESSAGE")
				added := action.Submessage(fieldActionAddMessages)
				for _, message := range added.Submessages(fieldAddMessagesList) {
					ev.Text += extractAgentOutputText(message)
					if tc, ok := extractToolCall(message); ok {
						ev.ToolCalls = append(ev.ToolCalls, tc)
					}
				}
			case action.Has(fieldActionUpdateMessage):
				ev.ActionKinds = append(ev.ActionKinds, "UPDATE_MESSAGE")
			default:
				ev.ActionKinds = append(ev.ActionKinds, "UNKNOWN_ACTION")
			}
		}
		return ev
	}
	return ResponseEvent{Type: EventUnknown}
}

func extractAgentOutputText(message Message) string {
	if message == nil {
		return ""
	}
	agentOutput := message.Submessage(fieldMessageAgentOutput)
	if agentOutput == nil {
		return ""
	}
	return agentOutput.String(fieldAgentOutputText)
}

func extractToolCall(message Message) (ToolCallDelta, bool) {
	if message == nil {
		return ToolCallDelta{}, false
	}
	toolCall := message.Submessage(fieldMessageToolCall)
	if toolCall == nil {
		return ToolCallDelta{}, false
	}
	mcpTool := toolCall.Submessage(fieldToolCallMCPTool)
	if mcpTool == nil {
		return ToolCallDelta{}, false
	}
	name := mcpTool.String(fieldMCPToolName)
	if name == "" {
		return ToolCallDelta{}, false
	}
	argsRaw := mcpTool.String(fieldMCPToolArgs)
	args := argsRaw
	if args == "" {
		args = "{}"
	} else if !json.Valid([]byte(args)) {
		args = "{}"
	}
	return ToolCallDelta{
		ID:        toolCall.String(fieldToolCallID),
		Name:      name,
		Arguments: args,
	}, true
}
