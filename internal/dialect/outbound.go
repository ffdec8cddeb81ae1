package dialect

import (
	"github.com/ozhandev/warp-gateway/internal/transport"
	"github.com/ozhandev/warp-gateway/internal/wireschema"
)

// Event is the canonical per-upstream-event shape every outbound translator
// consumes (spec §4.8): "(text_deltas[], tool_call_deltas[], finished?)".
type Event struct {
	TextDelta string
	ToolCalls []wireschema.ToolCallDelta
	Finished  bool
}

// Events projects a completed transport.Outcome into the canonical event
// sequence, in arrival order (spec §5: "no reordering"). The transport
// layer already drains the SSE stream to completion before returning an
// Outcome, so "streaming" downstream of this call means replaying these
// events as dialect-framed chunks, not a live byte-for-byte relay.
func Events(out transport.Outcome) []Event {
	events := make([]Event, 0, len(out.ParsedEvents))
	for _, pe := range out.ParsedEvents {
		events = append(events, Event{
			TextDelta: pe.Event.Text,
			ToolCalls: pe.Event.ToolCalls,
			Finished:  pe.Type == wireschema.EventFinished,
		})
	}
	return events
}
