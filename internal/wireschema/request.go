package wireschema

import "time"

// caps and caps2 are opaque per-client capability bitsets the desktop app
// sends verbatim; their individual byte meanings are not documented upstream.
var (
	caps  = []byte{0x06, 0x07, 0x0C, 0x08, 0x09, 0x0F, 0x0E, 0x00, 0x0B, 0x10, 0x0A, 0x14, 0x11, 0x13, 0x12, 0x02, 0x03, 0x01, 0x0D}
	caps2 = []byte{0x0A, 0x14, 0x06, 0x07, 0x0C, 0x02, 0x01}
)

// BootstrapToolCall is the fixed base64 "IgIQAQ==" payload the desktop
// client prepends to every new conversation as its first tool-call message.
// Reserved for a future task_context.messages[] encoder — BuildRequest's
// single-query packet has no prior task history to bootstrap.
const BootstrapToolCall = "IgIQAQ=="

// RequestParams are the caller-supplied knobs for BuildRequest; WorkingDir
// and HomeDir are cosmetic (the upstream does not execute anything in them)
// and default to "/tmp" like the reference client.
type RequestParams struct {
	Query      string
	WorkingDir string
	HomeDir    string
	ModelTag   string
	CodingTag  string
}

// BuildRequest serializes the minimal multi-agent request packet: a
// conversation bootstrap with no prior history, a single query input, and a
// capability/model configuration block. Field numbers below mirror the
// reference client's own wire layout field-for-field.
func BuildRequest(p RequestParams) []byte {
	if p.WorkingDir == "" {
		p.WorkingDir = "/tmp"
	}
	if p.HomeDir == "" {
		p.HomeDir = "/tmp"
	}
	if p.ModelTag == "" {
		p.ModelTag = "auto"
	}
	if p.CodingTag == "" {
		p.CodingTag = "cli-agent-auto"
	}

	now := time.Now()
	ts := now.Unix()
	nanos := int64(now.Nanosecond())

	field1 := EncString(1, "")

	pathInfo := append(EncString(1, p.WorkingDir), EncString(2, p.HomeDir)...)
	osInfo := EncMessage(1, EncFixed32(9, 0x534F6361))
	shellInfo := append(EncString(1, "zsh"), EncString(2, "5.9")...)
	tsInfo := append(EncVarint(1, uint64(ts)), EncVarint(2, uint64(nanos))...)

	field2_1 := concat(
		EncMessage(1, pathInfo),
		EncMessage(2, osInfo),
		EncMessage(3, shellInfo),
		EncMessage(4, tsInfo),
	)
	queryContent := concat(EncString(1, p.Query), EncString(3, ""), EncVarint(4, 1))
	field2_6 := EncMessage(1, EncMessage(1, queryContent))
	field2 := concat(EncMessage(1, field2_1), EncMessage(6, field2_6))

	modelCfg := append(EncString(1, p.ModelTag), EncString(4, p.CodingTag)...)
	field3 := concat(
		EncMessage(1, modelCfg),
		EncVarint(2, 1),
		EncVarint(3, 1),
		EncVarint(4, 1),
		EncVarint(6, 1),
		EncVarint(7, 1),
		EncVarint(8, 1),
		EncBytes(9, caps),
		EncVarint(10, 1),
		EncVarint(11, 1),
		EncVarint(12, 1),
		EncVarint(13, 1),
		EncVarint(14, 1),
		EncVarint(15, 1),
		EncVarint(16, 1),
		EncVarint(17, 1),
		EncVarint(21, 1),
		EncBytes(22, caps2),
		EncVarint(23, 1),
	)

	entry := append(EncString(1, "entrypoint"), EncMessage(2, EncMessage(3, EncString(1, "USER_INITIATED")))...)
	autoResume := append(EncString(1, "is_auto_resume_after_error"), EncMessage(2, EncVarint(4, 0))...)
	autoDetect := append(EncString(1, "is_autodetected_user_query"), EncMessage(2, EncVarint(4, 1))...)
	field4 := concat(EncMessage(2, entry), EncMessage(2, autoResume), EncMessage(2, autoDetect))

	return concat(field1, EncMessage(2, field2), EncMessage(3, field3), EncMessage(4, field4))
}

func concat(parts ...[]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
