package chatapi

import (
	"encoding/json"
	"strings"
)

// CodeOK marks a content event.
const CodeOK = 0

// CodeUnauthorized is the in-band code for a rejected token.
const CodeUnauthorized = 401

// Event is one NDJSON object from the chat stream.
type Event struct {
	Code      int    `json:"code"`
	SessionID string `json:"session_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Message   string `json:"message,omitempty"`
}

// IsContent reports whether the event carries reply text or a session id.
func (e Event) IsContent() bool { return e.Code == CodeOK }

// IsAuthInvalid reports the in-band signal that the token is invalid or
// expired.
func (e Event) IsAuthInvalid() bool {
	return e.Code == CodeUnauthorized &&
		(strings.Contains(e.Message, "token无效") || strings.Contains(e.Message, "已过期"))
}

// ParseEvents decodes every JSON line of block. Blank and non-JSON lines
// are skipped.
func ParseEvents(block string) []Event {
	var out []Event
	for _, line := range strings.Split(block, "\n") {
		if ev, ok := parseLine(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

func parseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}
