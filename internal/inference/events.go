package inference

import "encoding/json"

// Event tags emitted by the inference service. Tags outside this set are
// forwarded to clients opaquely and ignored for bookkeeping.
const (
	EventDelta = "delta"
	EventUsage = "usage"
	EventError = "error"
	EventDone  = "done"
)

// Event is one tagged event from the inference stream. Raw preserves the
// exact bytes received so events can be relayed to clients verbatim.
type Event struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes a single event payload, keeping the raw bytes.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// DoneEvent builds a synthetic terminal event for streams that ended without
// one.
func DoneEvent() Event {
	return Event{Type: EventDone, Raw: json.RawMessage(`{"type":"done"}`)}
}

// Payload returns the bytes to forward to a client for this event.
func (e Event) Payload() []byte {
	if e.Raw != nil {
		return e.Raw
	}
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"type":"` + e.Type + `"}`)
	}
	return data
}
