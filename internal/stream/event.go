package stream

import (
	"encoding/json"
	"math"
)

// Event types with meaning to consumers. Servers may send others.
const (
	TypeMessage  = "message"
	TypeProgress = "progress"
	TypeComplete = "complete"
	TypeError    = "error"
)

// Event is one server-sent record. Fields the server omitted stay zero (or
// nil for the numeric pointers); Raw always holds the payload as received.
type Event struct {
	Type      string   `json:"type"`
	Message   string   `json:"message,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`
	BatchRows *int64   `json:"batchRows,omitempty"`
	TotalRows *int64   `json:"totalRows,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`

	Raw string `json:"-"`
}

// ParseEvent decodes a message payload. Anything that is not a JSON object
// becomes a TypeMessage event carrying the payload as its message, so no
// delivery is ever dropped. Fields of the wrong JSON type are ignored
// individually rather than failing the whole event.
func ParseEvent(data string) Event {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &fields); err != nil || fields == nil {
		return Event{Type: TypeMessage, Message: data, Raw: data}
	}

	ev := Event{Raw: data}

	stringField(fields, "type", &ev.Type)
	stringField(fields, "message", &ev.Message)
	stringField(fields, "error", &ev.Error)
	stringField(fields, "timestamp", &ev.Timestamp)

	ev.Progress = floatField(fields, "progress")
	ev.BatchRows = intField(fields, "batchRows")
	ev.TotalRows = intField(fields, "totalRows")

	return ev
}

func stringField(fields map[string]json.RawMessage, key string, dst *string) {
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, dst)
	}
}

func floatField(fields map[string]json.RawMessage, key string) *float64 {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}

	return &f
}

func intField(fields map[string]json.RawMessage, key string) *int64 {
	f := floatField(fields, key)
	if f == nil {
		return nil
	}

	// Outside the int64 range the conversion is undefined; treat as absent.
	if *f < math.MinInt64 || *f >= math.MaxInt64 {
		return nil
	}

	n := int64(*f)

	return &n
}
