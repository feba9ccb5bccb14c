package observability

import "time"

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelInfo describes normal progress of a remediation run.
	LevelInfo Level = "info"
	// LevelWarn flags conditions an operator should look at, such as an unready node.
	LevelWarn Level = "warn"
	// LevelError captures failures: a node that could not be rebooted or an aborted run.
	LevelError Level = "error"
)

// Event models one structured log line emitted by the remediator.
//
// Node carries the Kubernetes node the event refers to, if any. Run-level
// events leave it empty.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Node      string                 `json:"node,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a copy of the event with its own Fields map, so concurrent
// node tasks can enrich their view without racing each other.
func (e Event) Clone() Event {
	clone := e
	if e.Fields == nil {
		return clone
	}
	clone.Fields = make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		clone.Fields[k] = v
	}
	return clone
}

// WithField returns a copy of the event with key set to value.
func (e Event) WithField(key string, value interface{}) Event {
	clone := e.Clone()
	if clone.Fields == nil {
		clone.Fields = make(map[string]interface{}, 1)
	}
	clone.Fields[key] = value
	return clone
}
