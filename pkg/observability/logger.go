package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// JSONLogger writes each event as a single JSON object on its own line.
// Writes are serialised so events from concurrent node tasks never interleave.
type JSONLogger struct {
	mu       sync.Mutex
	w        io.Writer
	now      func() time.Time
	minLevel Level
}

// NewJSONLogger builds a JSONLogger writing to w.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now, minLevel: LevelInfo}
}

// SetMinLevel drops events below level. Unknown levels are treated as info.
func (l *JSONLogger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return errors.New("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if severity(event.Level) < severity(l.minLevel) {
		return nil
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Event, err)
	}
	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event %s: %w", event.Event, err)
	}
	return nil
}

func severity(level Level) int {
	switch level {
	case LevelWarn:
		return 1
	case LevelError:
		return 2
	default:
		return 0
	}
}

var _ Logger = (*JSONLogger)(nil)
var _ Logger = LoggerFunc(nil)
