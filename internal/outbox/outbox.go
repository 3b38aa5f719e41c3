// Package outbox appends an audit trail of trading events to a JSONL file.
// Write failures are logged and swallowed: auditing must never stall trading.
package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/khunter/autotrader/internal/bus"
	"github.com/khunter/autotrader/internal/observ"
)

type entry struct {
	Type  string `json:"type"`
	Data  any    `json:"data"`
	Event string `json:"event"` // RFC3339 UTC
}

// Outbox subscribes to the trading topics and journals each event.
type Outbox struct {
	mu   sync.Mutex
	path string
}

// New creates the journal file's directory and hooks the recorder onto the
// router. An empty path disables journaling entirely.
func New(path string, b *bus.Bus) (*Outbox, error) {
	o := &Outbox{path: path}
	if path == "" {
		return o, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	for _, topic := range []bus.Topic{
		bus.TopicConditionIn,
		bus.TopicConditionOut,
		bus.TopicSurge,
		bus.TopicOrderFilled,
		bus.TopicPositionOpened,
		bus.TopicPositionClosed,
		bus.TopicFeedState,
	} {
		t := topic
		b.Subscribe(t, func(m bus.Message) {
			o.append(string(t), m)
		})
	}
	return o, nil
}

func (o *Outbox) append(kind string, data any) {
	if o.path == "" {
		return
	}
	line, err := json.Marshal(entry{Type: kind, Data: data, Event: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		observ.Log("outbox_marshal_failed", map[string]any{"type": kind, "error": err.Error()})
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		observ.Log("outbox_open_failed", map[string]any{"error": err.Error()})
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		observ.Log("outbox_write_failed", map[string]any{"error": err.Error()})
	}
}

// ReadAll returns every journaled entry, oldest first. Used by tests and the
// console's audit view.
func (o *Outbox) ReadAll() ([]map[string]any, error) {
	if o.path == "" {
		return nil, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				var m map[string]any
				if err := json.Unmarshal(data[start:i], &m); err == nil {
					out = append(out, m)
				}
			}
			start = i + 1
		}
	}
	return out, nil
}
