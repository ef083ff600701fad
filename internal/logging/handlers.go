package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// JSONHandler writes one JSON object per line
type JSONHandler struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONHandler(w io.Writer) *JSONHandler {
	return &JSONHandler{w: w}
}

func (h *JSONHandler) Handle(e LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		h.mu.Lock()
		fmt.Fprintf(h.w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		h.mu.Unlock()
		return fmt.Errorf("marshal log entry: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(data, '\n'))
	return err
}

// ConsoleHandler writes human readable lines: [time] [LEVEL] message key=value ...
type ConsoleHandler struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleHandler(w io.Writer) *ConsoleHandler {
	return &ConsoleHandler{w: w}
}

func (h *ConsoleHandler) Handle(e LogEntry) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", e.Time.Format(time.RFC3339Nano), strings.ToUpper(string(e.Level)), e.Message)
	if e.EventID != "" {
		fmt.Fprintf(&b, " event_id=%s", e.EventID)
	}
	if e.DeliveryID != "" {
		fmt.Fprintf(&b, " delivery_id=%s", e.DeliveryID)
	}
	writeSorted(&b, "", e.Fields)
	writeSorted(&b, "meta.", e.Metadata)
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func writeSorted(b *strings.Builder, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s%s=%v", prefix, k, m[k])
	}
}

// Recorder keeps entries in memory for assertions
type Recorder struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Handle(e LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns a copy of every recorded entry in emission order
func (r *Recorder) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Level returns the recorded entries at the given level
func (r *Recorder) Level(level LogLevel) []LogEntry {
	var out []LogEntry
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first entry whose message contains substr
func (r *Recorder) Find(substr string) (LogEntry, bool) {
	for _, e := range r.Entries() {
		if strings.Contains(e.Message, substr) {
			return e, true
		}
	}
	return LogEntry{}, false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
