package logger

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is a single captured log event
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a ring of the most recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// DefaultBufferSize is the capacity of the process log buffer
const DefaultBufferSize = 2000

// GetBuffer returns the process log buffer
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(DefaultBufferSize)
	})
	return globalBuffer
}

// NewLogBuffer creates a buffer holding at most size entries
func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add appends an entry, overwriting the oldest once full
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns up to limit entries newest first. Entries below minLevel or
// older than since are skipped; a zero since disables the age filter.
func (b *LogBuffer) Recent(limit int, minLevel zerolog.Level, since time.Duration) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	var cutoff time.Time
	if since > 0 {
		cutoff = time.Now().Add(-since)
	}

	result := make([]LogEntry, 0, limit)
	size := len(b.entries)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+size)%size]
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if lvl, err := zerolog.ParseLevel(entry.Level); err == nil && lvl < minLevel {
			continue
		}
		result = append(result, entry)
	}
	return result
}

// Count returns the number of buffered entries
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// bufferWriter decodes zerolog JSON events into the buffer
type bufferWriter struct {
	buffer *LogBuffer
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	if entry, ok := parseEvent(p); ok {
		w.buffer.Add(entry)
	}
	return len(p), nil
}

func (w *bufferWriter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return w.Write(p)
}

func parseEvent(p []byte) (LogEntry, bool) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return LogEntry{}, false
	}

	entry := LogEntry{Timestamp: time.Now()}
	if s, ok := fields[zerolog.LevelFieldName].(string); ok {
		entry.Level = s
	}
	if s, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = s
	}
	if s, ok := fields["component"].(string); ok {
		entry.Component = s
	}
	if s, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(zerolog.TimeFieldFormat, s); err == nil {
			entry.Timestamp = ts
		}
	}
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "component"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if entry.Level == "" && entry.Message == "" {
		return LogEntry{}, false
	}
	entry.Level = strings.ToLower(entry.Level)
	return entry, true
}
