package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	Component     string    `json:"component,omitempty"`
	IncidentID    string    `json:"incident_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Message       string    `json:"message"`
	Raw           string    `json:"raw"`
}

// LogRingBuffer is a fixed-size ring of recent log lines, served by the API.
// It expects zerolog JSON lines and keeps anything else verbatim.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
}

func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

func parseLogLine(line string) LogEntry {
	entry := LogEntry{Timestamp: time.Now().UTC(), Raw: line, Message: line}
	var fields struct {
		Time          time.Time `json:"time"`
		Level         string    `json:"level"`
		Component     string    `json:"component"`
		IncidentID    string    `json:"incident_id"`
		CorrelationID string    `json:"correlation_id"`
		Message       string    `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return entry
	}
	if !fields.Time.IsZero() {
		entry.Timestamp = fields.Time.UTC()
	}
	entry.Level = fields.Level
	entry.Component = fields.Component
	entry.IncidentID = fields.IncidentID
	entry.CorrelationID = fields.CorrelationID
	entry.Message = fields.Message
	return entry
}

// Write implements io.Writer so the buffer can be a zerolog output.
func (b *LogRingBuffer) Write(p []byte) (n int, err error) {
	entry := parseLogLine(strings.TrimRight(string(p), "\n"))

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()

	return len(p), nil
}

// GetEntries returns up to n of the most recent entries, oldest first. A
// non-empty level keeps only entries at that level; a non-empty incident id
// keeps only entries logged for that incident.
func (b *LogRingBuffer) GetEntries(n int, level, incidentID string) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	out := make([]LogEntry, 0, min(n, total))
	if n <= 0 {
		return out
	}
	// Walk backwards from the newest entry, then reverse.
	for i := 0; i < total && len(out) < n; i++ {
		idx := (b.pos - 1 - i + b.maxSize) % b.maxSize
		e := b.entries[idx]
		if level != "" && e.Level != level {
			continue
		}
		if incidentID != "" && e.IncidentID != incidentID {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
