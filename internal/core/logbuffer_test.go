package core

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

// ─── NewLogRingBuffer ────────────────────────────────────────────────────────

func TestNewLogRingBuffer_Empty(t *testing.T) {
	b := NewLogRingBuffer(100)
	if entries := b.GetEntries(10, "", ""); len(entries) != 0 {
		t.Errorf("new buffer should be empty, got %d entries", len(entries))
	}
}

func TestLogRingBuffer_ParsesZerologLines(t *testing.T) {
	b := NewLogRingBuffer(10)
	line := `{"level":"warn","component":"orchestrator","incident_id":"inc-1","correlation_id":"c-1","time":"2026-10-16T09:00:00Z","message":"approval required"}` + "\n"
	n, err := b.Write([]byte(line))
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if n != len(line) {
		t.Errorf("Write() returned %d, want %d", n, len(line))
	}

	entries := b.GetEntries(1, "", "")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != "warn" || e.Component != "orchestrator" || e.IncidentID != "inc-1" || e.CorrelationID != "c-1" {
		t.Errorf("fields not parsed: %+v", e)
	}
	if e.Message != "approval required" {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Timestamp.Year() != 2026 {
		t.Errorf("Timestamp = %v", e.Timestamp)
	}
}

func TestLogRingBuffer_KeepsNonJSONVerbatim(t *testing.T) {
	b := NewLogRingBuffer(10)
	b.Write([]byte("plain text line"))
	e := b.GetEntries(1, "", "")[0]
	if e.Message != "plain text line" || e.Raw != "plain text line" {
		t.Errorf("entry = %+v", e)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestLogRingBuffer_Wraparound(t *testing.T) {
	b := NewLogRingBuffer(5)
	for i := 0; i < 12; i++ {
		b.Write([]byte(fmt.Sprintf(`{"level":"info","message":"m%d"}`, i)))
	}
	entries := b.GetEntries(100, "", "")
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if want := fmt.Sprintf("m%d", 7+i); e.Message != want {
			t.Errorf("entries[%d] = %q, want %q", i, e.Message, want)
		}
	}
}

func TestLogRingBuffer_Filters(t *testing.T) {
	b := NewLogRingBuffer(20)
	b.Write([]byte(`{"level":"info","incident_id":"a","message":"one"}`))
	b.Write([]byte(`{"level":"error","incident_id":"a","message":"two"}`))
	b.Write([]byte(`{"level":"error","incident_id":"b","message":"three"}`))

	if got := b.GetEntries(10, "error", ""); len(got) != 2 || got[0].Message != "two" {
		t.Errorf("level filter: %+v", got)
	}
	if got := b.GetEntries(10, "", "a"); len(got) != 2 || got[1].Message != "two" {
		t.Errorf("incident filter: %+v", got)
	}
	if got := b.GetEntries(1, "error", "b"); len(got) != 1 || got[0].Message != "three" {
		t.Errorf("combined filter: %+v", got)
	}
}

func TestLogRingBuffer_ConcurrentWrites(t *testing.T) {
	b := NewLogRingBuffer(50)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Write([]byte(`{"level":"debug","message":"x"}`))
			}
		}()
	}
	wg.Wait()
	if got := len(b.GetEntries(1000, "", "")); got != 50 {
		t.Errorf("expected a full buffer of 50, got %d", got)
	}
}

// ─── NewLogger ───────────────────────────────────────────────────────────────

func TestNewLogger_TapReceivesJSON(t *testing.T) {
	var console bytes.Buffer
	b := NewLogRingBuffer(10)
	logger := NewLogger(LoggingConfig{Level: "info", Format: "console"}, &console, b)
	logger.Info().Str("component", "test").Msg("hello")

	entries := b.GetEntries(1, "", "")
	if len(entries) != 1 || entries[0].Component != "test" || entries[0].Message != "hello" {
		t.Fatalf("tap should receive structured lines: %+v", entries)
	}
	if !bytes.Contains(console.Bytes(), []byte("hello")) {
		t.Error("console output missing")
	}
}
