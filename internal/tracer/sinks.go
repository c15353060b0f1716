package tracer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kingrea/reelflow/internal/logbook"
)

// EventsFile is the JSONL event log inside a job directory.
const EventsFile = "events.jsonl"

// JSONLSink appends events to <dir>/<job>/events.jsonl.
type JSONLSink struct {
	dir string
	mu  sync.Mutex
}

// NewJSONLSink writes beneath dir.
func NewJSONLSink(dir string) *JSONLSink {
	return &JSONLSink{dir: dir}
}

// Path returns the event log for a job.
func (s *JSONLSink) Path(jobID string) string {
	return filepath.Join(s.dir, jobID, EventsFile)
}

func (s *JSONLSink) Write(_ context.Context, event Event) error {
	if event.JobID == "" {
		return fmt.Errorf("tracer: event %s has no job id", event.Kind)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("tracer: marshal event: %w", err)
	}
	path := s.Path(event.JobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tracer: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("tracer: open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("tracer: append event: %w", err)
	}
	return nil
}

// ReadJSONL loads an event log written by JSONLSink.
func ReadJSONL(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tracer: open event log: %w", err)
	}
	defer f.Close()

	events := []Event{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("tracer: parse event line %d: %w", lineNo, err)
		}
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("tracer: read event log: %w", err)
	}
	return events, nil
}

// LogbookSink mirrors events into each job's human-readable journal.
type LogbookSink struct {
	dir   string
	mu    sync.Mutex
	books map[string]*logbook.Logbook
}

// NewLogbookSink writes journals beneath dir.
func NewLogbookSink(dir string) *LogbookSink {
	return &LogbookSink{dir: dir, books: map[string]*logbook.Logbook{}}
}

func (s *LogbookSink) Write(_ context.Context, event Event) error {
	book, err := s.book(event.JobID)
	if err != nil {
		return err
	}
	level := logbook.LevelInfo
	switch event.Kind {
	case KindStageAttemptFailed, KindStageFallback, KindStageSkipped:
		level = logbook.LevelWarn
	case KindStageFailed:
		level = logbook.LevelError
	case KindJobStateChanged:
		if event.State == "Failed" {
			level = logbook.LevelError
		}
	}
	return book.Append(level, event.Summary())
}

func (s *LogbookSink) book(jobID string) (*logbook.Logbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if book, ok := s.books[jobID]; ok {
		return book, nil
	}
	book, err := logbook.ForJob(s.dir, jobID)
	if err != nil {
		return nil, err
	}
	s.books[jobID] = book
	return book, nil
}

// MemorySink keeps events in memory, mainly for tests and the TUI.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Write(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
