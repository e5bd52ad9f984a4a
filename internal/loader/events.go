package loader

import (
	"log"
	"sync"
	"time"
)

// Level grades an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// Event is one narrated step of an ingestion run. The report remains the
// authoritative machine-readable record; events exist for humans and log
// pipelines watching a run in flight.
type Event struct {
	Time    time.Time
	Level   Level
	Message string
}

// Sink receives events. Implementations must tolerate concurrent Emit
// calls.
type Sink interface {
	Emit(Event)
}

// ListSink buffers events in order. Useful in tests and for callers that
// render the narration after the run.
type ListSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *ListSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the buffered events.
func (s *ListSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// LogSink writes events to a standard logger.
type LogSink struct {
	// Logger defaults to the process logger when nil.
	Logger *log.Logger
}

func (s *LogSink) Emit(e Event) {
	if s.Logger != nil {
		s.Logger.Printf("[%s] %s", e.Level, e.Message)
		return
	}
	log.Printf("[%s] %s", e.Level, e.Message)
}
