// Package metrics is a minimal seam between the ingestion pipeline and a
// metrics system. The pipeline calls the package-level helpers; a backend
// (Datadog, or the default no-op) is installed once at startup.
package metrics

import "sync"

// Labels are free-form metric dimensions.
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Passing nil restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

// IncCounter adds delta to a named counter.
func IncCounter(name string, delta float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	b.IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of a named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	b.ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend if it buffers.
func Flush() error {
	mu.RLock()
	b := backend
	mu.RUnlock()
	if f, ok := b.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Metric names emitted by the pipeline.
const (
	// RowsTotal counts rows by kind label: read, inserted, invalid,
	// deduplicated.
	RowsTotal = "csvload_rows_total"
	// ChunksTotal counts chunks by status label: succeeded, failed.
	ChunksTotal = "csvload_chunks_total"
	// ChunkRetriesTotal counts retry attempts across all chunks.
	ChunkRetriesTotal = "csvload_chunk_retries_total"
	// StepDurationSeconds records per-step wall time with a step label.
	StepDurationSeconds = "csvload_step_duration_seconds"
)
