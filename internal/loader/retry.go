package loader

import (
	"time"

	"csvload/internal/storage"
)

// maxChunkAttempts caps insert attempts per chunk. Schema creation after a
// missing-schema failure does not consume an attempt.
const maxChunkAttempts = 3

// retryDelay is the pause before re-trying a chunk after a transient
// failure.
const retryDelay = time.Second

// chunkState tracks retry progress for a single chunk.
type chunkState struct {
	// Attempts counts failed insert attempts so far.
	Attempts int
	// Created records that the table was already created in response to a
	// missing-schema failure, so a second such failure is terminal.
	Created bool
}

// chunkDecision is the action the orchestrator takes after a failed
// attempt.
type chunkDecision int

const (
	// decideCreateAndRetry runs the synthesized DDL, then retries the same
	// chunk immediately.
	decideCreateAndRetry chunkDecision = iota
	// decideRetryAfterSleep waits retryDelay and retries the same chunk.
	decideRetryAfterSleep
	// decideFail gives up on the chunk and aborts the run.
	decideFail
)

// nextChunkState advances the retry state machine after a failed insert
// attempt classified as kind. It is pure; the orchestrator performs the
// decided action.
func nextChunkState(st chunkState, kind storage.Kind, autoCreate bool) (chunkState, chunkDecision) {
	st.Attempts++
	switch kind {
	case storage.KindMissingSchema:
		if autoCreate && !st.Created {
			// Creating the table is a repair, not a retry. Give the chunk
			// back its attempt.
			st.Attempts--
			st.Created = true
			return st, decideCreateAndRetry
		}
		return st, decideFail
	case storage.KindTransient:
		if st.Attempts >= maxChunkAttempts {
			return st, decideFail
		}
		return st, decideRetryAfterSleep
	default:
		return st, decideFail
	}
}

// chunkRange is one contiguous slice of the dataset, half-open.
type chunkRange struct {
	Start, End int
}

// chunkRanges partitions n rows into fixed-size contiguous chunks. The
// final chunk may be short. A non-positive size yields a single chunk.
func chunkRanges(n, size int) []chunkRange {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		return []chunkRange{{0, n}}
	}
	ranges := make([]chunkRange, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ranges = append(ranges, chunkRange{start, end})
	}
	return ranges
}
