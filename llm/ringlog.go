package llm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// CALL LOG RING
// ============================================================================

// maxLogEntries bounds the in-memory call log.
const maxLogEntries = 400

// CallRecord captures one completed LLM call.
type CallRecord struct {
	PromptKey string
	Prompt    string
	Raw       string
	Parsed    string
	Timestamp time.Time
}

// RingLog is a fixed-capacity append-only log of LLM calls.
type RingLog struct {
	mu      sync.Mutex
	entries []CallRecord
	start   int
	count   int
}

// NewRingLog creates a log holding at most maxLogEntries records.
func NewRingLog() *RingLog {
	return &RingLog{entries: make([]CallRecord, maxLogEntries)}
}

// Append records a call, evicting the oldest entry when full.
func (r *RingLog) Append(record CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % len(r.entries)
	r.entries[idx] = record
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
}

// Snapshot returns the logged records oldest-first.
func (r *RingLog) Snapshot() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

// Len returns the number of retained records.
func (r *RingLog) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Text renders the retained records as a readable transcript.
func (r *RingLog) Text() string {
	records := r.Snapshot()
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "--- LLM Call @ %s ---\n", rec.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, "Prompt Key: %s\nFinal Prompt:\n---\n%s\n---\n", rec.PromptKey, rec.Prompt)
		fmt.Fprintf(&b, "Raw Response:\n---\n%s\n---\n", rec.Raw)
		fmt.Fprintf(&b, "Final Parsed Output:\n---\n%s\n", rec.Parsed)
		b.WriteString("---------------------------------------------------\n")
	}
	return b.String()
}
