package journal

import (
	"fmt"
	"sync"
)

// MemoryLog keeps the journal in process memory. Sharing one MemoryLog
// between several Storage instances emulates multiple workers appending to
// the same log, which is how the concurrency tests exercise the replay
// semantics without touching the filesystem.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
}

var _ LogBackend = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory journal log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// AppendRecords appends the records atomically.
func (l *MemoryLog) AppendRecords(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
	return nil
}

// ReadRecords returns every record from index from onward.
func (l *MemoryLog) ReadRecords(from int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < 0 || from > len(l.records) {
		return nil, fmt.Errorf("journal read offset %d out of range (have %d records)", from, len(l.records))
	}
	out := make([]Record, len(l.records)-from)
	copy(out, l.records[from:])
	return out, nil
}
