package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileLog persists the journal as one JSON record per line in a single
// file shared between processes. Appends take an exclusive fcntl lock and
// reads a shared one, so concurrent workers on the same host (or a shared
// filesystem honoring POSIX locks) interleave safely. The file handle is
// opened per operation; locks are released when it closes.
type FileLog struct {
	path string

	mu      sync.Mutex
	records []Record
	offset  int64
}

var _ LogBackend = (*FileLog)(nil)

// NewFileLog creates a journal log stored at path. The file is created on
// first append.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path}
}

// Path returns the journal file location.
func (l *FileLog) Path() string {
	return l.path
}

// AppendRecords encodes the records as JSON lines and appends them to the
// file under an exclusive lock in one write.
func (l *FileLog) AppendRecords(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode journal record: %w", err)
		}
	}

	// O_APPEND makes the kernel position every write at EOF, so two
	// FileLogs inside one process (where fcntl locks do not exclude each
	// other) still cannot interleave at a stale offset.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()
	if err := lockExclusive(f); err != nil {
		return fmt.Errorf("lock journal file: %w", err)
	}
	defer unlock(f)

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append journal file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync journal file: %w", err)
	}
	return nil
}

// ReadRecords returns every record from index from onward, pulling newly
// appended lines from the file first. Only complete lines are consumed; a
// torn trailing write is left for the next read.
func (l *FileLog) ReadRecords(from int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.refreshLocked(); err != nil {
		return nil, err
	}
	if from < 0 || from > len(l.records) {
		return nil, fmt.Errorf("journal read offset %d out of range (have %d records)", from, len(l.records))
	}
	out := make([]Record, len(l.records)-from)
	copy(out, l.records[from:])
	return out, nil
}

func (l *FileLog) refreshLocked() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()
	if err := lockShared(f); err != nil {
		return fmt.Errorf("lock journal file: %w", err)
	}
	defer unlock(f)

	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read journal file: %w", err)
	}

	consumed := 0
	for {
		nl := bytes.IndexByte(data[consumed:], '\n')
		if nl < 0 {
			break
		}
		line := data[consumed : consumed+nl]
		consumed += nl + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("decode journal record at byte %d: %w", l.offset+int64(consumed-nl-1), err)
		}
		l.records = append(l.records, rec)
	}
	l.offset += int64(consumed)
	return nil
}
