package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"studycore/pkg/domain"
)

func TestFileLogAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.journal")
	log := NewFileLog(path)

	if records := mustRead(t, log); len(records) != 0 {
		t.Fatalf("expected empty log before first append, got %d records", len(records))
	}

	if err := log.AppendRecords([]Record{
		{Op: OpCreateStudy, Worker: "w1", StudyName: "one"},
		{Op: OpCreateStudy, Worker: "w1", StudyName: "two"},
	}); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}
	if err := log.AppendRecords([]Record{{Op: OpCreateTrial, Worker: "w1", StudyID: 0}}); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}

	records := mustRead(t, log)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].StudyName != "one" || records[1].StudyName != "two" || records[2].Op != OpCreateTrial {
		t.Fatalf("records out of order: %+v", records)
	}

	tail, err := log.ReadRecords(2)
	if err != nil {
		t.Fatalf("ReadRecords(2): %v", err)
	}
	if len(tail) != 1 || tail[0].Op != OpCreateTrial {
		t.Fatalf("unexpected tail %+v", tail)
	}
	if _, err := log.ReadRecords(99); err == nil {
		t.Fatalf("expected error for out-of-range offset")
	}
}

func TestFileLogSeesForeignAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.journal")
	writer := NewFileLog(path)
	reader := NewFileLog(path)

	if err := writer.AppendRecords([]Record{{Op: OpCreateStudy, Worker: "w1", StudyName: "x"}}); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}
	records := mustRead(t, reader)
	if len(records) != 1 || records[0].StudyName != "x" {
		t.Fatalf("reader missed foreign append: %+v", records)
	}

	if err := writer.AppendRecords([]Record{{Op: OpCreateStudy, Worker: "w1", StudyName: "y"}}); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}
	records = mustRead(t, reader)
	if len(records) != 2 {
		t.Fatalf("reader missed incremental append: %+v", records)
	}
}

func TestFileLogConcurrentAppendersDoNotInterleave(t *testing.T) {
	// fcntl locks are per process, so two FileLogs in one process are not
	// excluded by the lock alone; O_APPEND must keep their writes whole.
	path := filepath.Join(t.TempDir(), "concurrent.journal")
	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			log := NewFileLog(path)
			for i := 0; i < perWorker; i++ {
				rec := Record{Op: OpCreateStudy, Worker: fmt.Sprintf("w%d", w), StudyName: fmt.Sprintf("s-%d-%d", w, i)}
				if err := log.AppendRecords([]Record{rec}); err != nil {
					t.Errorf("AppendRecords: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	records := mustRead(t, NewFileLog(path))
	if len(records) != workers*perWorker {
		t.Fatalf("expected %d records, got %d", workers*perWorker, len(records))
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.Op != OpCreateStudy || seen[rec.StudyName] {
			t.Fatalf("corrupted or duplicated record: %+v", rec)
		}
		seen[rec.StudyName] = true
	}
}

func TestFileLogIgnoresTornTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.journal")
	log := NewFileLog(path)
	if err := log.AppendRecords([]Record{{Op: OpCreateStudy, Worker: "w1", StudyName: "ok"}}); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}

	// Simulate a crashed writer that got half a record onto disk.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"op_code":"create_stu`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	records := mustRead(t, log)
	if len(records) != 1 {
		t.Fatalf("torn line must not be consumed, got %d records", len(records))
	}
}

func TestJournalStoragesShareAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.journal")
	a := NewStorage(NewFileLog(path))
	b := NewStorage(NewFileLog(path))

	studyID, err := a.CreateStudy("file-backed")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	trialID, err := b.CreateTrial(studyID, nil)
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}
	if _, err := b.SetTrialStateValues(trialID, domain.StateComplete, []float64{2.5}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	trial, err := a.Trial(trialID)
	if err != nil {
		t.Fatalf("Trial: %v", err)
	}
	if trial.State != domain.StateComplete {
		t.Fatalf("expected COMPLETE via shared file, got %s", trial.State)
	}

	_, err = b.CreateStudy("file-backed")
	var dup *domain.DuplicatedStudyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatedStudyError across files, got %v", err)
	}
}
