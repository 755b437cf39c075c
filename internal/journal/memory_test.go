package journal

import "testing"

func TestMemoryLogReadOffsets(t *testing.T) {
	log := NewMemoryLog()
	if err := log.AppendRecords([]Record{
		{Op: OpCreateStudy, Worker: "w1", StudyName: "a"},
		{Op: OpCreateStudy, Worker: "w1", StudyName: "b"},
	}); err != nil {
		t.Fatalf("AppendRecords: %v", err)
	}

	tail := mustRead(t, log)
	if len(tail) != 2 {
		t.Fatalf("expected 2 records, got %d", len(tail))
	}
	if records, err := log.ReadRecords(2); err != nil || len(records) != 0 {
		t.Fatalf("ReadRecords(len) = (%v, %v), want empty", records, err)
	}
	if _, err := log.ReadRecords(3); err == nil {
		t.Fatalf("expected error for out-of-range offset")
	}
	if _, err := log.ReadRecords(-1); err == nil {
		t.Fatalf("expected error for negative offset")
	}
}
