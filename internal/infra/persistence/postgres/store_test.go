package postgres

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"studycore/pkg/domain"

	_ "modernc.org/sqlite"
)

// overrideWithSQLite routes the store's sql.Open through an on-disk SQLite
// database. The snapshot statements stay inside the dialect subset both
// engines share ($n placeholders, ON CONFLICT upserts), so the full store
// logic runs against a real database without a Postgres server.
func overrideWithSQLite(t *testing.T, path string) {
	t.Helper()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) {
		return sql.Open("sqlite", path)
	})
	t.Cleanup(restore)
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pg.db")
	overrideWithSQLite(t, path)

	s, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	studyID, err := s.CreateStudy("persisted")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	trialID, err := s.CreateTrial(studyID, nil)
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}
	if _, err := s.SetTrialStateValues(trialID, domain.StateComplete, []float64{1.25}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewStore("ignored")
	if err != nil {
		t.Fatalf("NewStore (reopen): %v", err)
	}
	defer reopened.Close()

	trial, err := reopened.Trial(trialID)
	if err != nil {
		t.Fatalf("Trial: %v", err)
	}
	if trial.State != domain.StateComplete {
		t.Fatalf("expected COMPLETE after reopen, got %s", trial.State)
	}
	if v, _ := trial.Value(); v != 1.25 {
		t.Fatalf("expected value 1.25, got %v", v)
	}

	_, err = reopened.CreateStudy("persisted")
	var dup *domain.DuplicatedStudyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatedStudyError after reopen, got %v", err)
	}
}

func TestNewStoreFailsWhenOpenFails(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) {
		return nil, errors.New("connection refused")
	})
	t.Cleanup(restore)

	if _, err := NewStore(""); err == nil {
		t.Fatalf("expected open error to propagate")
	}
}
