package sqlite

import (
	"errors"
	"path/filepath"
	"testing"

	"studycore/pkg/domain"
)

func openTempStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "studies.db")
	s := openTempStore(t, path)

	studyID, err := s.CreateStudy("persisted")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if err := s.SetStudyDirections(studyID, []domain.StudyDirection{domain.DirectionMaximize}); err != nil {
		t.Fatalf("SetStudyDirections: %v", err)
	}
	trialID, err := s.CreateTrial(studyID, nil)
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}
	if _, err := s.SetTrialParam(trialID, "lr", 0.05, domain.FloatDistribution(1e-5, 1)); err != nil {
		t.Fatalf("SetTrialParam: %v", err)
	}
	if _, err := s.SetTrialIntermediateValue(trialID, 1, 0.8); err != nil {
		t.Fatalf("SetTrialIntermediateValue: %v", err)
	}
	if _, err := s.SetTrialStateValues(trialID, domain.StateComplete, []float64{0.9}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTempStore(t, path)
	id, err := reopened.StudyIDFromName("persisted")
	if err != nil || id != studyID {
		t.Fatalf("StudyIDFromName = (%d, %v), want (%d, nil)", id, err, studyID)
	}
	trial, err := reopened.Trial(trialID)
	if err != nil {
		t.Fatalf("Trial: %v", err)
	}
	if trial.State != domain.StateComplete || trial.Params["lr"] != 0.05 || trial.IntermediateValues[1] != 0.8 {
		t.Fatalf("trial state lost across reopen: %+v", trial)
	}
	best, err := reopened.BestTrial(studyID)
	if err != nil {
		t.Fatalf("BestTrial: %v", err)
	}
	if v, _ := best.Value(); v != 0.9 {
		t.Fatalf("expected best value 0.9, got %v", v)
	}
}

func TestReopenPreservesIDCountersAndDistributions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.db")
	s := openTempStore(t, path)
	studyID, _ := s.CreateStudy("counters")
	firstTrial, _ := s.CreateTrial(studyID, nil)
	if _, err := s.SetTrialParam(firstTrial, "units", 32, domain.IntDistribution(16, 256)); err != nil {
		t.Fatalf("SetTrialParam: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTempStore(t, path)
	secondTrial, err := reopened.CreateTrial(studyID, nil)
	if err != nil {
		t.Fatalf("CreateTrial after reopen: %v", err)
	}
	if secondTrial == firstTrial {
		t.Fatalf("trial id %d reused after reopen", secondTrial)
	}
	trial, _ := reopened.Trial(secondTrial)
	if trial.Number != 1 {
		t.Fatalf("expected number 1 after reopen, got %d", trial.Number)
	}

	// The per-study distribution registry is part of the snapshot, so the
	// compatibility check still fires after a restart.
	_, err = reopened.SetTrialParam(secondTrial, "units", 0, domain.FloatDistribution(16, 256))
	var compat *domain.DistributionCompatibilityError
	if !errors.As(err, &compat) {
		t.Fatalf("expected DistributionCompatibilityError after reopen, got %v", err)
	}
}

func TestDuplicateStudyAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.db")
	s := openTempStore(t, path)
	if _, err := s.CreateStudy("taken"); err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTempStore(t, path)
	_, err := reopened.CreateStudy("taken")
	var dup *domain.DuplicatedStudyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatedStudyError after reopen, got %v", err)
	}
}

func TestEmptyPathDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "state.db")
	s := openTempStore(t, path)
	if s.Path() != path {
		t.Fatalf("Path() = %q, want %q", s.Path(), path)
	}
	if _, err := s.CreateStudy("nested"); err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
}
