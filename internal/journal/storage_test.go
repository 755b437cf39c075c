package journal

import (
	"encoding/json"
	"errors"
	"testing"

	"studycore/pkg/domain"
)

func TestWorkerIdentitiesAreUnique(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)
	if a.WorkerID() == b.WorkerID() {
		t.Fatalf("worker ids must be unique, got %q twice", a.WorkerID())
	}
}

func TestStudyLifecycleOverSharedLog(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)

	studyID, err := a.CreateStudy("shared")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if err := a.SetStudyDirections(studyID, []domain.StudyDirection{domain.DirectionMinimize}); err != nil {
		t.Fatalf("SetStudyDirections: %v", err)
	}
	if err := a.SetStudyUserAttr(studyID, "seed", 42); err != nil {
		t.Fatalf("SetStudyUserAttr: %v", err)
	}

	// The other worker observes everything after replay.
	id, err := b.StudyIDFromName("shared")
	if err != nil || id != studyID {
		t.Fatalf("StudyIDFromName = (%d, %v), want (%d, nil)", id, err, studyID)
	}
	dirs, err := b.StudyDirections(studyID)
	if err != nil || len(dirs) != 1 || dirs[0] != domain.DirectionMinimize {
		t.Fatalf("StudyDirections = (%v, %v)", dirs, err)
	}
	attrs, err := b.StudyUserAttrs(studyID)
	if err != nil || attrs["seed"] != float64(42) {
		t.Fatalf("StudyUserAttrs = (%v, %v)", attrs, err)
	}

	if err := b.DeleteStudy(studyID); err != nil {
		t.Fatalf("DeleteStudy: %v", err)
	}
	var notFound *domain.NotFoundError
	if _, err := a.StudyNameFromID(studyID); !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after remote delete, got %v", err)
	}
}

func TestDuplicateStudyConflictIsSurfacedOnlyToAuthor(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)

	if _, err := a.CreateStudy("contested"); err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}

	_, err := b.CreateStudy("contested")
	var dup *domain.DuplicatedStudyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicatedStudyError for the losing author, got %v", err)
	}

	// The loser's conflicting record must not disturb either replica.
	for _, s := range []*Storage{a, b} {
		studies, err := s.AllStudies()
		if err != nil {
			t.Fatalf("AllStudies: %v", err)
		}
		if len(studies) != 1 || studies[0].Name != "contested" {
			t.Fatalf("unexpected studies after conflict: %v", studies)
		}
	}
}

func TestTrialNumbersAreGapFreeAcrossWorkers(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)

	studyID, err := a.CreateStudy("numbered")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	ids := make(map[int]struct{})
	for i := 0; i < 10; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		trialID, err := s.CreateTrial(studyID, nil)
		if err != nil {
			t.Fatalf("CreateTrial %d: %v", i, err)
		}
		if _, seen := ids[trialID]; seen {
			t.Fatalf("trial id %d assigned twice", trialID)
		}
		ids[trialID] = struct{}{}
	}

	trials, err := b.AllTrials(studyID)
	if err != nil {
		t.Fatalf("AllTrials: %v", err)
	}
	if len(trials) != 10 {
		t.Fatalf("expected 10 trials, got %d", len(trials))
	}
	for i, trial := range trials {
		if trial.Number != i {
			t.Fatalf("trial %d has number %d", i, trial.Number)
		}
	}
}

func TestWaitingTrialIsClaimedByExactlyOneWorker(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)

	studyID, _ := a.CreateStudy("claims")
	trialID, err := a.CreateTrial(studyID, &domain.FrozenTrial{State: domain.StateWaiting})
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}

	appliedA, err := a.SetTrialStateValues(trialID, domain.StateRunning, nil)
	if err != nil {
		t.Fatalf("claim by a: %v", err)
	}
	appliedB, err := b.SetTrialStateValues(trialID, domain.StateRunning, nil)
	if err != nil {
		t.Fatalf("claim by b: %v", err)
	}
	if !appliedA || appliedB {
		t.Fatalf("expected first claim to win, got a=%v b=%v", appliedA, appliedB)
	}

	// Only the claimer's completion is honored while the trial runs.
	appliedB, err = b.SetTrialStateValues(trialID, domain.StateComplete, []float64{9})
	if err != nil || appliedB {
		t.Fatalf("non-owner completion = (%v, %v), want (false, nil)", appliedB, err)
	}
	appliedA, err = a.SetTrialStateValues(trialID, domain.StateComplete, []float64{1})
	if err != nil || !appliedA {
		t.Fatalf("owner completion = (%v, %v), want (true, nil)", appliedA, err)
	}

	trial, err := b.Trial(trialID)
	if err != nil {
		t.Fatalf("Trial: %v", err)
	}
	if trial.State != domain.StateComplete {
		t.Fatalf("expected COMPLETE, got %s", trial.State)
	}
	if v, _ := trial.Value(); v != 1 {
		t.Fatalf("expected the owner's value 1, got %v", v)
	}
}

func TestFinishedTrialConflictsGoToTheirAuthors(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)

	studyID, _ := a.CreateStudy("immutable")
	trialID, _ := a.CreateTrial(studyID, nil)
	if _, err := a.SetTrialStateValues(trialID, domain.StatePruned, nil); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var immutable *domain.ImmutableTrialError
	if _, err := b.SetTrialParam(trialID, "x", 1, domain.FloatDistribution(0, 2)); !errors.As(err, &immutable) {
		t.Fatalf("expected ImmutableTrialError for b, got %v", err)
	}
	if err := b.SetTrialUserAttr(trialID, "k", "v"); !errors.As(err, &immutable) {
		t.Fatalf("expected ImmutableTrialError for b, got %v", err)
	}

	// a keeps working normally afterwards; b's rejected records left no
	// trace in the replica.
	if _, err := a.CreateTrial(studyID, nil); err != nil {
		t.Fatalf("CreateTrial after foreign conflicts: %v", err)
	}
	trial, _ := a.Trial(trialID)
	if len(trial.Params) != 0 || len(trial.UserAttrs) != 0 {
		t.Fatalf("rejected records mutated the trial: %+v", trial)
	}
}

func TestTrialMutationsReplicate(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)

	studyID, _ := a.CreateStudy("mutations")
	trialID, _ := a.CreateTrial(studyID, nil)

	if applied, err := a.SetTrialParam(trialID, "units", 64, domain.IntDistribution(16, 256)); err != nil || !applied {
		t.Fatalf("SetTrialParam = (%v, %v)", applied, err)
	}
	if applied, err := a.SetTrialIntermediateValue(trialID, 0, 0.4); err != nil || !applied {
		t.Fatalf("SetTrialIntermediateValue = (%v, %v)", applied, err)
	}
	// First write wins even when the second writer is another worker.
	if applied, err := b.SetTrialIntermediateValue(trialID, 0, 0.9); err != nil || applied {
		t.Fatalf("remote duplicate step = (%v, %v), want (false, nil)", applied, err)
	}
	if err := a.SetTrialSystemAttr(trialID, "pruner", "median"); err != nil {
		t.Fatalf("SetTrialSystemAttr: %v", err)
	}

	trial, err := b.Trial(trialID)
	if err != nil {
		t.Fatalf("Trial: %v", err)
	}
	if trial.Params["units"] != 64 {
		t.Fatalf("param not replicated: %v", trial.Params)
	}
	if trial.IntermediateValues[0] != 0.4 {
		t.Fatalf("intermediate value not replicated: %v", trial.IntermediateValues)
	}
	if trial.SystemAttrs["pruner"] != "median" {
		t.Fatalf("system attr not replicated: %v", trial.SystemAttrs)
	}

	// Distribution compatibility is enforced against the replicated
	// registry.
	other, _ := b.CreateTrial(studyID, nil)
	_, err = b.SetTrialParam(other, "units", 0, domain.CategoricalDistribution(16, 32))
	var compat *domain.DistributionCompatibilityError
	if !errors.As(err, &compat) {
		t.Fatalf("expected DistributionCompatibilityError, got %v", err)
	}
}

func TestEagerValidationNeverReachesTheLog(t *testing.T) {
	log := NewMemoryLog()
	s := NewStorage(log)
	studyID, _ := s.CreateStudy("validation")
	trialID, _ := s.CreateTrial(studyID, nil)
	appended := len(mustRead(t, log))

	if _, err := s.SetTrialStateValues(trialID, domain.StateWaiting, nil); err == nil {
		t.Fatalf("expected error transitioning to WAITING")
	}
	if _, err := s.SetTrialStateValues(trialID, domain.StateRunning, []float64{1}); err == nil {
		t.Fatalf("expected error recording values with RUNNING")
	}
	if got := len(mustRead(t, log)); got != appended {
		t.Fatalf("invalid requests appended records: %d -> %d", appended, got)
	}
}

func TestBestTrialOverJournal(t *testing.T) {
	log := NewMemoryLog()
	s := NewStorage(log)
	studyID, _ := s.CreateStudy("best")
	if err := s.SetStudyDirections(studyID, []domain.StudyDirection{domain.DirectionMaximize}); err != nil {
		t.Fatalf("SetStudyDirections: %v", err)
	}
	for _, v := range []float64{1, 3, 2} {
		trialID, _ := s.CreateTrial(studyID, nil)
		if _, err := s.SetTrialStateValues(trialID, domain.StateComplete, []float64{v}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	best, err := s.BestTrial(studyID)
	if err != nil {
		t.Fatalf("BestTrial: %v", err)
	}
	if v, _ := best.Value(); v != 3 {
		t.Fatalf("expected best value 3, got %v", v)
	}
}

func TestReplayIsDeterministicRegardlessOfBatching(t *testing.T) {
	log := NewMemoryLog()
	a := NewStorage(log)
	b := NewStorage(log)

	studyID, _ := a.CreateStudy("deterministic")
	waiting, _ := a.CreateTrial(studyID, &domain.FrozenTrial{State: domain.StateWaiting})
	running, _ := b.CreateTrial(studyID, nil)
	if _, err := b.SetTrialStateValues(waiting, domain.StateRunning, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := a.SetTrialParam(running, "lr", 0.1, domain.FloatDistribution(0, 1)); err != nil {
		t.Fatalf("SetTrialParam: %v", err)
	}
	if _, err := b.SetTrialStateValues(waiting, domain.StateFail, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_, _ = b.CreateStudy("deterministic") // conflicting record stays in the log

	// One replica replays the raw records directly; the incremental
	// replicas inside the two live storages and a fresh late-joining one
	// must all reach a byte-identical state.
	records := mustRead(t, log)
	direct := newReplica()
	for _, rec := range records {
		_ = direct.apply(rec)
	}
	fresh := NewStorage(log)
	for _, s := range []*Storage{a, b, fresh} {
		if _, err := s.AllStudies(); err != nil {
			t.Fatalf("sync: %v", err)
		}
	}

	want := marshalState(t, direct)
	for name, rep := range map[string]*replica{"a": a.replica, "b": b.replica, "fresh": fresh.replica} {
		if got := marshalState(t, rep); got != want {
			t.Fatalf("replica %s diverged:\nwant %s\ngot  %s", name, want, got)
		}
	}
}

func mustRead(t *testing.T, log LogBackend) []Record {
	t.Helper()
	records, err := log.ReadRecords(0)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	return records
}

func marshalState(t *testing.T, r *replica) string {
	t.Helper()
	payload, err := json.Marshal(r.exportState())
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	return string(payload)
}
