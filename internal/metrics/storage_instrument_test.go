package metrics_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"studycore/internal/metrics"
	"studycore/pkg/domain"
	"studycore/pkg/storage"
)

type captureRecorder struct {
	mu       sync.Mutex
	observed map[string][]bool
}

func (r *captureRecorder) Observe(_ context.Context, operation string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observed == nil {
		r.observed = make(map[string][]bool)
	}
	r.observed[operation] = append(r.observed[operation], success)
}

func TestStorageObservesEveryOperationOutcome(t *testing.T) {
	rec := &captureRecorder{}
	s := metrics.NewStorage(storage.NewMemory(), rec)

	studyID, err := s.CreateStudy("observed")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	trialID, err := s.CreateTrial(studyID, nil)
	if err != nil {
		t.Fatalf("CreateTrial: %v", err)
	}
	if _, err := s.SetTrialStateValues(trialID, domain.StateComplete, []float64{1}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.CreateStudy("observed"); err == nil {
		t.Fatalf("expected duplicate study error")
	}
	if _, err := s.Trial(trialID); err != nil {
		t.Fatalf("Trial: %v", err)
	}

	want := map[string][]bool{
		"create_study":           {true, false},
		"create_trial":           {true},
		"set_trial_state_values": {true},
		"trial":                  {true},
	}
	for op, outcomes := range want {
		got := rec.observed[op]
		if len(got) != len(outcomes) {
			t.Fatalf("%s: observed %v, want %v", op, got, outcomes)
		}
		for i := range outcomes {
			if got[i] != outcomes[i] {
				t.Fatalf("%s: observed %v, want %v", op, got, outcomes)
			}
		}
	}
}
