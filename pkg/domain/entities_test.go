package domain

import (
	"strings"
	"testing"
	"time"
)

func TestTrialStateIsFinished(t *testing.T) {
	finished := map[TrialState]bool{
		StateWaiting:  false,
		StateRunning:  false,
		StateComplete: true,
		StatePruned:   true,
		StateFail:     true,
	}
	for state, want := range finished {
		if got := state.IsFinished(); got != want {
			t.Errorf("%s.IsFinished() = %v, want %v", state, got, want)
		}
	}
}

func TestFrozenTrialValue(t *testing.T) {
	trial := FrozenTrial{Values: []float64{0.25}}
	v, ok := trial.Value()
	if !ok || v != 0.25 {
		t.Fatalf("expected (0.25, true), got (%v, %v)", v, ok)
	}
	if _, ok := (FrozenTrial{}).Value(); ok {
		t.Fatalf("expected no value for a trial without values")
	}
	if _, ok := (FrozenTrial{Values: []float64{1, 2}}).Value(); ok {
		t.Fatalf("expected no single value for a multi-objective trial")
	}
}

func TestFrozenTrialCloneIsDeep(t *testing.T) {
	start := time.Now()
	trial := FrozenTrial{
		ID:                 7,
		State:              StateRunning,
		Params:             map[string]any{"lr": 0.1, "tags": []any{"a"}},
		Distributions:      map[string]Distribution{"lr": FloatDistribution(0, 1)},
		IntermediateValues: map[int]float64{0: 1.5},
		UserAttrs:          map[string]any{"note": "x"},
		SystemAttrs:        map[string]any{},
		DatetimeStart:      &start,
	}
	clone := trial.Clone()
	clone.Params["lr"] = 0.9
	clone.Params["tags"].([]any)[0] = "b"
	clone.IntermediateValues[0] = 9
	clone.UserAttrs["note"] = "y"
	*clone.DatetimeStart = start.Add(time.Hour)

	if trial.Params["lr"] != 0.1 || trial.Params["tags"].([]any)[0] != "a" {
		t.Fatalf("clone shares params with original: %v", trial.Params)
	}
	if trial.IntermediateValues[0] != 1.5 {
		t.Fatalf("clone shares intermediate values with original")
	}
	if trial.UserAttrs["note"] != "x" {
		t.Fatalf("clone shares attrs with original")
	}
	if !trial.DatetimeStart.Equal(start) {
		t.Fatalf("clone shares timestamps with original")
	}
}

func TestNormalizeAttrValue(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	got, err := NormalizeAttrValue(payload{Name: "x", Count: 3})
	if err != nil {
		t.Fatalf("NormalizeAttrValue: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map[string]any, got %T", got)
	}
	if m["name"] != "x" || m["count"] != float64(3) {
		t.Fatalf("unexpected normalized value: %v", m)
	}

	if got, err := NormalizeAttrValue(nil); err != nil || got != nil {
		t.Fatalf("expected nil round trip, got (%v, %v)", got, err)
	}

	if _, err := NormalizeAttrValue(make(chan int)); err == nil {
		t.Fatalf("expected error for non-serializable value")
	}
}

func TestGenerateStudyName(t *testing.T) {
	a := GenerateStudyName()
	b := GenerateStudyName()
	if !strings.HasPrefix(a, DefaultStudyNamePrefix) {
		t.Fatalf("generated name %q lacks prefix", a)
	}
	if a == b {
		t.Fatalf("generated names must be unique, got %q twice", a)
	}
}
