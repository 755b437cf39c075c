// Package domain defines the core persistent entities, value types, and the
// storage contract shared by every studycore backend.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StudyDirection declares how one objective of a study is optimized.
type StudyDirection int

// Study directions. A study's directions start unset and may be fixed
// exactly once.
const (
	// DirectionNotSet marks a study whose directions are not fixed yet.
	DirectionNotSet StudyDirection = iota
	// DirectionMinimize optimizes an objective towards smaller values.
	DirectionMinimize
	// DirectionMaximize optimizes an objective towards larger values.
	DirectionMaximize
)

// String returns the lowercase direction name.
func (d StudyDirection) String() string {
	switch d {
	case DirectionMinimize:
		return "minimize"
	case DirectionMaximize:
		return "maximize"
	default:
		return "not_set"
	}
}

// TrialState enumerates the trial lifecycle states.
type TrialState int

// Trial lifecycle states. Complete, Pruned and Fail are terminal; once a
// trial reaches one of them no further mutation succeeds.
const (
	// StateWaiting marks an enqueued trial not yet claimed by a worker.
	StateWaiting TrialState = iota
	// StateRunning marks a trial claimed by exactly one worker.
	StateRunning
	// StateComplete marks a successfully finished trial.
	StateComplete
	// StatePruned marks a trial stopped early by a pruner.
	StatePruned
	// StateFail marks a trial that raised during evaluation.
	StateFail
)

// IsFinished reports whether the state is terminal.
func (s TrialState) IsFinished() bool {
	return s == StateComplete || s == StatePruned || s == StateFail
}

// String returns the uppercase state name.
func (s TrialState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateRunning:
		return "RUNNING"
	case StateComplete:
		return "COMPLETE"
	case StatePruned:
		return "PRUNED"
	case StateFail:
		return "FAIL"
	default:
		return fmt.Sprintf("TrialState(%d)", int(s))
	}
}

// FrozenStudy is an immutable snapshot of a study. Callers never mutate a
// snapshot directly; all writes go through a Storage implementation.
type FrozenStudy struct {
	ID          int              `json:"study_id"`
	Name        string           `json:"study_name"`
	Directions  []StudyDirection `json:"directions"`
	UserAttrs   map[string]any   `json:"user_attrs"`
	SystemAttrs map[string]any   `json:"system_attrs"`
}

// Clone returns a deep copy of the study snapshot.
func (s FrozenStudy) Clone() FrozenStudy {
	out := s
	out.Directions = append([]StudyDirection(nil), s.Directions...)
	out.UserAttrs = cloneAttrs(s.UserAttrs)
	out.SystemAttrs = cloneAttrs(s.SystemAttrs)
	return out
}

// FrozenTrial is an immutable snapshot of a trial. Params hold external
// representations paired with the Distributions they were drawn from.
type FrozenTrial struct {
	ID                 int                     `json:"trial_id"`
	Number             int                     `json:"number"`
	State              TrialState              `json:"state"`
	Params             map[string]any          `json:"params"`
	Distributions      map[string]Distribution `json:"distributions"`
	Values             []float64               `json:"values,omitempty"`
	IntermediateValues map[int]float64         `json:"intermediate_values"`
	UserAttrs          map[string]any          `json:"user_attrs"`
	SystemAttrs        map[string]any          `json:"system_attrs"`
	DatetimeStart      *time.Time              `json:"datetime_start,omitempty"`
	DatetimeComplete   *time.Time              `json:"datetime_complete,omitempty"`
}

// Value returns the single objective value of a finished single-objective
// trial, or false when no value has been recorded.
func (t FrozenTrial) Value() (float64, bool) {
	if len(t.Values) != 1 {
		return 0, false
	}
	return t.Values[0], true
}

// Clone returns a deep copy of the trial snapshot.
func (t FrozenTrial) Clone() FrozenTrial {
	out := t
	if t.Params != nil {
		out.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			out.Params[k] = cloneAttrValue(v)
		}
	}
	if t.Distributions != nil {
		out.Distributions = make(map[string]Distribution, len(t.Distributions))
		for k, v := range t.Distributions {
			out.Distributions[k] = v.clone()
		}
	}
	out.Values = append([]float64(nil), t.Values...)
	if t.IntermediateValues != nil {
		out.IntermediateValues = make(map[int]float64, len(t.IntermediateValues))
		for k, v := range t.IntermediateValues {
			out.IntermediateValues[k] = v
		}
	}
	out.UserAttrs = cloneAttrs(t.UserAttrs)
	out.SystemAttrs = cloneAttrs(t.SystemAttrs)
	if t.DatetimeStart != nil {
		ts := *t.DatetimeStart
		out.DatetimeStart = &ts
	}
	if t.DatetimeComplete != nil {
		ts := *t.DatetimeComplete
		out.DatetimeComplete = &ts
	}
	return out
}

// NormalizeAttrValue canonicalizes an attribute value through a JSON round
// trip so that every backend stores the same shapes (nil, bool, float64,
// string, []any, map[string]any). Non-serializable values are rejected.
func NormalizeAttrValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("attribute value is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode normalized attribute value: %w", err)
	}
	return out, nil
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneAttrValue(v)
	}
	return out
}

// cloneAttrValue deep-copies a normalized attribute value. Values that went
// through NormalizeAttrValue only contain JSON shapes.
func cloneAttrValue(value any) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneAttrValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneAttrValue(e)
		}
		return out
	default:
		return v
	}
}
