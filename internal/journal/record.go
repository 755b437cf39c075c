// Package journal provides a storage backend replicated through a shared
// append-only operation log. Every process keeps a private in-memory
// replica reconstructed by replaying the log in order; appending to the log
// is the only cross-process synchronization point.
package journal

import (
	"time"

	"studycore/pkg/domain"
)

// OpCode identifies the operation a journal record carries.
type OpCode string

// Journal operation codes.
const (
	OpCreateStudy               OpCode = "create_study"
	OpDeleteStudy               OpCode = "delete_study"
	OpSetStudyAttr              OpCode = "set_study_attr"
	OpSetStudyDirections        OpCode = "set_study_directions"
	OpCreateTrial               OpCode = "create_trial"
	OpSetTrialParam             OpCode = "set_trial_param"
	OpSetTrialStateValues       OpCode = "set_trial_state_values"
	OpSetTrialIntermediateValue OpCode = "set_trial_intermediate_value"
	OpSetTrialAttr              OpCode = "set_trial_attr"
)

// Attribute scopes carried by attr records.
const (
	ScopeUser   = "user"
	ScopeSystem = "system"
)

// TrialTemplate is the optional payload of a create-trial record cloning a
// fully-formed trial (used for re-queueing). Parameters travel in internal
// representation alongside their distributions.
type TrialTemplate struct {
	State              domain.TrialState              `json:"state"`
	Params             map[string]float64             `json:"params"`
	Distributions      map[string]domain.Distribution `json:"distributions"`
	Values             []float64                      `json:"values,omitempty"`
	IntermediateValues map[int]float64                `json:"intermediate_values"`
	UserAttrs          map[string]any                 `json:"user_attrs"`
	SystemAttrs        map[string]any                 `json:"system_attrs"`
	DatetimeStart      *time.Time                     `json:"datetime_start,omitempty"`
	DatetimeComplete   *time.Time                     `json:"datetime_complete,omitempty"`
}

// Record is one journal entry. Only the fields relevant to its OpCode are
// populated; every record is stamped with the authoring worker identity,
// which drives the asymmetric conflict rule during replay.
type Record struct {
	Op     OpCode `json:"op_code"`
	Worker string `json:"worker_id"`

	StudyID int `json:"study_id,omitempty"`
	TrialID int `json:"trial_id,omitempty"`

	StudyName  string                  `json:"study_name,omitempty"`
	Directions []domain.StudyDirection `json:"directions,omitempty"`

	AttrScope string `json:"attr_scope,omitempty"`
	AttrKey   string `json:"attr_key,omitempty"`
	AttrValue any    `json:"attr_value"`

	ParamName     string               `json:"param_name,omitempty"`
	ParamInternal float64              `json:"param_internal,omitempty"`
	Distribution  *domain.Distribution `json:"distribution,omitempty"`

	State             *domain.TrialState `json:"state,omitempty"`
	Values            []float64          `json:"values,omitempty"`
	Step              *int               `json:"step,omitempty"`
	IntermediateValue float64            `json:"intermediate_value,omitempty"`

	DatetimeStart    *time.Time `json:"datetime_start,omitempty"`
	DatetimeComplete *time.Time `json:"datetime_complete,omitempty"`

	Template *TrialTemplate `json:"template,omitempty"`
}

// templateFromFrozen converts a frozen trial into a record template,
// translating external parameter values back to internal representation.
func templateFromFrozen(trial *domain.FrozenTrial) (*TrialTemplate, error) {
	tmpl := &TrialTemplate{
		State:              trial.State,
		Params:             make(map[string]float64, len(trial.Params)),
		Distributions:      make(map[string]domain.Distribution, len(trial.Distributions)),
		Values:             append([]float64(nil), trial.Values...),
		IntermediateValues: make(map[int]float64, len(trial.IntermediateValues)),
		UserAttrs:          make(map[string]any, len(trial.UserAttrs)),
		SystemAttrs:        make(map[string]any, len(trial.SystemAttrs)),
	}
	for name, dist := range trial.Distributions {
		internal, err := dist.InternalRepr(trial.Params[name])
		if err != nil {
			return nil, err
		}
		tmpl.Params[name] = internal
		tmpl.Distributions[name] = dist
	}
	for step, value := range trial.IntermediateValues {
		tmpl.IntermediateValues[step] = value
	}
	for key, value := range trial.UserAttrs {
		tmpl.UserAttrs[key] = value
	}
	for key, value := range trial.SystemAttrs {
		tmpl.SystemAttrs[key] = value
	}
	if trial.DatetimeStart != nil {
		ts := *trial.DatetimeStart
		tmpl.DatetimeStart = &ts
	}
	if trial.DatetimeComplete != nil {
		ts := *trial.DatetimeComplete
		tmpl.DatetimeComplete = &ts
	}
	return tmpl, nil
}

// LogBackend is the journal transport: append records to the shared log and
// read back the ones not yet applied locally. Implementations must make
// AppendRecords atomic with respect to concurrent appenders; readers only
// ever advance a monotonically increasing offset.
type LogBackend interface {
	AppendRecords(records []Record) error
	ReadRecords(from int) ([]Record, error)
}
