package journal

import (
	"fmt"

	"studycore/pkg/domain"
)

// applyResult reports the observable outcome of one replayed record.
type applyResult struct {
	applied bool
	studyID int
	trialID int
}

// replica is a process-local reconstruction of storage state from journal
// replay. apply is a deterministic reducer: the same ordered record
// sequence always yields the same state, no matter how replay is batched.
// Conflicts are returned to the caller, which surfaces them only to the
// record's author (the asymmetric rule).
type replica struct {
	studies     map[int]*domain.FrozenStudy
	trials      map[int]*domain.FrozenTrial
	studyTrials map[int][]int
	trialStudy  map[int]int
	paramDists  map[int]map[string]domain.Distribution
	owners      map[int]string
	nextStudyID int
	nextTrialID int

	// lastResults tracks the latest apply outcome per author so a storage
	// instance can observe the effect of the record it just appended.
	lastResults map[string]applyResult
}

func newReplica() *replica {
	return &replica{
		studies:     make(map[int]*domain.FrozenStudy),
		trials:      make(map[int]*domain.FrozenTrial),
		studyTrials: make(map[int][]int),
		trialStudy:  make(map[int]int),
		paramDists:  make(map[int]map[string]domain.Distribution),
		owners:      make(map[int]string),
		lastResults: make(map[string]applyResult),
	}
}

// apply folds one record into the replica. The returned error is the
// conflict the record's author must observe; when it is non-nil the record
// left the state untouched and non-authors skip it silently.
func (r *replica) apply(rec Record) error {
	res, err := r.reduce(rec)
	if err != nil {
		res = applyResult{}
	}
	r.lastResults[rec.Worker] = res
	return err
}

func (r *replica) reduce(rec Record) (applyResult, error) {
	switch rec.Op {
	case OpCreateStudy:
		return r.applyCreateStudy(rec)
	case OpDeleteStudy:
		return r.applyDeleteStudy(rec)
	case OpSetStudyAttr:
		return r.applySetStudyAttr(rec)
	case OpSetStudyDirections:
		return r.applySetStudyDirections(rec)
	case OpCreateTrial:
		return r.applyCreateTrial(rec)
	case OpSetTrialParam:
		return r.applySetTrialParam(rec)
	case OpSetTrialStateValues:
		return r.applySetTrialStateValues(rec)
	case OpSetTrialIntermediateValue:
		return r.applySetTrialIntermediateValue(rec)
	case OpSetTrialAttr:
		return r.applySetTrialAttr(rec)
	default:
		return applyResult{}, fmt.Errorf("unknown journal op code %q", rec.Op)
	}
}

func (r *replica) applyCreateStudy(rec Record) (applyResult, error) {
	for _, study := range r.studies {
		if study.Name == rec.StudyName {
			return applyResult{}, &domain.DuplicatedStudyError{Name: rec.StudyName}
		}
	}
	id := r.nextStudyID
	r.nextStudyID++
	r.studies[id] = &domain.FrozenStudy{
		ID:          id,
		Name:        rec.StudyName,
		UserAttrs:   map[string]any{},
		SystemAttrs: map[string]any{},
	}
	r.studyTrials[id] = []int{}
	r.paramDists[id] = map[string]domain.Distribution{}
	return applyResult{applied: true, studyID: id}, nil
}

func (r *replica) applyDeleteStudy(rec Record) (applyResult, error) {
	if _, ok := r.studies[rec.StudyID]; !ok {
		return applyResult{}, domain.NewStudyNotFound(rec.StudyID)
	}
	for _, trialID := range r.studyTrials[rec.StudyID] {
		delete(r.trials, trialID)
		delete(r.trialStudy, trialID)
		delete(r.owners, trialID)
	}
	delete(r.studies, rec.StudyID)
	delete(r.studyTrials, rec.StudyID)
	delete(r.paramDists, rec.StudyID)
	return applyResult{applied: true}, nil
}

func (r *replica) applySetStudyAttr(rec Record) (applyResult, error) {
	study, ok := r.studies[rec.StudyID]
	if !ok {
		return applyResult{}, domain.NewStudyNotFound(rec.StudyID)
	}
	if rec.AttrScope == ScopeSystem {
		study.SystemAttrs[rec.AttrKey] = rec.AttrValue
	} else {
		study.UserAttrs[rec.AttrKey] = rec.AttrValue
	}
	return applyResult{applied: true}, nil
}

func (r *replica) applySetStudyDirections(rec Record) (applyResult, error) {
	study, ok := r.studies[rec.StudyID]
	if !ok {
		return applyResult{}, domain.NewStudyNotFound(rec.StudyID)
	}
	if len(study.Directions) > 0 {
		if directionsEqual(study.Directions, rec.Directions) {
			return applyResult{applied: true}, nil
		}
		return applyResult{}, fmt.Errorf("cannot overwrite study directions from %v to %v", study.Directions, rec.Directions)
	}
	study.Directions = append([]domain.StudyDirection(nil), rec.Directions...)
	return applyResult{applied: true}, nil
}

func (r *replica) applyCreateTrial(rec Record) (applyResult, error) {
	if _, ok := r.studies[rec.StudyID]; !ok {
		return applyResult{}, domain.NewStudyNotFound(rec.StudyID)
	}

	trial := domain.FrozenTrial{
		State:              domain.StateRunning,
		Params:             map[string]any{},
		Distributions:      map[string]domain.Distribution{},
		IntermediateValues: map[int]float64{},
		UserAttrs:          map[string]any{},
		SystemAttrs:        map[string]any{},
		DatetimeStart:      rec.DatetimeStart,
	}
	if tmpl := rec.Template; tmpl != nil {
		trial.State = tmpl.State
		for name, dist := range tmpl.Distributions {
			if existing, ok := r.paramDists[rec.StudyID][name]; ok {
				if err := domain.CheckCompatibility(existing, dist); err != nil {
					return applyResult{}, err
				}
			}
		}
		for name, internal := range tmpl.Params {
			dist := tmpl.Distributions[name]
			trial.Params[name] = dist.ExternalRepr(internal)
			trial.Distributions[name] = dist
			r.paramDists[rec.StudyID][name] = dist
		}
		trial.Values = append([]float64(nil), tmpl.Values...)
		for step, value := range tmpl.IntermediateValues {
			trial.IntermediateValues[step] = value
		}
		for key, value := range tmpl.UserAttrs {
			trial.UserAttrs[key] = value
		}
		for key, value := range tmpl.SystemAttrs {
			trial.SystemAttrs[key] = value
		}
		trial.DatetimeStart = tmpl.DatetimeStart
		trial.DatetimeComplete = tmpl.DatetimeComplete
	}

	id := r.nextTrialID
	r.nextTrialID++
	trial.ID = id
	trial.Number = len(r.studyTrials[rec.StudyID])
	r.trials[id] = &trial
	r.studyTrials[rec.StudyID] = append(r.studyTrials[rec.StudyID], id)
	r.trialStudy[id] = rec.StudyID
	if trial.State == domain.StateRunning {
		r.owners[id] = rec.Worker
	}
	return applyResult{applied: true, trialID: id}, nil
}

func (r *replica) applySetTrialParam(rec Record) (applyResult, error) {
	trial, ok := r.trials[rec.TrialID]
	if !ok {
		return applyResult{}, domain.NewTrialNotFound(rec.TrialID)
	}
	if trial.State.IsFinished() {
		return applyResult{}, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	studyID := r.trialStudy[rec.TrialID]
	dist := *rec.Distribution
	if existing, ok := r.paramDists[studyID][rec.ParamName]; ok {
		if err := domain.CheckCompatibility(existing, dist); err != nil {
			return applyResult{}, err
		}
	}
	if existingDist, ok := trial.Distributions[rec.ParamName]; ok {
		prev, err := existingDist.InternalRepr(trial.Params[rec.ParamName])
		if err != nil {
			return applyResult{}, err
		}
		if prev == rec.ParamInternal {
			return applyResult{applied: false}, nil
		}
		return applyResult{}, fmt.Errorf("param %q is already set to %v on trial#%d", rec.ParamName, trial.Params[rec.ParamName], trial.Number)
	}
	trial.Params[rec.ParamName] = dist.ExternalRepr(rec.ParamInternal)
	trial.Distributions[rec.ParamName] = dist
	r.paramDists[studyID][rec.ParamName] = dist
	return applyResult{applied: true}, nil
}

func (r *replica) applySetTrialStateValues(rec Record) (applyResult, error) {
	trial, ok := r.trials[rec.TrialID]
	if !ok {
		return applyResult{}, domain.NewTrialNotFound(rec.TrialID)
	}
	if trial.State.IsFinished() {
		return applyResult{}, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	state := *rec.State

	if state == domain.StateRunning {
		// Claiming: the first append on a Waiting trial wins; later claim
		// records are no-ops, not conflicts.
		if trial.State != domain.StateWaiting {
			return applyResult{applied: false}, nil
		}
		trial.State = domain.StateRunning
		trial.DatetimeStart = rec.DatetimeStart
		r.owners[rec.TrialID] = rec.Worker
		return applyResult{applied: true}, nil
	}

	// Terminal transition: on a claimed running trial only the owning
	// worker's completion is honored.
	if owner, owned := r.owners[rec.TrialID]; owned && trial.State == domain.StateRunning && owner != rec.Worker {
		return applyResult{applied: false}, nil
	}
	trial.State = state
	if rec.Values != nil {
		trial.Values = append([]float64(nil), rec.Values...)
	}
	trial.DatetimeComplete = rec.DatetimeComplete
	return applyResult{applied: true}, nil
}

func (r *replica) applySetTrialIntermediateValue(rec Record) (applyResult, error) {
	trial, ok := r.trials[rec.TrialID]
	if !ok {
		return applyResult{}, domain.NewTrialNotFound(rec.TrialID)
	}
	if trial.State.IsFinished() {
		return applyResult{}, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	if _, exists := trial.IntermediateValues[*rec.Step]; exists {
		return applyResult{applied: false}, nil
	}
	trial.IntermediateValues[*rec.Step] = rec.IntermediateValue
	return applyResult{applied: true}, nil
}

func (r *replica) applySetTrialAttr(rec Record) (applyResult, error) {
	trial, ok := r.trials[rec.TrialID]
	if !ok {
		return applyResult{}, domain.NewTrialNotFound(rec.TrialID)
	}
	if trial.State.IsFinished() {
		return applyResult{}, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	if rec.AttrScope == ScopeSystem {
		trial.SystemAttrs[rec.AttrKey] = rec.AttrValue
	} else {
		trial.UserAttrs[rec.AttrKey] = rec.AttrValue
	}
	return applyResult{applied: true}, nil
}

// state is the JSON-serializable view of a replica used to compare replay
// outcomes deterministically.
type state struct {
	Studies     map[int]domain.FrozenStudy `json:"studies"`
	Trials      map[int]domain.FrozenTrial `json:"trials"`
	StudyTrials map[int][]int              `json:"study_trials"`
	Owners      map[int]string             `json:"owners"`
	NextStudyID int                        `json:"next_study_id"`
	NextTrialID int                        `json:"next_trial_id"`
}

func (r *replica) exportState() state {
	out := state{
		Studies:     make(map[int]domain.FrozenStudy, len(r.studies)),
		Trials:      make(map[int]domain.FrozenTrial, len(r.trials)),
		StudyTrials: make(map[int][]int, len(r.studyTrials)),
		Owners:      make(map[int]string, len(r.owners)),
		NextStudyID: r.nextStudyID,
		NextTrialID: r.nextTrialID,
	}
	for id, study := range r.studies {
		out.Studies[id] = study.Clone()
	}
	for id, trial := range r.trials {
		out.Trials[id] = trial.Clone()
	}
	for id, ids := range r.studyTrials {
		out.StudyTrials[id] = append([]int(nil), ids...)
	}
	for id, owner := range r.owners {
		out.Owners[id] = owner
	}
	return out
}

func directionsEqual(a, b []domain.StudyDirection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
