// Package memory provides the in-memory reference implementation of the
// studycore storage contract. Durable stores embed it and persist its
// exported snapshots.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"studycore/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.Storage = (*Store)(nil)
	_ domain.Backend = (*Store)(nil)
)

// Store keeps every study and trial in process memory guarded by a single
// mutex. Reads hand out deep copies; mutation is only possible through the
// storage contract.
type Store struct {
	mu sync.Mutex

	studies     map[int]*domain.FrozenStudy
	trials      map[int]*domain.FrozenTrial
	studyTrials map[int][]int
	trialStudy  map[int]int
	paramDists  map[int]map[string]domain.Distribution
	nextStudyID int
	nextTrialID int

	// commitHook, when set, runs after every successful mutation while the
	// store lock is held. Durable wrappers use it to persist snapshots.
	commitHook func(Snapshot) error
}

// Snapshot captures a point-in-time clone of the full store state in a
// JSON-serializable shape.
type Snapshot struct {
	Studies     map[int]domain.FrozenStudy             `json:"studies"`
	Trials      map[int]domain.FrozenTrial             `json:"trials"`
	StudyTrials map[int][]int                          `json:"study_trials"`
	ParamDists  map[int]map[string]domain.Distribution `json:"param_distributions"`
	NextStudyID int                                    `json:"next_study_id"`
	NextTrialID int                                    `json:"next_trial_id"`
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		studies:     make(map[int]*domain.FrozenStudy),
		trials:      make(map[int]*domain.FrozenTrial),
		studyTrials: make(map[int][]int),
		trialStudy:  make(map[int]int),
		paramDists:  make(map[int]map[string]domain.Distribution),
	}
}

// SetCommitHook installs fn to run after each successful mutation. Pass nil
// to clear. Intended for durable wrappers; must not call back into the
// store.
func (s *Store) SetCommitHook(fn func(Snapshot) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = fn
}

func (s *Store) commitLocked() error {
	if s.commitHook == nil {
		return nil
	}
	return s.commitHook(s.exportLocked())
}

// CreateStudy registers a new study. An empty name requests a generated
// unique one.
func (s *Store) CreateStudy(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = domain.GenerateStudyName()
	}
	for _, study := range s.studies {
		if study.Name == name {
			return 0, &domain.DuplicatedStudyError{Name: name}
		}
	}
	id := s.nextStudyID
	s.nextStudyID++
	s.studies[id] = &domain.FrozenStudy{
		ID:          id,
		Name:        name,
		UserAttrs:   map[string]any{},
		SystemAttrs: map[string]any{},
	}
	s.studyTrials[id] = []int{}
	s.paramDists[id] = map[string]domain.Distribution{}
	if err := s.commitLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteStudy removes the study and all trials it owns.
func (s *Store) DeleteStudy(studyID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[studyID]; !ok {
		return domain.NewStudyNotFound(studyID)
	}
	for _, trialID := range s.studyTrials[studyID] {
		delete(s.trials, trialID)
		delete(s.trialStudy, trialID)
	}
	delete(s.studies, studyID)
	delete(s.studyTrials, studyID)
	delete(s.paramDists, studyID)
	return s.commitLocked()
}

// SetStudyDirections fixes the study's objective directions exactly once.
func (s *Store) SetStudyDirections(studyID int, directions []domain.StudyDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return domain.NewStudyNotFound(studyID)
	}
	if len(study.Directions) > 0 {
		if directionsEqual(study.Directions, directions) {
			return nil
		}
		return fmt.Errorf("cannot overwrite study directions from %v to %v", study.Directions, directions)
	}
	study.Directions = append([]domain.StudyDirection(nil), directions...)
	return s.commitLocked()
}

// SetStudyUserAttr stores a user attribute on the study.
func (s *Store) SetStudyUserAttr(studyID int, key string, value any) error {
	return s.setStudyAttr(studyID, key, value, false)
}

// SetStudySystemAttr stores a system attribute on the study.
func (s *Store) SetStudySystemAttr(studyID int, key string, value any) error {
	return s.setStudyAttr(studyID, key, value, true)
}

func (s *Store) setStudyAttr(studyID int, key string, value any, system bool) error {
	normalized, err := domain.NormalizeAttrValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return domain.NewStudyNotFound(studyID)
	}
	if system {
		study.SystemAttrs[key] = normalized
	} else {
		study.UserAttrs[key] = normalized
	}
	return s.commitLocked()
}

// StudyIDFromName resolves a study name to its id.
func (s *Store) StudyIDFromName(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, study := range s.studies {
		if study.Name == name {
			return id, nil
		}
	}
	return 0, &domain.NotFoundError{Kind: "study", Name: name}
}

// StudyNameFromID resolves a study id to its name.
func (s *Store) StudyNameFromID(studyID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return "", domain.NewStudyNotFound(studyID)
	}
	return study.Name, nil
}

// StudyDirections returns the study's directions (empty until set).
func (s *Store) StudyDirections(studyID int) ([]domain.StudyDirection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return nil, domain.NewStudyNotFound(studyID)
	}
	return append([]domain.StudyDirection(nil), study.Directions...), nil
}

// StudyUserAttrs returns a copy of the study's user attributes.
func (s *Store) StudyUserAttrs(studyID int) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return nil, domain.NewStudyNotFound(studyID)
	}
	return study.Clone().UserAttrs, nil
}

// StudySystemAttrs returns a copy of the study's system attributes.
func (s *Store) StudySystemAttrs(studyID int) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return nil, domain.NewStudyNotFound(studyID)
	}
	return study.Clone().SystemAttrs, nil
}

// AllStudies returns snapshots of every study ordered by id.
func (s *Store) AllStudies() ([]domain.FrozenStudy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FrozenStudy, 0, len(s.studies))
	for _, study := range s.studies {
		out = append(out, study.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateTrial adds a trial to the study and returns its id.
func (s *Store) CreateTrial(studyID int, template *domain.FrozenTrial) (int, error) {
	frozen, err := s.CreateTrialFrozen(studyID, template)
	if err != nil {
		return 0, err
	}
	return frozen.ID, nil
}

// CreateTrialFrozen creates a trial and returns its full snapshot.
func (s *Store) CreateTrialFrozen(studyID int, template *domain.FrozenTrial) (domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[studyID]; !ok {
		return domain.FrozenTrial{}, domain.NewStudyNotFound(studyID)
	}

	trial := domain.FrozenTrial{
		State:              domain.StateRunning,
		Params:             map[string]any{},
		Distributions:      map[string]domain.Distribution{},
		IntermediateValues: map[int]float64{},
		UserAttrs:          map[string]any{},
		SystemAttrs:        map[string]any{},
	}
	if template != nil {
		trial = template.Clone()
		// Validate every template distribution before registering any, so
		// a rejected create leaves the study's registry untouched.
		for name, dist := range trial.Distributions {
			if existing, ok := s.paramDists[studyID][name]; ok {
				if err := domain.CheckCompatibility(existing, dist); err != nil {
					return domain.FrozenTrial{}, err
				}
			}
		}
		for name, dist := range trial.Distributions {
			s.paramDists[studyID][name] = dist
		}
	} else {
		now := time.Now()
		trial.DatetimeStart = &now
	}
	ensureTrialMaps(&trial)

	trial.ID = s.nextTrialID
	s.nextTrialID++
	trial.Number = len(s.studyTrials[studyID])
	s.trials[trial.ID] = &trial
	s.studyTrials[studyID] = append(s.studyTrials[studyID], trial.ID)
	s.trialStudy[trial.ID] = studyID
	if err := s.commitLocked(); err != nil {
		return domain.FrozenTrial{}, err
	}
	return trial.Clone(), nil
}

// CheckOrSetParamDistribution registers or verifies the distribution bound
// to a parameter name within the trial's study.
func (s *Store) CheckOrSetParamDistribution(trialID int, name string, dist domain.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	studyID, ok := s.trialStudy[trialID]
	if !ok {
		return domain.NewTrialNotFound(trialID)
	}
	return s.checkOrSetParamDistLocked(studyID, name, dist)
}

func (s *Store) checkOrSetParamDistLocked(studyID int, name string, dist domain.Distribution) error {
	dists := s.paramDists[studyID]
	if existing, ok := dists[name]; ok {
		return domain.CheckCompatibility(existing, dist)
	}
	dists[name] = dist
	return nil
}

// SetTrialParam records a sampled parameter on a running trial.
func (s *Store) SetTrialParam(trialID int, name string, internal float64, dist domain.Distribution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[trialID]
	if !ok {
		return false, domain.NewTrialNotFound(trialID)
	}
	if trial.State.IsFinished() {
		return false, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	studyID := s.trialStudy[trialID]
	if err := s.checkOrSetParamDistLocked(studyID, name, dist); err != nil {
		return false, err
	}
	if existing, ok := trial.Distributions[name]; ok {
		prev, err := existing.InternalRepr(trial.Params[name])
		if err != nil {
			return false, err
		}
		if prev == internal {
			return false, nil
		}
		return false, fmt.Errorf("param %q is already set to %v on trial#%d", name, trial.Params[name], trial.Number)
	}
	trial.Params[name] = dist.ExternalRepr(internal)
	trial.Distributions[name] = dist
	if err := s.commitLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// SetTrialStateValues transitions the trial state and optionally records
// final objective values.
func (s *Store) SetTrialStateValues(trialID int, state domain.TrialState, values []float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[trialID]
	if !ok {
		return false, domain.NewTrialNotFound(trialID)
	}
	if trial.State.IsFinished() {
		return false, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	if state == domain.StateWaiting {
		return false, fmt.Errorf("cannot transition trial#%d back to WAITING", trial.Number)
	}
	if values != nil && !state.IsFinished() {
		return false, fmt.Errorf("objective values may only be recorded with a terminal state, got %s", state)
	}
	if state == domain.StateRunning {
		if trial.State != domain.StateWaiting {
			return false, nil
		}
		now := time.Now()
		trial.DatetimeStart = &now
	}
	trial.State = state
	if values != nil {
		trial.Values = append([]float64(nil), values...)
	}
	if state.IsFinished() {
		now := time.Now()
		trial.DatetimeComplete = &now
	}
	if err := s.commitLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// SetTrialIntermediateValue records the objective value at a step. The
// first write at a step wins.
func (s *Store) SetTrialIntermediateValue(trialID int, step int, value float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[trialID]
	if !ok {
		return false, domain.NewTrialNotFound(trialID)
	}
	if trial.State.IsFinished() {
		return false, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	if _, exists := trial.IntermediateValues[step]; exists {
		return false, nil
	}
	trial.IntermediateValues[step] = value
	if err := s.commitLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// SetTrialUserAttr stores a user attribute on a running trial.
func (s *Store) SetTrialUserAttr(trialID int, key string, value any) error {
	return s.setTrialAttr(trialID, key, value, false)
}

// SetTrialSystemAttr stores a system attribute on a running trial.
func (s *Store) SetTrialSystemAttr(trialID int, key string, value any) error {
	return s.setTrialAttr(trialID, key, value, true)
}

func (s *Store) setTrialAttr(trialID int, key string, value any, system bool) error {
	normalized, err := domain.NormalizeAttrValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[trialID]
	if !ok {
		return domain.NewTrialNotFound(trialID)
	}
	if trial.State.IsFinished() {
		return &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	if system {
		trial.SystemAttrs[key] = normalized
	} else {
		trial.UserAttrs[key] = normalized
	}
	return s.commitLocked()
}

// Trial returns a snapshot of the trial.
func (s *Store) Trial(trialID int) (domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[trialID]
	if !ok {
		return domain.FrozenTrial{}, domain.NewTrialNotFound(trialID)
	}
	return trial.Clone(), nil
}

// TrialIDFromStudyIDTrialNumber resolves a per-study trial number.
func (s *Store) TrialIDFromStudyIDTrialNumber(studyID, number int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.studyTrials[studyID]
	if !ok {
		return 0, domain.NewStudyNotFound(studyID)
	}
	if number < 0 || number >= len(ids) {
		return 0, &domain.NotFoundError{Kind: "trial", ID: number}
	}
	return ids[number], nil
}

// AllTrials returns snapshots of the study's trials ordered by number.
func (s *Store) AllTrials(studyID int, states ...domain.TrialState) ([]domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.studyTrials[studyID]
	if !ok {
		return nil, domain.NewStudyNotFound(studyID)
	}
	out := make([]domain.FrozenTrial, 0, len(ids))
	for _, id := range ids {
		trial := s.trials[id]
		if !stateMatches(trial.State, states) {
			continue
		}
		out = append(out, trial.Clone())
	}
	return out, nil
}

// NTrials counts the study's trials, optionally filtered by state.
func (s *Store) NTrials(studyID int, states ...domain.TrialState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.studyTrials[studyID]
	if !ok {
		return 0, domain.NewStudyNotFound(studyID)
	}
	n := 0
	for _, id := range ids {
		if stateMatches(s.trials[id].State, states) {
			n++
		}
	}
	return n, nil
}

// BestTrial returns the best completed trial of a single-objective study.
func (s *Store) BestTrial(studyID int) (domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.studies[studyID]
	if !ok {
		return domain.FrozenTrial{}, domain.NewStudyNotFound(studyID)
	}
	if len(study.Directions) > 1 {
		return domain.FrozenTrial{}, fmt.Errorf("best trial is only defined for single-objective studies")
	}
	var best *domain.FrozenTrial
	for _, id := range s.studyTrials[studyID] {
		trial := s.trials[id]
		if trial.State != domain.StateComplete || len(trial.Values) == 0 {
			continue
		}
		if best == nil {
			best = trial
			continue
		}
		if len(study.Directions) == 1 && study.Directions[0] == domain.DirectionMaximize {
			if trial.Values[0] > best.Values[0] {
				best = trial
			}
		} else if trial.Values[0] < best.Values[0] {
			best = trial
		}
	}
	if best == nil {
		return domain.FrozenTrial{}, fmt.Errorf("no trials are completed yet in study %d", studyID)
	}
	return best.Clone(), nil
}

// UpdateTrial applies an accumulated field-level diff in one commit. It
// returns false when the trial was finished by another writer in the
// meantime, treating the flush as already superseded.
func (s *Store) UpdateTrial(trialID int, update domain.TrialUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial, ok := s.trials[trialID]
	if !ok {
		return false, domain.NewTrialNotFound(trialID)
	}
	if trial.State.IsFinished() {
		return false, nil
	}
	studyID := s.trialStudy[trialID]
	for name, dist := range update.Distributions {
		if err := s.checkOrSetParamDistLocked(studyID, name, dist); err != nil {
			return false, err
		}
	}
	for name, internal := range update.Params {
		dist := update.Distributions[name]
		trial.Params[name] = dist.ExternalRepr(internal)
		trial.Distributions[name] = dist
	}
	for step, value := range update.IntermediateValues {
		if _, exists := trial.IntermediateValues[step]; !exists {
			trial.IntermediateValues[step] = value
		}
	}
	for key, value := range update.UserAttrs {
		trial.UserAttrs[key] = value
	}
	for key, value := range update.SystemAttrs {
		trial.SystemAttrs[key] = value
	}
	if update.Values != nil {
		trial.Values = append([]float64(nil), update.Values...)
	}
	if update.State != nil {
		trial.State = *update.State
	}
	if update.DatetimeComplete != nil {
		ts := *update.DatetimeComplete
		trial.DatetimeComplete = &ts
	}
	if err := s.commitLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// UncachedTrials returns snapshots of the study's trials not in cachedIDs.
func (s *Store) UncachedTrials(studyID int, cachedIDs map[int]struct{}) ([]domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.studyTrials[studyID]
	if !ok {
		return nil, domain.NewStudyNotFound(studyID)
	}
	var out []domain.FrozenTrial
	for _, id := range ids {
		if _, cached := cachedIDs[id]; cached {
			continue
		}
		out = append(out, s.trials[id].Clone())
	}
	return out, nil
}

// ExportState returns a deep-copied snapshot of the full store state.
func (s *Store) ExportState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportLocked()
}

func (s *Store) exportLocked() Snapshot {
	snap := Snapshot{
		Studies:     make(map[int]domain.FrozenStudy, len(s.studies)),
		Trials:      make(map[int]domain.FrozenTrial, len(s.trials)),
		StudyTrials: make(map[int][]int, len(s.studyTrials)),
		ParamDists:  make(map[int]map[string]domain.Distribution, len(s.paramDists)),
		NextStudyID: s.nextStudyID,
		NextTrialID: s.nextTrialID,
	}
	for id, study := range s.studies {
		snap.Studies[id] = study.Clone()
	}
	for id, trial := range s.trials {
		snap.Trials[id] = trial.Clone()
	}
	for id, ids := range s.studyTrials {
		snap.StudyTrials[id] = append([]int(nil), ids...)
	}
	for id, dists := range s.paramDists {
		out := make(map[string]domain.Distribution, len(dists))
		for name, dist := range dists {
			out[name] = dist
		}
		snap.ParamDists[id] = out
	}
	return snap
}

// ImportState replaces the store state with the given snapshot.
func (s *Store) ImportState(snap Snapshot) {
	snap = migrateSnapshot(snap)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies = make(map[int]*domain.FrozenStudy, len(snap.Studies))
	for id, study := range snap.Studies {
		cloned := study.Clone()
		s.studies[id] = &cloned
	}
	s.trials = make(map[int]*domain.FrozenTrial, len(snap.Trials))
	for id, trial := range snap.Trials {
		cloned := trial.Clone()
		ensureTrialMaps(&cloned)
		s.trials[id] = &cloned
	}
	s.studyTrials = make(map[int][]int, len(snap.StudyTrials))
	s.trialStudy = make(map[int]int)
	for id, ids := range snap.StudyTrials {
		s.studyTrials[id] = append([]int(nil), ids...)
		for _, trialID := range ids {
			s.trialStudy[trialID] = id
		}
	}
	s.paramDists = make(map[int]map[string]domain.Distribution, len(snap.ParamDists))
	for id, dists := range snap.ParamDists {
		out := make(map[string]domain.Distribution, len(dists))
		for name, dist := range dists {
			out[name] = dist
		}
		s.paramDists[id] = out
	}
	s.nextStudyID = snap.NextStudyID
	s.nextTrialID = snap.NextTrialID
}

// migrateSnapshot normalizes snapshots decoded from older or partial
// payloads: nil maps become empty and id counters never go backwards.
func migrateSnapshot(snap Snapshot) Snapshot {
	if snap.Studies == nil {
		snap.Studies = map[int]domain.FrozenStudy{}
	}
	if snap.Trials == nil {
		snap.Trials = map[int]domain.FrozenTrial{}
	}
	if snap.StudyTrials == nil {
		snap.StudyTrials = map[int][]int{}
	}
	if snap.ParamDists == nil {
		snap.ParamDists = map[int]map[string]domain.Distribution{}
	}
	for id := range snap.Studies {
		if _, ok := snap.StudyTrials[id]; !ok {
			snap.StudyTrials[id] = []int{}
		}
		if _, ok := snap.ParamDists[id]; !ok {
			snap.ParamDists[id] = map[string]domain.Distribution{}
		}
		if id >= snap.NextStudyID {
			snap.NextStudyID = id + 1
		}
	}
	for id := range snap.Trials {
		if id >= snap.NextTrialID {
			snap.NextTrialID = id + 1
		}
	}
	return snap
}

func ensureTrialMaps(trial *domain.FrozenTrial) {
	if trial.Params == nil {
		trial.Params = map[string]any{}
	}
	if trial.Distributions == nil {
		trial.Distributions = map[string]domain.Distribution{}
	}
	if trial.IntermediateValues == nil {
		trial.IntermediateValues = map[int]float64{}
	}
	if trial.UserAttrs == nil {
		trial.UserAttrs = map[string]any{}
	}
	if trial.SystemAttrs == nil {
		trial.SystemAttrs = map[string]any{}
	}
}

func stateMatches(state domain.TrialState, states []domain.TrialState) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
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
