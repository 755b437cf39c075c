// Package cached provides a write-back caching storage that wraps a slower
// durable backend. Mutations on locally owned trials are applied to an
// in-memory snapshot, recorded as field-level diffs, and flushed to the
// backend in a single write; reads reconcile against the backend by delta
// only.
package cached

import (
	"fmt"
	"sync"
	"time"

	"studycore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Storage = (*Storage)(nil)

// trialLocation addresses a trial inside the per-study cache.
type trialLocation struct {
	studyID int
	number  int
}

// studyInfo is the per-study cache: trials indexed by number (Waiting
// placeholders fill gaps), the set of trial ids that are safe to serve from
// cache, pending diffs keyed by number, and the study's parameter
// distribution registry.
type studyInfo struct {
	trials     []domain.FrozenTrial
	cachedIDs  map[int]struct{}
	updates    map[int]*domain.TrialUpdate
	paramDists map[string]domain.Distribution
}

func newStudyInfo() *studyInfo {
	return &studyInfo{
		cachedIDs:  make(map[int]struct{}),
		updates:    make(map[int]*domain.TrialUpdate),
		paramDists: make(map[string]domain.Distribution),
	}
}

// Storage wraps a durable backend with a per-instance write-back cache.
// A single mutex guards all cache state; it is held across the one backend
// flush call but never across a blocking wait, and backend calls made under
// it never re-enter the cache.
type Storage struct {
	backend domain.Backend

	mu         sync.Mutex
	studies    map[int]*studyInfo
	trialIndex map[int]trialLocation
}

// New wraps backend with a write-back cache.
func New(backend domain.Backend) *Storage {
	return &Storage{
		backend:    backend,
		studies:    make(map[int]*studyInfo),
		trialIndex: make(map[int]trialLocation),
	}
}

// Backend returns the wrapped durable backend.
func (s *Storage) Backend() domain.Backend { return s.backend }

// CreateStudy registers the study in the backend and seeds its cache entry.
func (s *Storage) CreateStudy(name string) (int, error) {
	studyID, err := s.backend.CreateStudy(name)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.studies[studyID] = newStudyInfo()
	s.mu.Unlock()
	return studyID, nil
}

// DeleteStudy evicts the study from the cache and deletes it durably.
func (s *Storage) DeleteStudy(studyID int) error {
	s.mu.Lock()
	if study, ok := s.studies[studyID]; ok {
		for _, trial := range study.trials {
			delete(s.trialIndex, trial.ID)
		}
		delete(s.studies, studyID)
	}
	s.mu.Unlock()
	return s.backend.DeleteStudy(studyID)
}

// SetStudyDirections forwards to the backend.
func (s *Storage) SetStudyDirections(studyID int, directions []domain.StudyDirection) error {
	return s.backend.SetStudyDirections(studyID, directions)
}

// SetStudyUserAttr forwards to the backend.
func (s *Storage) SetStudyUserAttr(studyID int, key string, value any) error {
	return s.backend.SetStudyUserAttr(studyID, key, value)
}

// SetStudySystemAttr forwards to the backend.
func (s *Storage) SetStudySystemAttr(studyID int, key string, value any) error {
	return s.backend.SetStudySystemAttr(studyID, key, value)
}

// StudyIDFromName forwards to the backend.
func (s *Storage) StudyIDFromName(name string) (int, error) {
	return s.backend.StudyIDFromName(name)
}

// StudyNameFromID forwards to the backend.
func (s *Storage) StudyNameFromID(studyID int) (string, error) {
	return s.backend.StudyNameFromID(studyID)
}

// StudyDirections forwards to the backend.
func (s *Storage) StudyDirections(studyID int) ([]domain.StudyDirection, error) {
	return s.backend.StudyDirections(studyID)
}

// StudyUserAttrs forwards to the backend.
func (s *Storage) StudyUserAttrs(studyID int) (map[string]any, error) {
	return s.backend.StudyUserAttrs(studyID)
}

// StudySystemAttrs forwards to the backend.
func (s *Storage) StudySystemAttrs(studyID int) (map[string]any, error) {
	return s.backend.StudySystemAttrs(studyID)
}

// AllStudies forwards to the backend.
func (s *Storage) AllStudies() ([]domain.FrozenStudy, error) {
	return s.backend.AllStudies()
}

// CreateTrial creates the trial durably and caches its snapshot. Waiting
// trials are never marked cacheable since another process may claim them.
func (s *Storage) CreateTrial(studyID int, template *domain.FrozenTrial) (int, error) {
	frozen, err := s.backend.CreateTrialFrozen(studyID, template)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	study := s.studyLocked(studyID)
	s.addTrialsLocked(studyID, []domain.FrozenTrial{frozen})
	if frozen.State != domain.StateWaiting {
		study.cachedIDs[frozen.ID] = struct{}{}
	}
	return frozen.ID, nil
}

// SetTrialParam records a parameter on a cached trial locally and flushes
// the diff; uncached trials go straight to the backend.
func (s *Storage) SetTrialParam(trialID int, name string, internal float64, dist domain.Distribution) (bool, error) {
	applied, handled, err := s.setTrialParamCached(trialID, name, internal, dist)
	if handled {
		return applied, err
	}
	return s.backend.SetTrialParam(trialID, name, internal, dist)
}

func (s *Storage) setTrialParamCached(trialID int, name string, internal float64, dist domain.Distribution) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial := s.cachedTrialLocked(trialID)
	if trial == nil {
		return false, false, nil
	}
	if trial.State.IsFinished() {
		return false, true, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	loc := s.trialIndex[trialID]
	study := s.studies[loc.studyID]
	if cachedDist, ok := study.paramDists[name]; ok {
		if err := domain.CheckCompatibility(cachedDist, dist); err != nil {
			return false, true, err
		}
	} else {
		// The backend is the source of truth for cross-process
		// distribution conflicts.
		if err := s.backend.CheckOrSetParamDistribution(trialID, name, dist); err != nil {
			return false, true, err
		}
		study.paramDists[name] = dist
	}
	if existing, ok := trial.Distributions[name]; ok {
		prev, err := existing.InternalRepr(trial.Params[name])
		if err != nil {
			return false, true, err
		}
		if prev == internal {
			return false, true, nil
		}
		return false, true, fmt.Errorf("param %q is already set to %v on trial#%d", name, trial.Params[name], trial.Number)
	}
	trial.Params[name] = dist.ExternalRepr(internal)
	trial.Distributions[name] = dist
	updates := s.updatesLocked(loc)
	if updates.Params == nil {
		updates.Params = make(map[string]float64)
		updates.Distributions = make(map[string]domain.Distribution)
	}
	updates.Params[name] = internal
	updates.Distributions[name] = dist
	if err := s.flushTrialLocked(trialID); err != nil {
		return false, true, err
	}
	return true, true, nil
}

// SetTrialStateValues updates a cached trial locally and flushes; for
// uncached trials the backend arbitrates, and a successful Waiting claim
// pulls the trial into the cache.
func (s *Storage) SetTrialStateValues(trialID int, state domain.TrialState, values []float64) (bool, error) {
	applied, handled, err := s.setTrialStateValuesCached(trialID, state, values)
	if handled {
		return applied, err
	}
	applied, err = s.backend.SetTrialStateValues(trialID, state, values)
	if err != nil || !applied {
		return applied, err
	}
	if state == domain.StateRunning {
		s.mu.Lock()
		if loc, ok := s.trialIndex[trialID]; ok {
			if frozen, err := s.backend.Trial(trialID); err == nil {
				s.addTrialsLocked(loc.studyID, []domain.FrozenTrial{frozen})
				s.studies[loc.studyID].cachedIDs[trialID] = struct{}{}
			}
		}
		s.mu.Unlock()
	}
	return applied, nil
}

func (s *Storage) setTrialStateValuesCached(trialID int, state domain.TrialState, values []float64) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial := s.cachedTrialLocked(trialID)
	if trial == nil {
		return false, false, nil
	}
	if trial.State.IsFinished() {
		return false, true, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	if state == domain.StateWaiting {
		return false, true, fmt.Errorf("cannot transition trial#%d back to WAITING", trial.Number)
	}
	if values != nil && !state.IsFinished() {
		return false, true, fmt.Errorf("objective values may only be recorded with a terminal state, got %s", state)
	}
	if state == domain.StateRunning && trial.State != domain.StateWaiting {
		return false, true, nil
	}
	loc := s.trialIndex[trialID]
	updates := s.updatesLocked(loc)
	trial.State = state
	st := state
	updates.State = &st
	if values != nil {
		trial.Values = append([]float64(nil), values...)
		updates.Values = append([]float64(nil), values...)
	}
	if state.IsFinished() {
		now := time.Now()
		trial.DatetimeComplete = &now
		updates.DatetimeComplete = &now
	}
	if err := s.flushTrialLocked(trialID); err != nil {
		return false, true, err
	}
	return true, true, nil
}

// SetTrialIntermediateValue records a step value on a cached trial (first
// write wins) and flushes; uncached trials go to the backend.
func (s *Storage) SetTrialIntermediateValue(trialID int, step int, value float64) (bool, error) {
	applied, handled, err := s.setTrialIntermediateValueCached(trialID, step, value)
	if handled {
		return applied, err
	}
	return s.backend.SetTrialIntermediateValue(trialID, step, value)
}

func (s *Storage) setTrialIntermediateValueCached(trialID int, step int, value float64) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial := s.cachedTrialLocked(trialID)
	if trial == nil {
		return false, false, nil
	}
	if trial.State.IsFinished() {
		return false, true, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	if _, exists := trial.IntermediateValues[step]; exists {
		return false, true, nil
	}
	trial.IntermediateValues[step] = value
	updates := s.updatesLocked(s.trialIndex[trialID])
	if updates.IntermediateValues == nil {
		updates.IntermediateValues = make(map[int]float64)
	}
	updates.IntermediateValues[step] = value
	if err := s.flushTrialLocked(trialID); err != nil {
		return false, true, err
	}
	return true, true, nil
}

// SetTrialUserAttr stores a user attribute, through the cache when owned.
func (s *Storage) SetTrialUserAttr(trialID int, key string, value any) error {
	return s.setTrialAttr(trialID, key, value, false)
}

// SetTrialSystemAttr stores a system attribute, through the cache when owned.
func (s *Storage) SetTrialSystemAttr(trialID int, key string, value any) error {
	return s.setTrialAttr(trialID, key, value, true)
}

func (s *Storage) setTrialAttr(trialID int, key string, value any, system bool) error {
	normalized, err := domain.NormalizeAttrValue(value)
	if err != nil {
		return err
	}
	handled, err := s.setTrialAttrCached(trialID, key, normalized, system)
	if handled {
		return err
	}
	if system {
		return s.backend.SetTrialSystemAttr(trialID, key, normalized)
	}
	return s.backend.SetTrialUserAttr(trialID, key, normalized)
}

func (s *Storage) setTrialAttrCached(trialID int, key string, value any, system bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trial := s.cachedTrialLocked(trialID)
	if trial == nil {
		return false, nil
	}
	if trial.State.IsFinished() {
		return true, &domain.ImmutableTrialError{TrialNumber: trial.Number, State: trial.State}
	}
	updates := s.updatesLocked(s.trialIndex[trialID])
	if system {
		trial.SystemAttrs[key] = value
		if updates.SystemAttrs == nil {
			updates.SystemAttrs = make(map[string]any)
		}
		updates.SystemAttrs[key] = value
	} else {
		trial.UserAttrs[key] = value
		if updates.UserAttrs == nil {
			updates.UserAttrs = make(map[string]any)
		}
		updates.UserAttrs[key] = value
	}
	return true, s.flushTrialLocked(trialID)
}

// Trial serves cached snapshots without touching the backend.
func (s *Storage) Trial(trialID int) (domain.FrozenTrial, error) {
	s.mu.Lock()
	if trial := s.cachedTrialLocked(trialID); trial != nil {
		out := trial.Clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()
	return s.backend.Trial(trialID)
}

// TrialIDFromStudyIDTrialNumber forwards to the backend.
func (s *Storage) TrialIDFromStudyIDTrialNumber(studyID, number int) (int, error) {
	return s.backend.TrialIDFromStudyIDTrialNumber(studyID, number)
}

// AllTrials returns the study's trials, reconciling the cache with only the
// rows the backend reports as not yet cached.
func (s *Storage) AllTrials(studyID int, states ...domain.TrialState) ([]domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study := s.studyLocked(studyID)
	fresh, err := s.backend.UncachedTrials(studyID, study.cachedIDs)
	if err != nil {
		return nil, err
	}
	if len(fresh) > 0 {
		s.addTrialsLocked(studyID, fresh)
		for _, trial := range fresh {
			if trial.State.IsFinished() {
				study.cachedIDs[trial.ID] = struct{}{}
			}
		}
	}
	out := make([]domain.FrozenTrial, 0, len(study.trials))
	for _, trial := range study.trials {
		if !stateMatches(trial.State, states) {
			continue
		}
		out = append(out, trial.Clone())
	}
	return out, nil
}

// NTrials forwards to the backend.
func (s *Storage) NTrials(studyID int, states ...domain.TrialState) (int, error) {
	return s.backend.NTrials(studyID, states...)
}

// BestTrial forwards to the backend.
func (s *Storage) BestTrial(studyID int) (domain.FrozenTrial, error) {
	return s.backend.BestTrial(studyID)
}

// cachedTrialLocked returns the mutable cached snapshot, or nil when the
// trial is unknown or not safely cacheable.
func (s *Storage) cachedTrialLocked(trialID int) *domain.FrozenTrial {
	loc, ok := s.trialIndex[trialID]
	if !ok {
		return nil
	}
	study := s.studies[loc.studyID]
	if _, cacheable := study.cachedIDs[trialID]; !cacheable {
		return nil
	}
	return &study.trials[loc.number]
}

func (s *Storage) studyLocked(studyID int) *studyInfo {
	study, ok := s.studies[studyID]
	if !ok {
		study = newStudyInfo()
		s.studies[studyID] = study
	}
	return study
}

func (s *Storage) updatesLocked(loc trialLocation) *domain.TrialUpdate {
	study := s.studies[loc.studyID]
	updates, ok := study.updates[loc.number]
	if !ok {
		updates = &domain.TrialUpdate{}
		study.updates[loc.number] = updates
	}
	return updates
}

// flushTrialLocked writes the trial's accumulated diff to the backend in a
// single call and clears it. A backend report of "not applied" means
// another worker finished the trial first; the local write is superseded
// and dropped rather than treated as fatal.
func (s *Storage) flushTrialLocked(trialID int) error {
	loc, ok := s.trialIndex[trialID]
	if !ok {
		return nil
	}
	study := s.studies[loc.studyID]
	updates, ok := study.updates[loc.number]
	if !ok || updates.Empty() {
		return nil
	}
	delete(study.updates, loc.number)
	_, err := s.backend.UpdateTrial(trialID, *updates)
	return err
}

// addTrialsLocked inserts snapshots at their trial numbers, growing the
// list with Waiting placeholders for numbers not seen yet.
func (s *Storage) addTrialsLocked(studyID int, trials []domain.FrozenTrial) {
	study := s.studies[studyID]
	maxNumber := 0
	for _, trial := range trials {
		if trial.Number > maxNumber {
			maxNumber = trial.Number
		}
	}
	for len(study.trials) <= maxNumber {
		study.trials = append(study.trials, placeholderTrial(len(study.trials)))
	}
	for _, trial := range trials {
		study.trials[trial.Number] = trial.Clone()
		s.trialIndex[trial.ID] = trialLocation{studyID: studyID, number: trial.Number}
	}
}

// placeholderTrial stands in for a trial number owned by another process.
func placeholderTrial(number int) domain.FrozenTrial {
	return domain.FrozenTrial{
		ID:                 -1,
		Number:             number,
		State:              domain.StateWaiting,
		Params:             map[string]any{},
		Distributions:      map[string]domain.Distribution{},
		IntermediateValues: map[int]float64{},
		UserAttrs:          map[string]any{},
		SystemAttrs:        map[string]any{},
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
