package journal

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"studycore/pkg/domain"
)

// Storage implements domain.Storage on top of a shared append-only log.
// Mutations append a record and then replay the log tail, so the local
// replica always reflects every record up to and including the one just
// written. Conflicts raised by records other workers authored are skipped
// silently; only the author observes the error.
type Storage struct {
	backend LogBackend
	worker  string

	mu      sync.Mutex
	replica *replica
	applied int
}

var _ domain.Storage = (*Storage)(nil)

// NewStorage creates a journal storage on top of the given log backend.
// The worker identity is unique per instance so records can be attributed
// across processes sharing the log.
func NewStorage(backend LogBackend) *Storage {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return &Storage{
		backend: backend,
		worker:  fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()),
		replica: newReplica(),
	}
}

// WorkerID returns the identity stamped on records this instance appends.
func (s *Storage) WorkerID() string {
	return s.worker
}

// syncLocked replays every record appended since the last sync. Conflicts
// authored by this worker are returned; foreign conflicts are dropped.
func (s *Storage) syncLocked() error {
	records, err := s.backend.ReadRecords(s.applied)
	if err != nil {
		return fmt.Errorf("read journal records: %w", err)
	}
	var ownErr error
	for _, rec := range records {
		if applyErr := s.replica.apply(rec); applyErr != nil && rec.Worker == s.worker {
			ownErr = applyErr
		}
		s.applied++
	}
	return ownErr
}

// writeLocked appends one record and syncs through it, returning the apply
// outcome observed for this worker.
func (s *Storage) writeLocked(rec Record) (applyResult, error) {
	if err := s.syncLocked(); err != nil {
		// A stale own conflict cannot exist here: operations on one
		// instance are serialized, so surface transport errors only.
		return applyResult{}, err
	}
	rec.Worker = s.worker
	if err := s.backend.AppendRecords([]Record{rec}); err != nil {
		return applyResult{}, fmt.Errorf("append journal record: %w", err)
	}
	if err := s.syncLocked(); err != nil {
		return applyResult{}, err
	}
	return s.replica.lastResults[s.worker], nil
}

func (s *Storage) write(rec Record) (applyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rec)
}

// CreateStudy appends a create-study record and returns the id the replay
// assigned. An empty name requests a generated unique one.
func (s *Storage) CreateStudy(name string) (int, error) {
	if name == "" {
		name = domain.GenerateStudyName()
	}
	res, err := s.write(Record{Op: OpCreateStudy, StudyName: name})
	if err != nil {
		return 0, err
	}
	return res.studyID, nil
}

// DeleteStudy removes the study and every trial it owns.
func (s *Storage) DeleteStudy(studyID int) error {
	_, err := s.write(Record{Op: OpDeleteStudy, StudyID: studyID})
	return err
}

// SetStudyDirections fixes the study's objective directions.
func (s *Storage) SetStudyDirections(studyID int, directions []domain.StudyDirection) error {
	_, err := s.write(Record{
		Op:         OpSetStudyDirections,
		StudyID:    studyID,
		Directions: append([]domain.StudyDirection(nil), directions...),
	})
	return err
}

// SetStudyUserAttr stores a user attribute on the study.
func (s *Storage) SetStudyUserAttr(studyID int, key string, value any) error {
	return s.setStudyAttr(studyID, ScopeUser, key, value)
}

// SetStudySystemAttr stores a system attribute on the study.
func (s *Storage) SetStudySystemAttr(studyID int, key string, value any) error {
	return s.setStudyAttr(studyID, ScopeSystem, key, value)
}

func (s *Storage) setStudyAttr(studyID int, scope, key string, value any) error {
	normalized, err := domain.NormalizeAttrValue(value)
	if err != nil {
		return err
	}
	_, err = s.write(Record{
		Op:        OpSetStudyAttr,
		StudyID:   studyID,
		AttrScope: scope,
		AttrKey:   key,
		AttrValue: normalized,
	})
	return err
}

// StudyIDFromName resolves a study name to its id.
func (s *Storage) StudyIDFromName(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(); err != nil {
		return 0, err
	}
	for id, study := range s.replica.studies {
		if study.Name == name {
			return id, nil
		}
	}
	return 0, &domain.NotFoundError{Kind: "study", Name: name}
}

// StudyNameFromID resolves a study id to its name.
func (s *Storage) StudyNameFromID(studyID int) (string, error) {
	study, err := s.study(studyID)
	if err != nil {
		return "", err
	}
	return study.Name, nil
}

// StudyDirections returns the study's directions (empty until set).
func (s *Storage) StudyDirections(studyID int) ([]domain.StudyDirection, error) {
	study, err := s.study(studyID)
	if err != nil {
		return nil, err
	}
	return study.Directions, nil
}

// StudyUserAttrs returns a copy of the study's user attributes.
func (s *Storage) StudyUserAttrs(studyID int) (map[string]any, error) {
	study, err := s.study(studyID)
	if err != nil {
		return nil, err
	}
	return study.UserAttrs, nil
}

// StudySystemAttrs returns a copy of the study's system attributes.
func (s *Storage) StudySystemAttrs(studyID int) (map[string]any, error) {
	study, err := s.study(studyID)
	if err != nil {
		return nil, err
	}
	return study.SystemAttrs, nil
}

// AllStudies returns snapshots of every study ordered by id.
func (s *Storage) AllStudies() ([]domain.FrozenStudy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(); err != nil {
		return nil, err
	}
	out := make([]domain.FrozenStudy, 0, len(s.replica.studies))
	for _, study := range s.replica.studies {
		out = append(out, study.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) study(studyID int) (domain.FrozenStudy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(); err != nil {
		return domain.FrozenStudy{}, err
	}
	study, ok := s.replica.studies[studyID]
	if !ok {
		return domain.FrozenStudy{}, domain.NewStudyNotFound(studyID)
	}
	return study.Clone(), nil
}

// CreateTrial appends a create-trial record and returns the id the replay
// assigned. A non-nil template clones a fully-formed trial.
func (s *Storage) CreateTrial(studyID int, template *domain.FrozenTrial) (int, error) {
	rec := Record{Op: OpCreateTrial, StudyID: studyID}
	if template != nil {
		tmpl, err := templateFromFrozen(template)
		if err != nil {
			return 0, err
		}
		rec.Template = tmpl
	} else {
		now := time.Now()
		rec.DatetimeStart = &now
	}
	res, err := s.write(rec)
	if err != nil {
		return 0, err
	}
	return res.trialID, nil
}

// SetTrialParam records a sampled parameter. False means the value was
// already set identically by an earlier record.
func (s *Storage) SetTrialParam(trialID int, name string, internal float64, dist domain.Distribution) (bool, error) {
	res, err := s.write(Record{
		Op:            OpSetTrialParam,
		TrialID:       trialID,
		ParamName:     name,
		ParamInternal: internal,
		Distribution:  &dist,
	})
	if err != nil {
		return false, err
	}
	return res.applied, nil
}

// SetTrialStateValues transitions the trial state and optionally records
// final objective values. The arguments are validated before the record is
// appended so invalid requests never reach the shared log.
func (s *Storage) SetTrialStateValues(trialID int, state domain.TrialState, values []float64) (bool, error) {
	if state == domain.StateWaiting {
		return false, fmt.Errorf("cannot transition a trial to %s", state)
	}
	if values != nil && !state.IsFinished() {
		return false, fmt.Errorf("values can only be set on a finished state, got %s", state)
	}
	rec := Record{Op: OpSetTrialStateValues, TrialID: trialID, State: &state}
	if values != nil {
		rec.Values = append([]float64(nil), values...)
	}
	now := time.Now()
	if state == domain.StateRunning {
		rec.DatetimeStart = &now
	}
	if state.IsFinished() {
		rec.DatetimeComplete = &now
	}
	res, err := s.write(rec)
	if err != nil {
		return false, err
	}
	return res.applied, nil
}

// SetTrialIntermediateValue records the objective value at a step. First
// write wins; a step that already has a value returns false.
func (s *Storage) SetTrialIntermediateValue(trialID int, step int, value float64) (bool, error) {
	res, err := s.write(Record{
		Op:                OpSetTrialIntermediateValue,
		TrialID:           trialID,
		Step:              &step,
		IntermediateValue: value,
	})
	if err != nil {
		return false, err
	}
	return res.applied, nil
}

// SetTrialUserAttr stores a user attribute on the trial.
func (s *Storage) SetTrialUserAttr(trialID int, key string, value any) error {
	return s.setTrialAttr(trialID, ScopeUser, key, value)
}

// SetTrialSystemAttr stores a system attribute on the trial.
func (s *Storage) SetTrialSystemAttr(trialID int, key string, value any) error {
	return s.setTrialAttr(trialID, ScopeSystem, key, value)
}

func (s *Storage) setTrialAttr(trialID int, scope, key string, value any) error {
	normalized, err := domain.NormalizeAttrValue(value)
	if err != nil {
		return err
	}
	_, err = s.write(Record{
		Op:        OpSetTrialAttr,
		TrialID:   trialID,
		AttrScope: scope,
		AttrKey:   key,
		AttrValue: normalized,
	})
	return err
}

// Trial returns a snapshot of the trial.
func (s *Storage) Trial(trialID int) (domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(); err != nil {
		return domain.FrozenTrial{}, err
	}
	trial, ok := s.replica.trials[trialID]
	if !ok {
		return domain.FrozenTrial{}, domain.NewTrialNotFound(trialID)
	}
	return trial.Clone(), nil
}

// TrialIDFromStudyIDTrialNumber resolves a per-study trial number.
func (s *Storage) TrialIDFromStudyIDTrialNumber(studyID, number int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(); err != nil {
		return 0, err
	}
	ids, ok := s.replica.studyTrials[studyID]
	if !ok {
		return 0, domain.NewStudyNotFound(studyID)
	}
	if number < 0 || number >= len(ids) {
		return 0, &domain.NotFoundError{Kind: "trial", Name: fmt.Sprintf("study#%d number#%d", studyID, number)}
	}
	return ids[number], nil
}

// AllTrials returns snapshots of the study's trials ordered by number,
// optionally filtered by state.
func (s *Storage) AllTrials(studyID int, states ...domain.TrialState) ([]domain.FrozenTrial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(); err != nil {
		return nil, err
	}
	ids, ok := s.replica.studyTrials[studyID]
	if !ok {
		return nil, domain.NewStudyNotFound(studyID)
	}
	out := make([]domain.FrozenTrial, 0, len(ids))
	for _, id := range ids {
		trial := s.replica.trials[id]
		if len(states) > 0 && !containsState(states, trial.State) {
			continue
		}
		out = append(out, trial.Clone())
	}
	return out, nil
}

// NTrials counts the study's trials, optionally filtered by state.
func (s *Storage) NTrials(studyID int, states ...domain.TrialState) (int, error) {
	trials, err := s.AllTrials(studyID, states...)
	if err != nil {
		return 0, err
	}
	return len(trials), nil
}

// BestTrial returns the best completed trial of a single-objective study.
func (s *Storage) BestTrial(studyID int) (domain.FrozenTrial, error) {
	s.mu.Lock()
	if err := s.syncLocked(); err != nil {
		s.mu.Unlock()
		return domain.FrozenTrial{}, err
	}
	study, ok := s.replica.studies[studyID]
	if !ok {
		s.mu.Unlock()
		return domain.FrozenTrial{}, domain.NewStudyNotFound(studyID)
	}
	directions := append([]domain.StudyDirection(nil), study.Directions...)
	s.mu.Unlock()

	if len(directions) > 1 {
		return domain.FrozenTrial{}, fmt.Errorf("best trial is undefined for a multi-objective study (study#%d)", studyID)
	}
	completed, err := s.AllTrials(studyID, domain.StateComplete)
	if err != nil {
		return domain.FrozenTrial{}, err
	}
	if len(completed) == 0 {
		return domain.FrozenTrial{}, fmt.Errorf("study#%d has no completed trial", studyID)
	}
	maximize := len(directions) == 1 && directions[0] == domain.DirectionMaximize
	var best *domain.FrozenTrial
	var bestValue float64
	for i := range completed {
		value, ok := completed[i].Value()
		if !ok {
			continue
		}
		if best == nil || (maximize && value > bestValue) || (!maximize && value < bestValue) {
			best, bestValue = &completed[i], value
		}
	}
	if best == nil {
		return domain.FrozenTrial{}, fmt.Errorf("study#%d has no completed trial", studyID)
	}
	return *best, nil
}

func containsState(states []domain.TrialState, state domain.TrialState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
