package metrics

import (
	"context"
	"time"

	"studycore/pkg/domain"
)

// Storage decorates a domain.Storage, timing every operation and reporting
// its outcome to the recorders. A nil recorder list makes it a pass-through.
type Storage struct {
	inner     domain.Storage
	recorders []Recorder
}

var _ domain.Storage = (*Storage)(nil)

// NewStorage wraps inner so each operation is observed by the recorders.
func NewStorage(inner domain.Storage, recorders ...Recorder) *Storage {
	return &Storage{inner: inner, recorders: recorders}
}

func (s *Storage) observe(operation string, start time.Time, err error) {
	duration := time.Since(start)
	for _, rec := range s.recorders {
		rec.Observe(context.Background(), operation, err == nil, duration)
	}
}

func (s *Storage) CreateStudy(name string) (int, error) {
	start := time.Now()
	id, err := s.inner.CreateStudy(name)
	s.observe("create_study", start, err)
	return id, err
}

func (s *Storage) DeleteStudy(studyID int) error {
	start := time.Now()
	err := s.inner.DeleteStudy(studyID)
	s.observe("delete_study", start, err)
	return err
}

func (s *Storage) SetStudyDirections(studyID int, directions []domain.StudyDirection) error {
	start := time.Now()
	err := s.inner.SetStudyDirections(studyID, directions)
	s.observe("set_study_directions", start, err)
	return err
}

func (s *Storage) SetStudyUserAttr(studyID int, key string, value any) error {
	start := time.Now()
	err := s.inner.SetStudyUserAttr(studyID, key, value)
	s.observe("set_study_user_attr", start, err)
	return err
}

func (s *Storage) SetStudySystemAttr(studyID int, key string, value any) error {
	start := time.Now()
	err := s.inner.SetStudySystemAttr(studyID, key, value)
	s.observe("set_study_system_attr", start, err)
	return err
}

func (s *Storage) StudyIDFromName(name string) (int, error) {
	start := time.Now()
	id, err := s.inner.StudyIDFromName(name)
	s.observe("study_id_from_name", start, err)
	return id, err
}

func (s *Storage) StudyNameFromID(studyID int) (string, error) {
	start := time.Now()
	name, err := s.inner.StudyNameFromID(studyID)
	s.observe("study_name_from_id", start, err)
	return name, err
}

func (s *Storage) StudyDirections(studyID int) ([]domain.StudyDirection, error) {
	start := time.Now()
	directions, err := s.inner.StudyDirections(studyID)
	s.observe("study_directions", start, err)
	return directions, err
}

func (s *Storage) StudyUserAttrs(studyID int) (map[string]any, error) {
	start := time.Now()
	attrs, err := s.inner.StudyUserAttrs(studyID)
	s.observe("study_user_attrs", start, err)
	return attrs, err
}

func (s *Storage) StudySystemAttrs(studyID int) (map[string]any, error) {
	start := time.Now()
	attrs, err := s.inner.StudySystemAttrs(studyID)
	s.observe("study_system_attrs", start, err)
	return attrs, err
}

func (s *Storage) AllStudies() ([]domain.FrozenStudy, error) {
	start := time.Now()
	studies, err := s.inner.AllStudies()
	s.observe("all_studies", start, err)
	return studies, err
}

func (s *Storage) CreateTrial(studyID int, template *domain.FrozenTrial) (int, error) {
	start := time.Now()
	id, err := s.inner.CreateTrial(studyID, template)
	s.observe("create_trial", start, err)
	return id, err
}

func (s *Storage) SetTrialParam(trialID int, name string, internal float64, dist domain.Distribution) (bool, error) {
	start := time.Now()
	applied, err := s.inner.SetTrialParam(trialID, name, internal, dist)
	s.observe("set_trial_param", start, err)
	return applied, err
}

func (s *Storage) SetTrialStateValues(trialID int, state domain.TrialState, values []float64) (bool, error) {
	start := time.Now()
	applied, err := s.inner.SetTrialStateValues(trialID, state, values)
	s.observe("set_trial_state_values", start, err)
	return applied, err
}

func (s *Storage) SetTrialIntermediateValue(trialID int, step int, value float64) (bool, error) {
	start := time.Now()
	applied, err := s.inner.SetTrialIntermediateValue(trialID, step, value)
	s.observe("set_trial_intermediate_value", start, err)
	return applied, err
}

func (s *Storage) SetTrialUserAttr(trialID int, key string, value any) error {
	start := time.Now()
	err := s.inner.SetTrialUserAttr(trialID, key, value)
	s.observe("set_trial_user_attr", start, err)
	return err
}

func (s *Storage) SetTrialSystemAttr(trialID int, key string, value any) error {
	start := time.Now()
	err := s.inner.SetTrialSystemAttr(trialID, key, value)
	s.observe("set_trial_system_attr", start, err)
	return err
}

func (s *Storage) Trial(trialID int) (domain.FrozenTrial, error) {
	start := time.Now()
	trial, err := s.inner.Trial(trialID)
	s.observe("trial", start, err)
	return trial, err
}

func (s *Storage) TrialIDFromStudyIDTrialNumber(studyID, number int) (int, error) {
	start := time.Now()
	id, err := s.inner.TrialIDFromStudyIDTrialNumber(studyID, number)
	s.observe("trial_id_from_study_id_trial_number", start, err)
	return id, err
}

func (s *Storage) AllTrials(studyID int, states ...domain.TrialState) ([]domain.FrozenTrial, error) {
	start := time.Now()
	trials, err := s.inner.AllTrials(studyID, states...)
	s.observe("all_trials", start, err)
	return trials, err
}

func (s *Storage) NTrials(studyID int, states ...domain.TrialState) (int, error) {
	start := time.Now()
	n, err := s.inner.NTrials(studyID, states...)
	s.observe("n_trials", start, err)
	return n, err
}

func (s *Storage) BestTrial(studyID int) (domain.FrozenTrial, error) {
	start := time.Now()
	trial, err := s.inner.BestTrial(studyID)
	s.observe("best_trial", start, err)
	return trial, err
}
