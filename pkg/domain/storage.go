package domain

import (
	"time"

	"github.com/google/uuid"
)

// Storage is the contract every backend implements. All operations are safe
// for concurrent use on one instance and block until the mutation is
// durably committed (or failed). Boolean-returning setters report whether
// the mutation was applied; false means "silently ignored because already
// set or finished", which is distinct from the typed error cases.
type Storage interface {
	// CreateStudy registers a new study and returns its id. An empty name
	// requests a generated unique one. Fails with *DuplicatedStudyError on
	// a name collision.
	CreateStudy(name string) (int, error)
	// DeleteStudy removes the study and every trial it owns.
	DeleteStudy(studyID int) error
	// SetStudyDirections fixes the study's objective directions. Directions
	// may be set exactly once; re-setting the same value is a no-op and a
	// different value fails.
	SetStudyDirections(studyID int, directions []StudyDirection) error
	// SetStudyUserAttr stores a user attribute on the study.
	SetStudyUserAttr(studyID int, key string, value any) error
	// SetStudySystemAttr stores a system attribute on the study.
	SetStudySystemAttr(studyID int, key string, value any) error
	// StudyIDFromName resolves a study name to its id.
	StudyIDFromName(name string) (int, error)
	// StudyNameFromID resolves a study id to its name.
	StudyNameFromID(studyID int) (string, error)
	// StudyDirections returns the study's directions (empty until set).
	StudyDirections(studyID int) ([]StudyDirection, error)
	// StudyUserAttrs returns a copy of the study's user attributes.
	StudyUserAttrs(studyID int) (map[string]any, error)
	// StudySystemAttrs returns a copy of the study's system attributes.
	StudySystemAttrs(studyID int) (map[string]any, error)
	// AllStudies returns snapshots of every study.
	AllStudies() ([]FrozenStudy, error)

	// CreateTrial adds a trial to the study and returns its id. A non-nil
	// template clones a fully-formed trial (used for re-queueing). Without
	// a template the trial starts Running with a fresh start timestamp.
	CreateTrial(studyID int, template *FrozenTrial) (int, error)
	// SetTrialParam records a sampled parameter. It returns false without
	// error when the parameter is already set to the same value, and fails
	// with *DistributionCompatibilityError when the distribution conflicts
	// with the one registered for the same name in this study.
	SetTrialParam(trialID int, name string, internal float64, dist Distribution) (bool, error)
	// SetTrialStateValues transitions the trial state and optionally
	// records final objective values. Claiming an already claimed trial
	// (Running requested, state not Waiting) returns false without error.
	SetTrialStateValues(trialID int, state TrialState, values []float64) (bool, error)
	// SetTrialIntermediateValue records the objective value at a step.
	// First write wins: a step that already has a value returns false.
	SetTrialIntermediateValue(trialID int, step int, value float64) (bool, error)
	// SetTrialUserAttr stores a user attribute on the trial.
	SetTrialUserAttr(trialID int, key string, value any) error
	// SetTrialSystemAttr stores a system attribute on the trial.
	SetTrialSystemAttr(trialID int, key string, value any) error
	// Trial returns a snapshot of the trial.
	Trial(trialID int) (FrozenTrial, error)
	// TrialIDFromStudyIDTrialNumber resolves a per-study trial number.
	TrialIDFromStudyIDTrialNumber(studyID, number int) (int, error)
	// AllTrials returns snapshots of the study's trials ordered by number,
	// optionally filtered by state.
	AllTrials(studyID int, states ...TrialState) ([]FrozenTrial, error)
	// NTrials counts the study's trials, optionally filtered by state.
	NTrials(studyID int, states ...TrialState) (int, error)
	// BestTrial returns the best completed trial of a single-objective
	// study according to its direction.
	BestTrial(studyID int) (FrozenTrial, error)
}

// TrialUpdate accumulates field-level trial mutations so a caching layer
// can flush them to a durable backend in a single write. Nil/empty fields
// mean "unchanged".
type TrialUpdate struct {
	State              *TrialState
	Values             []float64
	Params             map[string]float64 // internal representations
	Distributions      map[string]Distribution
	IntermediateValues map[int]float64
	UserAttrs          map[string]any
	SystemAttrs        map[string]any
	DatetimeComplete   *time.Time
}

// Empty reports whether the update carries no changes.
func (u TrialUpdate) Empty() bool {
	return u.State == nil && u.Values == nil && len(u.Params) == 0 &&
		len(u.IntermediateValues) == 0 && len(u.UserAttrs) == 0 &&
		len(u.SystemAttrs) == 0 && u.DatetimeComplete == nil
}

// Backend extends Storage with the primitives a write-back cache needs
// from the wrapped durable store.
type Backend interface {
	Storage

	// CreateTrialFrozen creates a trial and returns its full snapshot so
	// the caller can cache it without a second read.
	CreateTrialFrozen(studyID int, template *FrozenTrial) (FrozenTrial, error)
	// CheckOrSetParamDistribution registers the distribution for a
	// parameter name within the trial's study, or verifies compatibility
	// against the already registered one.
	CheckOrSetParamDistribution(trialID int, name string, dist Distribution) error
	// UpdateTrial applies an accumulated diff in one commit. It returns
	// false when the trial was concurrently finished by another worker.
	UpdateTrial(trialID int, update TrialUpdate) (bool, error)
	// UncachedTrials returns snapshots of the study's trials whose ids are
	// not in cachedIDs, bounding reconciliation reads to the delta.
	UncachedTrials(studyID int, cachedIDs map[int]struct{}) ([]FrozenTrial, error)
}

// DefaultStudyNamePrefix prefixes generated study names.
const DefaultStudyNamePrefix = "no-name-"

// GenerateStudyName returns a unique default study name.
func GenerateStudyName() string {
	return DefaultStudyNamePrefix + uuid.NewString()
}
