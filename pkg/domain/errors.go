package domain

import "fmt"

// NotFoundError reports an unknown study or trial identifier or name.
type NotFoundError struct {
	Kind string // "study" or "trial"
	ID   int
	Name string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q does not exist", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s %d does not exist", e.Kind, e.ID)
}

// NewStudyNotFound returns a NotFoundError for a study id.
func NewStudyNotFound(studyID int) *NotFoundError {
	return &NotFoundError{Kind: "study", ID: studyID}
}

// NewTrialNotFound returns a NotFoundError for a trial id.
func NewTrialNotFound(trialID int) *NotFoundError {
	return &NotFoundError{Kind: "trial", ID: trialID}
}

// DuplicatedStudyError reports a study name collision on create.
type DuplicatedStudyError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicatedStudyError) Error() string {
	return fmt.Sprintf("another study with name %q already exists", e.Name)
}

// ImmutableTrialError reports an attempted mutation of a finished trial.
type ImmutableTrialError struct {
	TrialNumber int
	State       TrialState
}

// Error implements the error interface.
func (e *ImmutableTrialError) Error() string {
	return fmt.Sprintf("trial#%d has already finished (%s) and can not be updated", e.TrialNumber, e.State)
}

// DistributionCompatibilityError reports a parameter reused with an
// incompatible distribution within the same study.
type DistributionCompatibilityError struct {
	Existing  Distribution
	Requested Distribution
}

// Error implements the error interface.
func (e *DistributionCompatibilityError) Error() string {
	return fmt.Sprintf("distribution %+v is incompatible with previously registered %+v", e.Requested, e.Existing)
}
