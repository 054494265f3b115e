package restore

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrJobsFailed is returned by Report.Err when at least one job failed.
	ErrJobsFailed = errors.New("restore batch had failed jobs")

	// ErrIncompleteStageTable is returned when a scheduler is built without a runner for every stage.
	ErrIncompleteStageTable = errors.New("stage table must have a runner for every stage")

	// ErrNoOutput is returned when a runner succeeds without writing its output file.
	ErrNoOutput = errors.New("stage produced no output")

	// ErrInvalidTransition is returned when a job is advanced out of order.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrStagePanicked wraps a panic recovered from an in-process stage runner.
	ErrStagePanicked = errors.New("stage runner panicked")
)

// MissingInputError reports a required source or intermediate file that doesn't exist.
// It matches fs.ErrNotExist with errors.Is.
type MissingInputError struct {
	Title string
	Page  string
	Role  string
	Path  string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s/%s: missing %s input %s", e.Title, e.Page, e.Role, e.Path)
}

func (e *MissingInputError) Unwrap() error {
	return fs.ErrNotExist
}

// StageExecutionError is recorded when a stage fails for one job.
type StageExecutionError struct {
	JobID string
	Stage Stage
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("job %s: stage %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}
