package restore

import (
	"fmt"
	"time"

	"github.com/jackzampolin/inkwell/internal/titles"
)

// State is a job's position in the pipeline.
// StageNDone has the numeric value N, so State(stage) is the state after stage.
type State int

const (
	StateCreated State = iota
	StateStage1Done
	StateStage2Done
	StateStage3Done
	StateStage4Done
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStage1Done, StateStage2Done, StateStage3Done, StateStage4Done:
		return fmt.Sprintf("stage%d_done", int(s))
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is what happened to a job at one stage.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	OutcomeAborted Outcome = "aborted"
)

// StageRecord is the outcome of one stage for one job.
type StageRecord struct {
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// RestoreJob is the per-page unit of work. The scheduler owns it for the
// duration of a batch; stage tasks only read it and report results, and the
// scheduler applies state transitions between waves.
type RestoreJob struct {
	ID       string
	Title    titles.Title
	Page     titles.Page
	WorkDir  string
	Original titles.SourceFile
	Upscaled titles.SourceFile
	Scale    int
	Outputs  titles.Outputs

	state       State
	failedStage Stage
	err         error
	interrupted bool
	records     [4]StageRecord
}

// NewRestoreJob creates a job for one resolved page.
func NewRestoreJob(title titles.Title, pf titles.PageFiles, workDir string, scale int) *RestoreJob {
	return &RestoreJob{
		ID:       title.Key + "/" + pf.Page.Stem,
		Title:    title,
		Page:     pf.Page,
		WorkDir:  workDir,
		Original: pf.Original,
		Upscaled: pf.Upscaled,
		Scale:    scale,
		Outputs:  pf.Outputs,
		state:    StateCreated,
	}
}

// State returns the current state.
func (j *RestoreJob) State() State { return j.state }

// Err returns the error that failed the job, if any.
func (j *RestoreJob) Err() error { return j.err }

// FailedStage returns the stage the job failed at, or 0.
func (j *RestoreJob) FailedStage() Stage { return j.failedStage }

// Interrupted reports whether the batch was cancelled before the job finished.
func (j *RestoreJob) Interrupted() bool { return j.interrupted }

// Done reports whether all four stages completed.
func (j *RestoreJob) Done() bool { return j.state == StateStage4Done }

// Live reports whether the job takes part in further waves.
func (j *RestoreJob) Live() bool {
	return j.state != StateFailed && !j.interrupted && !j.Done()
}

// Record returns the outcome of a stage.
func (j *RestoreJob) Record(s Stage) StageRecord {
	if !s.Valid() {
		return StageRecord{}
	}
	return j.records[s-1]
}

// advance moves the job past stage s after it ran or was skipped.
func (j *RestoreJob) advance(s Stage, outcome Outcome, d time.Duration) error {
	if !s.Valid() || j.state != State(s-1) {
		return fmt.Errorf("%w: %s cannot complete %s from %s", ErrInvalidTransition, j.ID, s, j.state)
	}
	j.records[s-1] = StageRecord{Outcome: outcome, Duration: d}
	j.state = State(s)
	return nil
}

// fail moves the job to the terminal failed state.
func (j *RestoreJob) fail(s Stage, err error, d time.Duration) {
	if s.Valid() {
		j.records[s-1] = StageRecord{Outcome: OutcomeFailed, Duration: d, Err: err}
	}
	j.failedStage = s
	j.err = err
	j.state = StateFailed
}

// interrupt marks the job as cut short by cancellation. s is the stage whose
// task was aborted, or 0 when the job never got to run.
func (j *RestoreJob) interrupt(s Stage) {
	if s.Valid() {
		j.records[s-1] = StageRecord{Outcome: OutcomeAborted}
	}
	j.interrupted = true
}

// request builds the runner request for stage s, writing to tmpOutput.
func (j *RestoreJob) request(s Stage, tmpOutput string) StageRequest {
	inputs := make(map[string]string, 4)
	for _, in := range s.Inputs(j) {
		inputs[in.Role] = in.Path
	}
	return StageRequest{
		Stage:       s,
		JobID:       j.ID,
		Title:       j.Title.Key,
		Page:        j.Page.Stem,
		WorkDir:     j.WorkDir,
		Scale:       j.Scale,
		Inputs:      inputs,
		Outputs:     j.Outputs,
		Output:      tmpOutput,
		Destination: s.Output(j),
	}
}
