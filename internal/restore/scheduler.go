package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/inkwell/internal/titles"
)

// Scheduler builds restore batches and runs them wave by wave.
type Scheduler struct {
	locator titles.Locator
	runners StageTable
	guard   Guard
	plan    Plan
	workDir string
	scale   int
	logger  *slog.Logger
}

// SchedulerConfig configures a new scheduler.
type SchedulerConfig struct {
	Locator titles.Locator
	Runners StageTable
	Guard   Guard
	Plan    Plan
	WorkDir string // Created if absent
	Scale   int    // Default 1
	Logger  *slog.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Locator == nil {
		return nil, errors.New("scheduler requires a page locator")
	}
	if err := cfg.Runners.Validate(); err != nil {
		return nil, err
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("scheduler requires a working directory")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scale := cfg.Scale
	if scale <= 0 {
		scale = 1
	}

	return &Scheduler{
		locator: cfg.Locator,
		runners: cfg.Runners,
		guard:   cfg.Guard,
		plan:    cfg.Plan,
		workDir: cfg.WorkDir,
		scale:   scale,
		logger:  logger,
	}, nil
}

// Plan returns the concurrency plan used for every batch.
func (s *Scheduler) Plan() Plan {
	return s.plan
}

// Batch is the set of jobs for one invocation, in title/page order.
type Batch struct {
	RunID     string
	Titles    []string
	Jobs      []*RestoreJob
	Excluded  []Exclusion
	Complete  []JobRef
	CreatedAt time.Time
}

// JobRef identifies a page of a title.
type JobRef struct {
	Title string `json:"title" yaml:"title"`
	Page  string `json:"page" yaml:"page"`
}

func (r JobRef) String() string {
	return r.Title + "/" + r.Page
}

// Exclusion is a page (or whole title) dropped while building the batch.
type Exclusion struct {
	Title  string `json:"title" yaml:"title"`
	Page   string `json:"page,omitempty" yaml:"page,omitempty"`
	Reason string `json:"reason" yaml:"reason"`
}

// Build resolves titles in the given order and creates one job per page that
// has its sources and is not already finished. Only setup failures are returned
// as errors; per-title and per-page problems are logged and recorded.
// A title named twice is added once. If ctx is cancelled while resolving, the
// titles resolved so far are returned so the run can still be reported.
func (s *Scheduler) Build(ctx context.Context, keys []string) (*Batch, error) {
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	b := &Batch{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now(),
	}
	logger := s.logger.With("run_id", b.RunID)

	added := make(map[string]bool, len(keys))
	dests := make(map[string]JobRef)
	for _, key := range keys {
		if ctx.Err() != nil {
			logger.Warn("batch build interrupted", "resolved", len(b.Titles))
			break
		}

		set, err := s.locator.Resolve(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("batch build interrupted", "resolved", len(b.Titles))
				break
			}
			logger.Error("failed to resolve title", "title", key, "error", err)
			b.Excluded = append(b.Excluded, Exclusion{Title: key, Reason: err.Error()})
			continue
		}
		if added[set.Title.Key] {
			logger.Warn("title requested more than once", "title", set.Title.Key, "as", key)
			continue
		}
		added[set.Title.Key] = true
		b.Titles = append(b.Titles, set.Title.Key)
		s.addTitle(logger, b, set, dests)
	}

	logger.Info("batch built",
		"titles", len(b.Titles),
		"jobs", len(b.Jobs),
		"excluded", len(b.Excluded),
		"complete", len(b.Complete),
	)
	return b, nil
}

// addTitle adds the pages of set. dests maps every final output already
// claimed in the batch to its page; a page whose output is taken is excluded.
func (s *Scheduler) addTitle(logger *slog.Logger, b *Batch, set *titles.PageSet, dests map[string]JobRef) {
	workDir := filepath.Join(s.workDir, set.Title.Key)

	for _, pf := range set.Pages {
		ref := JobRef{Title: set.Title.Key, Page: pf.Page.Stem}
		log := logger.With("title", ref.Title, "page", ref.Page)

		if owner, taken := dests[pf.Outputs.Final]; taken {
			log.Error("output already claimed by another page, page excluded", "path", pf.Outputs.Final, "owner", owner.String())
			b.Excluded = append(b.Excluded, Exclusion{
				Title:  ref.Title,
				Page:   ref.Page,
				Reason: fmt.Sprintf("output %s already belongs to %s", pf.Outputs.Final, owner),
			})
			continue
		}
		dests[pf.Outputs.Final] = ref

		if missing := missingSource(set.Title.Key, pf); missing != nil {
			log.Error("source file missing, page excluded", "role", missing.Role, "path", missing.Path)
			b.Excluded = append(b.Excluded, Exclusion{Title: ref.Title, Page: ref.Page, Reason: missing.Error()})
			continue
		}

		decision, err := s.guard.Check(pf.Outputs.Final, pf.Original.Path, pf.Upscaled.Path)
		if err != nil {
			log.Error("cannot inspect final output, page excluded", "error", err)
			b.Excluded = append(b.Excluded, Exclusion{Title: ref.Title, Page: ref.Page, Reason: err.Error()})
			continue
		}
		switch decision {
		case DecisionSkip:
			log.Warn("final output exists, skipping page", "path", pf.Outputs.Final)
			b.Complete = append(b.Complete, ref)
			continue
		case DecisionSkipStale:
			log.Warn("final output is older than its sources, keeping it", "path", pf.Outputs.Final)
			b.Complete = append(b.Complete, ref)
			continue
		case DecisionRebuildStale:
			log.Warn("final output is older than its sources, rebuilding", "path", pf.Outputs.Final)
		}

		b.Jobs = append(b.Jobs, NewRestoreJob(set.Title, pf, workDir, s.scale))
	}
}

func missingSource(key string, pf titles.PageFiles) *MissingInputError {
	if !fileExists(pf.Original.Path) {
		return &MissingInputError{Title: key, Page: pf.Page.Stem, Role: RoleOriginal, Path: pf.Original.Path}
	}
	if !fileExists(pf.Upscaled.Path) {
		return &MissingInputError{Title: key, Page: pf.Page.Stem, Role: RoleUpscaled, Path: pf.Upscaled.Path}
	}
	return nil
}

// Run executes the four waves over the batch and reports the outcome.
// Each wave finishes completely before the next starts. Cancelling ctx aborts
// the remaining tasks and skips straight to reporting.
func (s *Scheduler) Run(ctx context.Context, b *Batch) *Report {
	logger := s.logger.With("run_id", b.RunID)
	report := newReport(b, s.plan)

	logger.Info("restore batch starting", "jobs", len(b.Jobs), "plan", s.plan.String())

	for _, stage := range Stages {
		if ctx.Err() != nil {
			break
		}
		report.Waves = append(report.Waves, s.runWave(ctx, logger, b, stage))
	}

	if ctx.Err() != nil {
		report.Cancelled = true
		for _, j := range b.Jobs {
			if j.Live() {
				j.interrupt(0)
			}
		}
		logger.Warn("restore batch interrupted", "error", ctx.Err())
	}

	report.finish(b)
	logger.Info("restore batch finished",
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"excluded", len(report.Excluded),
		"complete", len(report.Complete),
		"interrupted", len(report.Interrupted),
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)
	return report
}

// RunTitles builds a batch for the titles and runs it. A batch cut short by
// cancellation is still run, which reports its jobs as interrupted.
func (s *Scheduler) RunTitles(ctx context.Context, keys []string) (*Report, error) {
	b, err := s.Build(ctx, keys)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, b), nil
}

// runWave runs one stage across all live jobs and applies the results once the
// wave has drained.
func (s *Scheduler) runWave(ctx context.Context, logger *slog.Logger, b *Batch, stage Stage) WaveSummary {
	live := make([]*RestoreJob, 0, len(b.Jobs))
	for _, j := range b.Jobs {
		if j.Live() {
			live = append(live, j)
		}
	}

	workers := s.plan.WorkersFor(stage)
	summary := WaveSummary{
		Stage:     stage.String(),
		Workers:   workers,
		Submitted: len(live),
		StartedAt: time.Now(),
	}
	log := logger.With("stage", stage.String())

	if len(live) == 0 {
		log.Info("wave has no live jobs")
		summary.FinishedAt = time.Now()
		return summary
	}

	log.Info("wave starting", "jobs", len(live), "workers", workers)
	pool := NewWavePool(WavePoolConfig{Name: stage.String(), Logger: log, WorkerCount: workers})
	results := pool.Run(ctx, len(live), func(ctx context.Context, i int) stageResult {
		return s.executeStage(ctx, log, live[i], stage)
	})

	for i, res := range results {
		j := live[i]
		switch res.Outcome {
		case OutcomeRan, OutcomeSkipped:
			if err := j.advance(stage, res.Outcome, res.duration()); err != nil {
				j.fail(stage, err, res.duration())
				summary.Failed++
				log.Error("job state error", "job", j.ID, "error", err)
				continue
			}
			if res.Outcome == OutcomeRan {
				summary.Ran++
			} else {
				summary.Skipped++
			}
		case OutcomeAborted:
			j.interrupt(stage)
			summary.Aborted++
		default:
			err := &StageExecutionError{JobID: j.ID, Stage: stage, Err: res.Err}
			j.fail(stage, err, res.duration())
			summary.Failed++
			log.Error("stage failed", "title", j.Title.Key, "page", j.Page.Stem, "error", res.Err)
		}
	}

	summary.PeakConcurrency = pool.Status().MaxInFlight
	summary.FinishedAt = time.Now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	log.Info("wave finished",
		"ran", summary.Ran,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"aborted", summary.Aborted,
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return summary
}

// executeStage runs one stage for one job: check inputs, consult the guard,
// run the stage into a temporary file and commit it.
func (s *Scheduler) executeStage(ctx context.Context, logger *slog.Logger, j *RestoreJob, stage Stage) stageResult {
	res := stageResult{Started: time.Now()}
	finish := func(o Outcome, err error) stageResult {
		res.Outcome = o
		res.Err = err
		res.Finished = time.Now()
		return res
	}
	log := logger.With("title", j.Title.Key, "page", j.Page.Stem)

	inputs := stage.Inputs(j)
	paths := make([]string, len(inputs))
	for i, in := range inputs {
		if !fileExists(in.Path) {
			return finish(OutcomeFailed, &MissingInputError{Title: j.Title.Key, Page: j.Page.Stem, Role: in.Role, Path: in.Path})
		}
		paths[i] = in.Path
	}

	output := stage.Output(j)
	decision, err := s.guard.Check(output, paths...)
	res.Decision = decision
	if err != nil {
		return finish(OutcomeFailed, err)
	}
	switch decision {
	case DecisionSkip:
		log.Warn("stage output exists, skipping", "path", output)
		return finish(OutcomeSkipped, nil)
	case DecisionSkipStale:
		log.Warn("stage output is older than its inputs, keeping it", "path", output)
		return finish(OutcomeSkipped, nil)
	case DecisionRebuildStale:
		log.Warn("stage output is older than its inputs, rebuilding", "path", output)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return finish(OutcomeFailed, fmt.Errorf("failed to create output directory: %w", err))
	}
	if err := os.MkdirAll(j.WorkDir, 0o755); err != nil {
		return finish(OutcomeFailed, fmt.Errorf("failed to create job working directory: %w", err))
	}

	tmp := partialPath(output)
	defer os.Remove(tmp)

	log.Debug("stage starting")
	if err := s.runners[stage].Run(ctx, j.request(stage, tmp)); err != nil {
		if ctx.Err() != nil {
			return finish(OutcomeAborted, ctx.Err())
		}
		return finish(OutcomeFailed, err)
	}
	if err := commitOutput(tmp, output); err != nil {
		return finish(OutcomeFailed, err)
	}

	res = finish(OutcomeRan, nil)
	log.Info("stage complete", "duration", res.duration().Round(time.Millisecond))
	return res
}
