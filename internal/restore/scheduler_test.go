package restore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/inkwell/internal/home"
	"github.com/jackzampolin/inkwell/internal/titles"
)

// archive is a throwaway archive home with scanned titles.
type archive struct {
	home    *home.Dir
	locator *titles.FSLocator
	work    string
}

func newArchive(t *testing.T, pages map[string][]string) *archive {
	t.Helper()
	root := t.TempDir()
	h, err := home.New(root)
	require.NoError(t, err)
	for key, stems := range pages {
		for _, stem := range stems {
			writeFile(t, h.PagePath(home.TreeOriginals, key, stem, ".jpg"))
			writeFile(t, h.PagePath(home.TreeUpscaled, key, stem, ".png"))
		}
	}
	return &archive{
		home:    h,
		locator: titles.NewFSLocator(h, nil),
		work:    filepath.Join(root, "work"),
	}
}

func (a *archive) final(key, stem string) string {
	return a.home.PagePath(home.TreeFinal, key, stem, ".png")
}

// call is one recorded stage invocation.
type call struct {
	stage    Stage
	job      string
	started  time.Time
	finished time.Time
}

// fakeRunners writes every stage output unless fail returns an error for it.
type fakeRunners struct {
	mu    sync.Mutex
	calls []call
	delay time.Duration
	fail  func(req StageRequest) error
}

func (f *fakeRunners) table() StageTable {
	run := StageRunnerFunc(func(ctx context.Context, req StageRequest) error {
		c := call{stage: req.Stage, job: req.JobID, started: time.Now()}
		defer func() {
			c.finished = time.Now()
			f.mu.Lock()
			f.calls = append(f.calls, c)
			f.mu.Unlock()
		}()

		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.fail != nil {
			if err := f.fail(req); err != nil {
				return err
			}
		}
		return os.WriteFile(req.Output, []byte(req.Stage.String()), 0o644)
	})
	return StageTable{StagePrep: run, StageRestore: run, StageVectorize: run, StageCompose: run}
}

func (f *fakeRunners) count(stage Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if stage == 0 || c.stage == stage {
			n++
		}
	}
	return n
}

func (f *fakeRunners) jobs(stage Stage) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.stage == stage {
			out = append(out, c.job)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, a *archive, f *fakeRunners, guard Guard) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{
		Locator: a.locator,
		Runners: f.table(),
		Guard:   guard,
		Plan:    PlanConcurrency(PoolConfig{CPUWorkers: 4, HungryWorkers: 2, MemoryThreshold: 1}, 2, true),
		WorkDir: a.work,
		Scale:   4,
	})
	require.NoError(t, err)
	return s
}

var threeTitles = map[string][]string{
	"alpha": {"001", "002"},
	"beta":  {"001", "002"},
	"gamma": {"001", "002"},
}

func TestNewScheduler_Validation(t *testing.T) {
	a := newArchive(t, nil)
	f := &fakeRunners{}

	_, err := NewScheduler(SchedulerConfig{Runners: f.table(), WorkDir: a.work})
	assert.Error(t, err)

	partial := f.table()
	delete(partial, StageCompose)
	_, err = NewScheduler(SchedulerConfig{Locator: a.locator, Runners: partial, WorkDir: a.work})
	assert.ErrorIs(t, err, ErrIncompleteStageTable)

	_, err = NewScheduler(SchedulerConfig{Locator: a.locator, Runners: f.table()})
	assert.Error(t, err)
}

func TestScheduler_MixedBatch(t *testing.T) {
	a := newArchive(t, threeTitles)
	require.NoError(t, os.Remove(a.home.PagePath(home.TreeUpscaled, "beta", "002", ".png")))

	f := &fakeRunners{fail: func(req StageRequest) error {
		if req.Stage == StageVectorize && req.JobID == "alpha/002" {
			return errors.New("tracer crashed")
		}
		return nil
	}}
	s := newTestScheduler(t, a, f, Guard{})

	batch, err := s.Build(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 5)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, batch.Titles)

	ids := make([]string, len(batch.Jobs))
	for i, j := range batch.Jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"alpha/001", "alpha/002", "beta/001", "gamma/001", "gamma/002"}, ids)

	require.Len(t, batch.Excluded, 1)
	assert.Equal(t, "beta", batch.Excluded[0].Title)
	assert.Equal(t, "002", batch.Excluded[0].Page)
	assert.Contains(t, batch.Excluded[0].Reason, "upscaled")

	report := s.Run(context.Background(), batch)

	assert.Len(t, report.Succeeded, 4)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, FailedJob{Title: "alpha", Page: "002", Stage: "vectorize", Error: "tracer crashed"}, report.Failed[0])
	assert.Len(t, report.Excluded, 1)
	assert.Empty(t, report.Interrupted)
	assert.False(t, report.Cancelled)
	assert.ErrorIs(t, report.Err(), ErrJobsFailed)

	// The failed job never reached compose; everybody else did.
	assert.NotContains(t, f.jobs(StageCompose), "alpha/002")
	assert.Len(t, f.jobs(StageCompose), 4)
	assert.NoFileExists(t, a.final("alpha", "002"))
	assert.FileExists(t, a.final("alpha", "001"))
	assert.FileExists(t, a.final("gamma", "002"))

	require.Len(t, report.Waves, 4)
	assert.Equal(t, 5, report.Waves[2].Submitted)
	assert.Equal(t, 1, report.Waves[2].Failed)
	assert.Equal(t, 4, report.Waves[3].Submitted)
	assert.Equal(t, 2, report.Waves[3].Workers)
	assert.Equal(t, 4, report.Waves[0].Workers)
}

func TestScheduler_FailureStopsOnlyThatJob(t *testing.T) {
	a := newArchive(t, threeTitles)
	f := &fakeRunners{fail: func(req StageRequest) error {
		if req.Stage == StageRestore && req.JobID == "beta/001" {
			return errors.New("out of memory")
		}
		return nil
	}}
	s := newTestScheduler(t, a, f, Guard{})

	report, err := s.RunTitles(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)

	assert.Len(t, report.Succeeded, 5)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "restore", report.Failed[0].Stage)
	assert.NotContains(t, f.jobs(StageVectorize), "beta/001")
	assert.NoFileExists(t, a.home.PagePath(home.TreeRestoredUpscaled, "beta", "001", ".png"))
	assert.FileExists(t, a.home.PagePath(home.TreeRestored, "beta", "001", ".png"))
}

func TestScheduler_WaveBarrier(t *testing.T) {
	a := newArchive(t, threeTitles)
	f := &fakeRunners{delay: 5 * time.Millisecond}
	s := newTestScheduler(t, a, f, Guard{})

	report, err := s.RunTitles(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Equal(t, 24, f.count(0))

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, next := range Stages[1:] {
		var lastFinish, firstStart time.Time
		for _, c := range f.calls {
			if c.stage == next-1 && c.finished.After(lastFinish) {
				lastFinish = c.finished
			}
			if c.stage == next && (firstStart.IsZero() || c.started.Before(firstStart)) {
				firstStart = c.started
			}
		}
		assert.False(t, firstStart.Before(lastFinish), "%s started before %s drained", next, next-1)
	}
}

func TestScheduler_RerunIsIdempotent(t *testing.T) {
	a := newArchive(t, threeTitles)
	f := &fakeRunners{}
	s := newTestScheduler(t, a, f, Guard{CheckTimestamps: true})
	keys := []string{"alpha", "beta", "gamma"}

	first, err := s.RunTitles(context.Background(), keys)
	require.NoError(t, err)
	assert.Len(t, first.Succeeded, 6)
	assert.Equal(t, 24, first.StageRuns())

	second, err := s.RunTitles(context.Background(), keys)
	require.NoError(t, err)
	assert.Equal(t, 24, f.count(0), "second run must not invoke any stage")
	assert.Zero(t, second.Processed())
	assert.Len(t, second.Complete, 6)
	assert.NoError(t, second.Err())
	for _, w := range second.Waves {
		assert.Zero(t, w.Submitted)
	}
}

func TestScheduler_SkipsExistingIntermediates(t *testing.T) {
	a := newArchive(t, map[string][]string{"alpha": {"001", "002"}})
	f := &fakeRunners{}
	s := newTestScheduler(t, a, f, Guard{})

	_, err := s.RunTitles(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(a.final("alpha", "001")))

	report, err := s.RunTitles(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha/001"}, f.jobs(StageCompose)[2:])
	assert.Len(t, f.jobs(StagePrep), 2)
	require.Len(t, report.Succeeded, 1)
	assert.Equal(t, 1, report.Succeeded[0].Ran)
	assert.Equal(t, 3, report.Succeeded[0].Skipped)
	assert.Equal(t, []JobRef{{Title: "alpha", Page: "002"}}, report.Complete)
}

func TestScheduler_MissingIntermediateFailsJob(t *testing.T) {
	a := newArchive(t, map[string][]string{"alpha": {"001", "002"}})
	f := &fakeRunners{}
	table := f.table()
	// prep claims success for 001 but writes nothing
	table[StagePrep] = StageRunnerFunc(func(ctx context.Context, req StageRequest) error {
		if req.Page == "001" {
			return nil
		}
		return os.WriteFile(req.Output, []byte("ok"), 0o644)
	})
	s, err := NewScheduler(SchedulerConfig{Locator: a.locator, Runners: table, WorkDir: a.work})
	require.NoError(t, err)

	report, err := s.RunTitles(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "prep", report.Failed[0].Stage)
	assert.Equal(t, ErrNoOutput.Error(), report.Failed[0].Error)
	assert.Len(t, report.Succeeded, 1)
}

func TestScheduler_PartialOutputsAreNotLeftBehind(t *testing.T) {
	a := newArchive(t, map[string][]string{"alpha": {"001"}})
	f := &fakeRunners{}
	table := f.table()
	table[StageVectorize] = StageRunnerFunc(func(ctx context.Context, req StageRequest) error {
		if err := os.WriteFile(req.Output, []byte("<svg"), 0o644); err != nil {
			return err
		}
		return errors.New("tracer crashed halfway")
	})
	s, err := NewScheduler(SchedulerConfig{Locator: a.locator, Runners: table, WorkDir: a.work})
	require.NoError(t, err)

	report, err := s.RunTitles(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)

	entries, err := os.ReadDir(a.home.TitleDir(home.TreeRestoredSVG, "alpha"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScheduler_UnknownTitleIsExcluded(t *testing.T) {
	a := newArchive(t, map[string][]string{"alpha": {"001"}})
	f := &fakeRunners{}
	s := newTestScheduler(t, a, f, Guard{})

	batch, err := s.Build(context.Background(), []string{"nope", "alpha"})
	require.NoError(t, err)
	assert.Len(t, batch.Jobs, 1)
	require.Len(t, batch.Excluded, 1)
	assert.Equal(t, "nope", batch.Excluded[0].Title)
	assert.Contains(t, batch.Excluded[0].Reason, titles.ErrTitleNotFound.Error())
	assert.Equal(t, []string{"alpha"}, batch.Titles)
}

func TestScheduler_RepeatedTitleBuildsOneJobPerPage(t *testing.T) {
	a := newArchive(t, map[string][]string{"the-golden-helmet": {"001"}})
	f := &fakeRunners{}
	s := newTestScheduler(t, a, f, Guard{})

	batch, err := s.Build(context.Background(), []string{"the-golden-helmet", "the-golden-helmet", "The Golden Helmet"})
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 1)
	assert.Equal(t, []string{"the-golden-helmet"}, batch.Titles)
	assert.Empty(t, batch.Excluded)

	report := s.Run(context.Background(), batch)
	assert.Len(t, report.Succeeded, 1)
	assert.Equal(t, 1, f.count(StageCompose))
}

// sharedOutputLocator resolves every title to the same page files.
type sharedOutputLocator struct {
	titles.Locator
}

func (l sharedOutputLocator) Resolve(ctx context.Context, key string) (*titles.PageSet, error) {
	set, err := l.Locator.Resolve(ctx, "alpha")
	if err != nil {
		return nil, err
	}
	set.Title.Key = key
	return set, nil
}

func TestScheduler_ClaimedOutputExcludesPage(t *testing.T) {
	a := newArchive(t, map[string][]string{"alpha": {"001"}})
	f := &fakeRunners{}
	s, err := NewScheduler(SchedulerConfig{
		Locator: sharedOutputLocator{a.locator},
		Runners: f.table(),
		WorkDir: a.work,
	})
	require.NoError(t, err)

	batch, err := s.Build(context.Background(), []string{"alpha", "alias"})
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 1)
	require.Len(t, batch.Excluded, 1)
	assert.Equal(t, "alias", batch.Excluded[0].Title)
	assert.Contains(t, batch.Excluded[0].Reason, "already belongs to alpha/001")
}

func TestScheduler_StaleFinalOutput(t *testing.T) {
	a := newArchive(t, map[string][]string{"alpha": {"001"}})
	final := a.final("alpha", "001")
	writeFile(t, final)
	age(t, final, time.Hour)

	f := &fakeRunners{}
	kept := newTestScheduler(t, a, f, Guard{CheckTimestamps: true})
	batch, err := kept.Build(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	assert.Empty(t, batch.Jobs)
	assert.Len(t, batch.Complete, 1)

	rebuilt := newTestScheduler(t, a, f, Guard{CheckTimestamps: true, RebuildStale: true})
	report, err := rebuilt.RunTitles(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	assert.Len(t, report.Succeeded, 1)
	assert.Equal(t, 4, f.count(0))
}

func TestScheduler_Cancellation(t *testing.T) {
	a := newArchive(t, threeTitles)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeRunners{fail: func(req StageRequest) error {
		if req.Stage == StagePrep {
			cancel()
		}
		return nil
	}}
	s, err := NewScheduler(SchedulerConfig{
		Locator: a.locator,
		Runners: f.table(),
		Plan:    PlanConcurrency(PoolConfig{CPUWorkers: 1, HungryWorkers: 1}, 0, false),
		WorkDir: a.work,
	})
	require.NoError(t, err)

	batch, err := s.Build(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	report := s.Run(ctx, batch)

	assert.True(t, report.Cancelled)
	assert.Len(t, report.Interrupted, 6)
	assert.Empty(t, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.NoError(t, report.Err())
	assert.Equal(t, 1, f.count(StagePrep))
	assert.Zero(t, f.count(StageRestore))
	require.Len(t, report.Waves, 1)
	assert.Equal(t, 5, report.Waves[0].Aborted)
}

// cancelAfterLocator cancels the run once the first title has been resolved.
type cancelAfterLocator struct {
	titles.Locator
	cancel context.CancelFunc
}

func (l cancelAfterLocator) Resolve(ctx context.Context, key string) (*titles.PageSet, error) {
	set, err := l.Locator.Resolve(ctx, key)
	l.cancel()
	return set, err
}

func TestScheduler_CancelledWhileBuildingStillReports(t *testing.T) {
	a := newArchive(t, threeTitles)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeRunners{}
	s, err := NewScheduler(SchedulerConfig{
		Locator: cancelAfterLocator{Locator: a.locator, cancel: cancel},
		Runners: f.table(),
		WorkDir: a.work,
	})
	require.NoError(t, err)

	report, err := s.RunTitles(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.Cancelled)
	assert.Equal(t, []string{"alpha"}, report.Titles)
	assert.Len(t, report.Interrupted, 2)
	assert.Empty(t, report.Succeeded)
	assert.NoError(t, report.Err())
	assert.Zero(t, f.count(0))
}

func TestReport_RenderAndSave(t *testing.T) {
	a := newArchive(t, map[string][]string{"alpha": {"001", "002"}})
	f := &fakeRunners{fail: func(req StageRequest) error {
		if req.Stage == StageCompose && req.Page == "002" {
			return errors.New("compositor crashed")
		}
		return nil
	}}
	s := newTestScheduler(t, a, f, Guard{})

	report, err := s.RunTitles(context.Background(), []string{"alpha", "missing"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf))
	out := buf.String()
	assert.Contains(t, out, "1 succeeded")
	assert.Contains(t, out, "1 failed")
	assert.Contains(t, out, "alpha/002 at compose: compositor crashed")
	assert.Contains(t, out, "missing: ")

	path, err := report.Save(filepath.Join(a.work, "reports"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, report.RunID, decoded["run_id"])
	assert.Len(t, decoded["failed"], 1)
}

func TestScheduler_LowMemoryRunsHungryStagesSerially(t *testing.T) {
	a := newArchive(t, threeTitles)
	f := &fakeRunners{delay: 5 * time.Millisecond}

	low := PlanConcurrency(PoolConfig{CPUWorkers: 4, HungryWorkers: 5, MemoryThreshold: 16 << 30}, 4<<30, true)
	s, err := NewScheduler(SchedulerConfig{Locator: a.locator, Runners: f.table(), Plan: low, WorkDir: a.work})
	require.NoError(t, err)

	report, err := s.RunTitles(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, report.Waves, 4)
	assert.Equal(t, 1, report.Waves[1].Workers)
	assert.Equal(t, 1, report.Waves[1].PeakConcurrency)
	assert.Equal(t, 1, report.Waves[3].Workers)
	assert.Equal(t, 1, report.Waves[3].PeakConcurrency)
	assert.Equal(t, 4, report.Waves[0].Workers)

	high := PlanConcurrency(PoolConfig{CPUWorkers: 4, HungryWorkers: 5, MemoryThreshold: 16 << 30}, 64<<30, true)
	assert.Equal(t, 5, high.WorkersFor(StageRestore))
	assert.Equal(t, 5, high.WorkersFor(StageCompose))
}

func TestScheduler_OutcomeIndependentOfOrder(t *testing.T) {
	failing := func(req StageRequest) error {
		if req.Stage == StageRestore && req.JobID == "beta/002" {
			return errors.New("out of memory")
		}
		return nil
	}
	outcome := func(keys []string) ([]string, []string) {
		a := newArchive(t, threeTitles)
		s := newTestScheduler(t, a, &fakeRunners{fail: failing}, Guard{})
		report, err := s.RunTitles(context.Background(), keys)
		require.NoError(t, err)

		var ok, failed []string
		for _, j := range report.Succeeded {
			ok = append(ok, j.Title+"/"+j.Page)
		}
		for _, j := range report.Failed {
			failed = append(failed, j.Title+"/"+j.Page)
		}
		return ok, failed
	}

	ok1, failed1 := outcome([]string{"alpha", "beta", "gamma"})
	ok2, failed2 := outcome([]string{"gamma", "beta", "alpha"})
	assert.ElementsMatch(t, ok1, ok2)
	assert.Equal(t, failed1, failed2)
	assert.Len(t, ok1, 5)
}
