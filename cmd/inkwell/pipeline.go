package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jackzampolin/inkwell/internal/config"
	"github.com/jackzampolin/inkwell/internal/restore"
	"github.com/jackzampolin/inkwell/internal/svcctx"
)

// runOptions are command-line overrides of the restore config.
type runOptions struct {
	workDir      string
	scale        int
	rebuildStale bool
}

// concurrencyPlan sizes the wave pools once per process from config and system memory.
func concurrencyPlan(cfg *config.Config) (restore.Plan, error) {
	threshold, err := cfg.MemoryThresholdBytes()
	if err != nil {
		return restore.Plan{}, err
	}

	total, known, err := cfg.TotalMemoryOverride()
	if err != nil {
		return restore.Plan{}, err
	}
	if !known {
		if n, err := restore.SystemMemory(); err == nil {
			total, known = n, true
		}
	}

	stageWorkers := make(map[restore.Stage]int, len(restore.Stages))
	for name, st := range cfg.Restore.Stages.ByName() {
		s, err := restore.ParseStage(name)
		if err != nil {
			return restore.Plan{}, err
		}
		stageWorkers[s] = st.Workers
	}

	return restore.PlanConcurrency(restore.PoolConfig{
		CPUWorkers:      cfg.Restore.CPUWorkers,
		HungryWorkers:   cfg.Restore.HungryWorkers,
		MemoryThreshold: threshold,
		StageWorkers:    stageWorkers,
	}, total, known), nil
}

func workDir(svc *svcctx.Services, cfg *config.Config, opts runOptions) string {
	switch {
	case opts.workDir != "":
		return opts.workDir
	case cfg.Restore.WorkDir != "":
		return cfg.Restore.WorkDir
	default:
		return svc.Home.WorkPath()
	}
}

// newScheduler builds a scheduler running the configured stage commands.
func newScheduler(ctx context.Context, opts runOptions) (*restore.Scheduler, string, error) {
	svc := svcctx.ServicesFrom(ctx)
	if svc == nil {
		return nil, "", errors.New("services not initialized")
	}
	cfg := svc.Config.Get()

	plan, err := concurrencyPlan(cfg)
	if err != nil {
		return nil, "", err
	}
	if !plan.MemoryKnown {
		svc.Logger.Warn("total memory unknown, memory-hungry stages run one at a time")
	}

	scale := cfg.Restore.Scale
	if opts.scale > 0 {
		scale = opts.scale
	}
	dir := workDir(svc, cfg, opts)

	s, err := restore.NewScheduler(restore.SchedulerConfig{
		Locator: svc.Locator,
		Runners: restore.CommandTable(cfg.Restore.Stages),
		Guard: restore.Guard{
			CheckTimestamps: cfg.Restore.CheckTimestamps,
			RebuildStale:    cfg.Restore.RebuildStale || opts.rebuildStale,
		},
		Plan:    plan,
		WorkDir: dir,
		Scale:   scale,
		Logger:  svc.Logger.With("component", "restore"),
	})
	if err != nil {
		return nil, "", err
	}
	return s, dir, nil
}

// allTitles lists every title key of the archive.
func allTitles(ctx context.Context) ([]string, error) {
	list, err := svcctx.LocatorFrom(ctx).Titles(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(list))
	for i, t := range list {
		keys[i] = t.Key
	}
	return keys, nil
}

// saveReport writes the report under the work dir when enabled.
func saveReport(ctx context.Context, report *restore.Report, dir string) {
	svc := svcctx.ServicesFrom(ctx)
	if !svc.Config.Get().Restore.SaveReports {
		return
	}
	path, err := report.Save(filepath.Join(dir, "reports"))
	if err != nil {
		svc.Logger.Warn("failed to save report", "error", err)
		return
	}
	svc.Logger.Info("report saved", "path", path)
}

func requireTitles(args []string, all bool) error {
	if len(args) == 0 && !all {
		return fmt.Errorf("name at least one title or pass --all")
	}
	if len(args) > 0 && all {
		return fmt.Errorf("--all cannot be combined with title arguments")
	}
	return nil
}
