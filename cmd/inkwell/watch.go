package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/inkwell/internal/config"
	"github.com/jackzampolin/inkwell/internal/daemon"
	"github.com/jackzampolin/inkwell/internal/home"
	"github.com/jackzampolin/inkwell/internal/restore"
	"github.com/jackzampolin/inkwell/internal/svcctx"
)

var (
	watchSchedule string
	watchOpts     runOptions
)

var watchCmd = &cobra.Command{
	Use:   "watch [titles...]",
	Short: "Re-run restore batches on a schedule and when sources change",
	Long: `Watch the original, upscaled and fix trees and restore the titles whose
files changed, once writes have settled. With --schedule (or watch.schedule in
the config) the given titles, or all titles, are also restored on a cron
schedule. Triggers that arrive while a batch runs join that batch.

Examples:
  inkwell watch
  inkwell watch mars-attacks --schedule "0 3 * * *"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := svcctx.ServicesFrom(ctx)
		cfg := svc.Config.Get()

		schedule := cfg.Watch.Schedule
		if watchSchedule != "" {
			schedule = watchSchedule
		}

		svc.Config.OnChange(func(c *config.Config) {
			svc.Logger.Info("config reloaded, next batch uses new stage settings")
		})
		svc.Config.WatchConfig()

		run := func(ctx context.Context, keys []string) (*restore.Report, error) {
			if len(keys) == 0 {
				var err error
				if keys, err = allTitles(ctx); err != nil {
					return nil, err
				}
			}
			scheduler, dir, err := newScheduler(ctx, watchOpts)
			if err != nil {
				return nil, err
			}
			report, err := scheduler.RunTitles(ctx, keys)
			if err != nil {
				return nil, err
			}
			saveReport(ctx, report, dir)
			return report, nil
		}

		d, err := daemon.New(daemon.Config{
			Schedule: schedule,
			Titles:   args,
			SourceTrees: []string{
				svc.Home.TreePath(home.TreeOriginals),
				svc.Home.TreePath(home.TreeFixes),
				svc.Home.TreePath(home.TreeUpscaled),
				svc.Home.TreePath(home.TreeUpscaledFixes),
			},
			Debounce:       cfg.Watch.Debounce,
			SettleAttempts: cfg.Watch.SettleAttempts,
			Run:            run,
			Logger:         svc.Logger,
		})
		if err != nil {
			return err
		}
		return d.Run(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "cron expression for scheduled batches")
	watchCmd.Flags().StringVar(&watchOpts.workDir, "workdir", "", "scratch directory (default: <home>/work)")
	watchCmd.Flags().IntVar(&watchOpts.scale, "scale", 0, "upscale factor passed to the stages (default from config)")
}
