package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/inkwell/internal/output"
)

var (
	restoreAll  bool
	restoreOpts runOptions
)

var restoreCmd = &cobra.Command{
	Use:   "restore [titles...]",
	Short: "Run the four restoration stages over one or more titles",
	Long: `Run prep, restore, vectorize and compose over every page of the given titles.

Each stage finishes for all pages before the next one starts. A page that fails
a stage is dropped from later stages; the others carry on. Outputs that already
exist are kept, so re-running a batch only does the missing work.

Exit status is 2 when any page failed.

Examples:
  inkwell restore mars-attacks
  inkwell restore mars-attacks the-rocket --scale 2
  inkwell restore --all --rebuild-stale`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := requireTitles(args, restoreAll); err != nil {
			return err
		}

		keys := args
		if restoreAll {
			var err error
			if keys, err = allTitles(ctx); err != nil {
				return err
			}
		}

		scheduler, dir, err := newScheduler(ctx, restoreOpts)
		if err != nil {
			return err
		}
		report, err := scheduler.RunTitles(ctx, keys)
		if err != nil {
			return err
		}

		saveReport(ctx, report, dir)
		if err := output.Print(report); err != nil {
			return err
		}
		return report.Err()
	},
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreAll, "all", false, "restore every title in the archive")
	restoreCmd.Flags().StringVar(&restoreOpts.workDir, "workdir", "", "scratch directory (default: <home>/work)")
	restoreCmd.Flags().IntVar(&restoreOpts.scale, "scale", 0, "upscale factor passed to the stages (default from config)")
	restoreCmd.Flags().BoolVar(&restoreOpts.rebuildStale, "rebuild-stale", false, "rebuild outputs older than their inputs")
}
