package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/inkwell/internal/output"
	"github.com/jackzampolin/inkwell/internal/restore"
	"github.com/jackzampolin/inkwell/internal/svcctx"
)

type titleRow struct {
	Key      string `json:"key" yaml:"key"`
	Name     string `json:"name" yaml:"name"`
	Pages    int    `json:"pages" yaml:"pages"`
	Finished int    `json:"finished" yaml:"finished"`
}

type titleList []titleRow

func (l titleList) Render(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no titles")
		return err
	}
	for _, r := range l {
		if _, err := fmt.Fprintf(w, "%-24s %4d/%-4d %s\n", r.Key, r.Finished, r.Pages, r.Name); err != nil {
			return err
		}
	}
	return nil
}

var titlesCmd = &cobra.Command{
	Use:   "titles",
	Short: "List the titles of the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		locator := svcctx.LocatorFrom(ctx)

		list, err := locator.Titles(ctx)
		if err != nil {
			return err
		}
		rows := make(titleList, 0, len(list))
		for _, t := range list {
			set, err := locator.Resolve(ctx, t.Key)
			if err != nil {
				svcctx.LoggerFrom(ctx).Warn("failed to resolve title", "title", t.Key, "error", err)
				continue
			}
			st := restore.Inspect(set)
			rows = append(rows, titleRow{Key: t.Key, Name: t.Name, Pages: len(st.Pages), Finished: st.Finished})
		}
		return output.Print(rows)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <title>",
	Short: "Show which stage outputs exist for each page of a title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		set, err := svcctx.LocatorFrom(ctx).Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		return output.Print(restore.Inspect(set))
	},
}
