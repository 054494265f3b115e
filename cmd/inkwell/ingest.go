package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/inkwell/internal/ingest"
	"github.com/jackzampolin/inkwell/internal/output"
	"github.com/jackzampolin/inkwell/internal/svcctx"
)

var (
	ingestKey       string
	ingestDPI       int
	ingestOverwrite bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <title> <pdf>...",
	Short: "Render scanned PDFs into original page images",
	Long: `Render every page of one or more PDFs into originals/<key>/NNN.png and
register the title in the archive manifest.

Multi-part scans (mars-1.pdf, mars-2.pdf, ...) are ordered by their numeric
suffix. Pages are rendered with pdftoppm, which must be on PATH.

Examples:
  inkwell ingest "Mars Attacks" scans/mars-1.pdf scans/mars-2.pdf
  inkwell ingest "The Rocket" rocket.pdf --key rocket --dpi 600`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := svcctx.ServicesFrom(ctx)
		cfg := svc.Config.Get()

		dpi := cfg.Ingest.DPI
		if ingestDPI > 0 {
			dpi = ingestDPI
		}

		res, err := ingest.New(svc.Home).Ingest(ctx, ingest.Request{
			PDFPaths:  args[1:],
			Title:     args[0],
			Key:       ingestKey,
			DPI:       dpi,
			Workers:   cfg.Ingest.Workers,
			Overwrite: ingestOverwrite,
			Logger:    svc.Logger.With("component", "ingest"),
		})
		if err != nil {
			return err
		}
		return output.Print(res)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestKey, "key", "", "title key (default: slug of the title)")
	ingestCmd.Flags().IntVar(&ingestDPI, "dpi", 0, "render resolution (default from config)")
	ingestCmd.Flags().BoolVar(&ingestOverwrite, "overwrite", false, "replace existing originals")
}
