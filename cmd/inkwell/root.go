package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/inkwell/internal/config"
	"github.com/jackzampolin/inkwell/internal/home"
	"github.com/jackzampolin/inkwell/internal/output"
	"github.com/jackzampolin/inkwell/internal/svcctx"
	"github.com/jackzampolin/inkwell/internal/titles"
	"github.com/jackzampolin/inkwell/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Batch restoration of scanned comic archives",
	Long: `Inkwell restores scanned comic pages in four stages:

  prep       clean the original scan
  restore    combine it with the upscaled scan (memory hungry)
  vectorize  trace the line art into an SVG
  compose    render the final page (memory hungry)

Each stage runs as a wave over every page of the batch. Pages whose outputs
already exist are skipped, so interrupted batches can simply be re-run.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.inkwell/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "archive home directory (default: ~/.inkwell)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "text", "output format: text, yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn or error",
	)

	// Set up services before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		output.SetFormat(format)

		svc, err := loadServices()
		if err != nil {
			return err
		}
		cmd.SetContext(svcctx.WithServices(cmd.Context(), svc))
		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(titlesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// loadServices resolves the home directory, loads config and the title manifest.
func loadServices() (*svcctx.Services, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}

	cm, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, err
	}
	if homeDir == "" && cm.Get().Home != "" {
		if h, err = home.New(cm.Get().Home); err != nil {
			return nil, err
		}
	}

	manifest, err := titles.LoadManifest(h.ManifestPath())
	if err != nil {
		return nil, err
	}

	return &svcctx.Services{
		Config:   cm,
		Logger:   logger,
		Home:     h,
		Manifest: manifest,
		Locator:  titles.NewFSLocator(h, manifest),
	}, nil
}
