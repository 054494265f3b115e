package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds inkwell configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Home    string     `mapstructure:"home" yaml:"home"`
	Restore RestoreCfg `mapstructure:"restore" yaml:"restore"`
	Ingest  IngestCfg  `mapstructure:"ingest" yaml:"ingest"`
	Watch   WatchCfg   `mapstructure:"watch" yaml:"watch"`
}

// RestoreCfg configures restore batches.
type RestoreCfg struct {
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"` // Scratch dir (default: {home}/work)
	Scale   int    `mapstructure:"scale" yaml:"scale"`       // Upscale factor passed to stages

	CPUWorkers    int `mapstructure:"cpu_workers" yaml:"cpu_workers"`       // Waves 1 and 3 (0 = NumCPU)
	HungryWorkers int `mapstructure:"hungry_workers" yaml:"hungry_workers"` // Waves 2 and 4 on large machines

	// MemoryThreshold below which memory-hungry waves run one job at a time, e.g. "16GiB".
	MemoryThreshold string `mapstructure:"memory_threshold" yaml:"memory_threshold"`
	// TotalMemory overrides the probed system memory, e.g. "8GiB". Empty means probe.
	TotalMemory string `mapstructure:"total_memory" yaml:"total_memory"`

	CheckTimestamps bool `mapstructure:"check_timestamps" yaml:"check_timestamps"`
	RebuildStale    bool `mapstructure:"rebuild_stale" yaml:"rebuild_stale"`
	SaveReports     bool `mapstructure:"save_reports" yaml:"save_reports"`

	Stages StagesCfg `mapstructure:"stages" yaml:"stages"`
}

// StagesCfg holds one entry per restoration stage.
type StagesCfg struct {
	Prep      StageCfg `mapstructure:"prep" yaml:"prep"`
	Restore   StageCfg `mapstructure:"restore" yaml:"restore"`
	Vectorize StageCfg `mapstructure:"vectorize" yaml:"vectorize"`
	Compose   StageCfg `mapstructure:"compose" yaml:"compose"`
}

// StageCfg configures the external command run for a stage.
// Command arguments may contain {placeholders} and ${ENV_VAR} references.
type StageCfg struct {
	Command []string      `mapstructure:"command" yaml:"command"`
	Workers int           `mapstructure:"workers" yaml:"workers"` // Overrides the memory policy when > 0
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// IngestCfg configures PDF ingest.
type IngestCfg struct {
	DPI     int `mapstructure:"dpi" yaml:"dpi"`
	Workers int `mapstructure:"workers" yaml:"workers"` // 0 = NumCPU
}

// WatchCfg configures the watch daemon.
type WatchCfg struct {
	Schedule       string        `mapstructure:"schedule" yaml:"schedule"` // cron expression, empty disables
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`
	SettleAttempts int           `mapstructure:"settle_attempts" yaml:"settle_attempts"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Restore: RestoreCfg{
			Scale:           4,
			CPUWorkers:      0,
			HungryWorkers:   5,
			MemoryThreshold: "16GiB",
			CheckTimestamps: true,
			RebuildStale:    false,
			SaveReports:     true,
			Stages: StagesCfg{
				Prep: StageCfg{
					Command: []string{"magick", "{original}", "-strip", "-colorspace", "sRGB", "{output}"},
					Timeout: 10 * time.Minute,
				},
				Restore: StageCfg{
					Command: []string{"magick", "{upscaled}", "(", "{restored}", "-resize", "{scale}00%", ")",
						"-compose", "lighten", "-composite", "-median", "3", "{output}"},
					Timeout: 30 * time.Minute,
				},
				Vectorize: StageCfg{
					Command: []string{"vtracer", "--colormode", "bw", "--input", "{restored_upscaled}", "--output", "{output}"},
					Timeout: 30 * time.Minute,
				},
				Compose: StageCfg{
					Command: []string{"magick", "{restored_upscaled}", "{svg}", "-composite", "{output}"},
					Timeout: 30 * time.Minute,
				},
			},
		},
		Ingest: IngestCfg{
			DPI: 300,
		},
		Watch: WatchCfg{
			Debounce:       30 * time.Second,
			SettleAttempts: 10,
		},
	}
}

// Validate checks the configuration for values that would make a batch fail at setup.
func (c *Config) Validate() error {
	if c.Restore.Scale < 1 {
		return fmt.Errorf("restore.scale must be >= 1, got %d", c.Restore.Scale)
	}
	if c.Restore.HungryWorkers < 1 {
		return fmt.Errorf("restore.hungry_workers must be >= 1, got %d", c.Restore.HungryWorkers)
	}
	if c.Restore.CPUWorkers < 0 {
		return fmt.Errorf("restore.cpu_workers must be >= 0, got %d", c.Restore.CPUWorkers)
	}
	if _, err := c.MemoryThresholdBytes(); err != nil {
		return err
	}
	if _, _, err := c.TotalMemoryOverride(); err != nil {
		return err
	}
	for name, st := range c.Restore.Stages.ByName() {
		if len(st.Command) == 0 {
			return fmt.Errorf("restore.stages.%s.command is empty", name)
		}
		if st.Workers < 0 {
			return fmt.Errorf("restore.stages.%s.workers must be >= 0", name)
		}
	}
	return nil
}

// MemoryThresholdBytes parses restore.memory_threshold.
func (c *Config) MemoryThresholdBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.Restore.MemoryThreshold)
	if err != nil {
		return 0, fmt.Errorf("invalid restore.memory_threshold %q: %w", c.Restore.MemoryThreshold, err)
	}
	return n, nil
}

// TotalMemoryOverride parses restore.total_memory. ok is false when unset.
func (c *Config) TotalMemoryOverride() (n uint64, ok bool, err error) {
	if c.Restore.TotalMemory == "" {
		return 0, false, nil
	}
	n, err = humanize.ParseBytes(c.Restore.TotalMemory)
	if err != nil {
		return 0, false, fmt.Errorf("invalid restore.total_memory %q: %w", c.Restore.TotalMemory, err)
	}
	return n, true, nil
}

// ByName returns the stage entries keyed by stage name.
func (s StagesCfg) ByName() map[string]StageCfg {
	return map[string]StageCfg{
		"prep":      s.Prep,
		"restore":   s.Restore,
		"vectorize": s.Vectorize,
		"compose":   s.Compose,
	}
}
