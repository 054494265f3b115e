package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides (INKWELL_RESTORE_SCALE, ...).
const EnvPrefix = "INKWELL"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v         *viper.Viper
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
// If cfgFile is empty, config.yaml is looked up in the current directory and then in homeDir.
func NewManager(cfgFile, homeDir string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile, homeDir); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile, homeDir string) error {
	setDefaults(cm.v, DefaultConfig())

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		if homeDir != "" {
			cm.v.AddConfigPath(homeDir)
		} else {
			cm.v.AddConfigPath("$HOME/.inkwell")
		}
	}

	// Config file is optional
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("home", d.Home)

	v.SetDefault("restore.work_dir", d.Restore.WorkDir)
	v.SetDefault("restore.scale", d.Restore.Scale)
	v.SetDefault("restore.cpu_workers", d.Restore.CPUWorkers)
	v.SetDefault("restore.hungry_workers", d.Restore.HungryWorkers)
	v.SetDefault("restore.memory_threshold", d.Restore.MemoryThreshold)
	v.SetDefault("restore.total_memory", d.Restore.TotalMemory)
	v.SetDefault("restore.check_timestamps", d.Restore.CheckTimestamps)
	v.SetDefault("restore.rebuild_stale", d.Restore.RebuildStale)
	v.SetDefault("restore.save_reports", d.Restore.SaveReports)
	for name, st := range d.Restore.Stages.ByName() {
		v.SetDefault("restore.stages."+name+".command", st.Command)
		v.SetDefault("restore.stages."+name+".workers", st.Workers)
		v.SetDefault("restore.stages."+name+".timeout", st.Timeout)
	}

	v.SetDefault("ingest.dpi", d.Ingest.DPI)
	v.SetDefault("ingest.workers", d.Ingest.Workers)

	v.SetDefault("watch.schedule", d.Watch.Schedule)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("watch.settle_attempts", d.Watch.SettleAttempts)
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFileUsed returns the config file path, or "" when running on defaults.
func (cm *Manager) ConfigFileUsed() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
// Invalid edits are ignored and the previous config stays active.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# inkwell configuration
# Stage commands accept {original} {upscaled} {restored} {restored_upscaled} {svg} {final}
# {output} {scale} {workdir} {title} {page} placeholders and ${ENV_VAR} references.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
