// Package daemon re-runs restore batches on a schedule and when source files change.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/jackzampolin/inkwell/internal/restore"
)

// RunFunc runs one batch over the given titles. A nil slice means all titles.
type RunFunc func(ctx context.Context, keys []string) (*restore.Report, error)

// Config configures a daemon.
type Config struct {
	// Schedule is a standard five-field cron expression or descriptor. Empty disables it.
	Schedule string
	// Titles limits scheduled runs. Empty means all titles.
	Titles []string
	// SourceTrees are the directories watched for changes, each holding one directory per title.
	SourceTrees []string
	// Debounce is the quiet period after the last change before a run starts.
	Debounce time.Duration
	// SettleAttempts bounds how often changed files are re-checked for ongoing writes.
	SettleAttempts int
	// SettleDelay is the pause between settle checks (default: 1s).
	SettleDelay time.Duration
	Run         RunFunc
	Logger      *slog.Logger
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron expression.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Daemon triggers restore batches. Overlapping triggers join the batch that is
// already running instead of starting a second one.
type Daemon struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
	runs   atomic.Int32

	mu      sync.Mutex
	changed map[string]map[string]struct{} // title -> changed paths
	timer   *time.Timer
}

// New creates a daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Run == nil {
		return nil, errors.New("daemon requires a run function")
	}
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 30 * time.Second
	}
	if cfg.SettleAttempts <= 0 {
		cfg.SettleAttempts = 10
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:     cfg,
		logger:  logger.With("component", "watch"),
		changed: make(map[string]map[string]struct{}),
	}, nil
}

// Runs returns the number of batches started so far.
func (d *Daemon) Runs() int {
	return int(d.runs.Load())
}

// flight is the result of one batch and the titles it covered.
type flight struct {
	keys   []string
	report *restore.Report
}

// Trigger runs a batch for keys, or joins the one in flight.
// shared is true when the result came from a batch started by another trigger.
// When the batch it joined did not cover keys, Trigger waits for it to land
// and then runs a batch of its own.
func (d *Daemon) Trigger(ctx context.Context, reason string, keys []string) (report *restore.Report, shared bool, err error) {
	for {
		v, err, shared := d.group.Do("run", func() (any, error) {
			d.runs.Add(1)
			d.logger.Info("batch triggered", "reason", reason, "titles", keys)
			report, err := d.cfg.Run(ctx, keys)
			return flight{keys: keys, report: report}, err
		})
		f, _ := v.(flight)
		if shared {
			d.logger.Debug("trigger joined running batch", "reason", reason)
		}
		if !shared || covers(f.keys, keys) || ctx.Err() != nil {
			return f.report, shared, err
		}
		d.logger.Info("running batch missed requested titles, queueing another", "reason", reason, "titles", keys, "ran", f.keys)
	}
}

// covers reports whether a batch over ran handled every title in want.
// An empty slice means all titles.
func covers(ran, want []string) bool {
	if len(ran) == 0 {
		return true
	}
	if len(want) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(ran))
	for _, k := range ran {
		set[k] = struct{}{}
	}
	for _, k := range want {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// Run starts the schedule and the source watcher and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser))
	if d.cfg.Schedule != "" {
		if _, err := c.AddFunc(d.cfg.Schedule, func() {
			d.logReport(d.Trigger(ctx, "schedule", d.cfg.Titles))
		}); err != nil {
			return fmt.Errorf("failed to schedule batch: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		d.logger.Info("schedule active", "cron", d.cfg.Schedule)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, tree := range d.cfg.SourceTrees {
		if err := d.watchTree(watcher, tree); err != nil {
			return err
		}
	}

	defer d.stopTimer()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("watch stopped")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d.handleEvent(ctx, watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

// watchTree watches a source tree and every title directory in it.
func (d *Daemon) watchTree(w *fsnotify.Watcher, tree string) error {
	if _, err := os.Stat(tree); errors.Is(err, os.ErrNotExist) {
		d.logger.Debug("source tree missing, not watched", "path", tree)
		return nil
	}
	if err := w.Add(tree); err != nil {
		return fmt.Errorf("failed to watch %s: %w", tree, err)
	}
	entries, err := os.ReadDir(tree)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", tree, err)
	}
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			if err := w.Add(filepath.Join(tree, e.Name())); err != nil {
				return fmt.Errorf("failed to watch %s: %w", e.Name(), err)
			}
		}
	}
	d.logger.Debug("watching source tree", "path", tree)
	return nil
}

func (d *Daemon) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}
	key, ok := d.titleOf(ev.Name)
	if !ok {
		return
	}

	// A new title directory appeared directly under a tree.
	if ev.Has(fsnotify.Create) && d.isTreeChild(ev.Name) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.Add(ev.Name); err != nil {
				d.logger.Warn("failed to watch title directory", "path", ev.Name, "error", err)
			}
		}
	}

	d.logger.Debug("source changed", "title", key, "path", ev.Name, "op", ev.Op.String())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.changed[key] == nil {
		d.changed[key] = make(map[string]struct{})
	}
	d.changed[key][ev.Name] = struct{}{}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.cfg.Debounce, func() { d.flush(ctx) })
}

// flush runs a batch over every title that changed since the last flush.
func (d *Daemon) flush(ctx context.Context) {
	d.mu.Lock()
	changed := d.changed
	d.changed = make(map[string]map[string]struct{})
	d.timer = nil
	d.mu.Unlock()

	if len(changed) == 0 || ctx.Err() != nil {
		return
	}

	keys := make([]string, 0, len(changed))
	var paths []string
	for key, ps := range changed {
		keys = append(keys, key)
		for p := range ps {
			paths = append(paths, p)
		}
	}
	sort.Strings(keys)

	if err := d.settle(ctx, paths); err != nil {
		d.logger.Warn("changed files still being written, running anyway", "error", err)
	}
	d.logReport(d.Trigger(ctx, "change", keys))
}

func (d *Daemon) stopTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

var errNotSettled = errors.New("files still changing")

// settle waits until the size and modification time of every path stop changing.
func (d *Daemon) settle(ctx context.Context, paths []string) error {
	prev := snapshot(paths)
	return retry.Do(
		func() error {
			cur := snapshot(paths)
			same := len(cur) == len(prev)
			for p, s := range cur {
				if prev[p] != s {
					same = false
				}
			}
			prev = cur
			if !same {
				return errNotSettled
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(d.cfg.SettleAttempts)),
		retry.Delay(d.cfg.SettleDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

type fileState struct {
	size int64
	mod  time.Time
}

func snapshot(paths []string) map[string]fileState {
	out := make(map[string]fileState, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			out[p] = fileState{size: info.Size(), mod: info.ModTime()}
		}
	}
	return out
}

// titleOf maps a path inside a source tree to its title key.
func (d *Daemon) titleOf(path string) (string, bool) {
	for _, tree := range d.cfg.SourceTrees {
		rel, err := filepath.Rel(tree, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if hidden(parts[0]) || hidden(parts[len(parts)-1]) {
			return "", false
		}
		return parts[0], true
	}
	return "", false
}

func (d *Daemon) isTreeChild(path string) bool {
	for _, tree := range d.cfg.SourceTrees {
		if filepath.Dir(path) == filepath.Clean(tree) {
			return true
		}
	}
	return false
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func (d *Daemon) logReport(report *restore.Report, shared bool, err error) {
	if shared {
		return
	}
	if err != nil {
		d.logger.Error("batch failed to start", "error", err)
		return
	}
	if report == nil {
		return
	}
	d.logger.Info("batch complete",
		"run_id", report.RunID,
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"complete", len(report.Complete),
	)
}
