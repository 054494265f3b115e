package restore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Decision is the guard's verdict for one output.
type Decision int

const (
	// DecisionRun means the output is absent and the stage must run.
	DecisionRun Decision = iota
	// DecisionSkip means the output exists and is up to date.
	DecisionSkip
	// DecisionSkipStale means the output exists but is older than an input; it is kept.
	DecisionSkipStale
	// DecisionRebuildStale means the output is older than an input and will be replaced.
	DecisionRebuildStale
)

func (d Decision) String() string {
	switch d {
	case DecisionRun:
		return "run"
	case DecisionSkip:
		return "skip"
	case DecisionSkipStale:
		return "skip-stale"
	case DecisionRebuildStale:
		return "rebuild-stale"
	default:
		return "unknown"
	}
}

// Skips reports whether the stage should not run.
func (d Decision) Skips() bool {
	return d == DecisionSkip || d == DecisionSkipStale
}

// Guard decides whether a stage output needs to be (re)built.
// Outputs are committed by rename, so an existing file is always complete.
type Guard struct {
	// CheckTimestamps compares output and input modification times.
	CheckTimestamps bool
	// RebuildStale replaces outputs older than their inputs instead of keeping them.
	RebuildStale bool
}

// ShouldSkip reports whether a complete file already exists at output.
func (g Guard) ShouldSkip(output string) bool {
	info, err := os.Stat(output)
	return err == nil && info.Mode().IsRegular()
}

// Check decides what to do with output given the inputs it is derived from.
// Inputs that don't exist are ignored here; callers check required inputs separately.
func (g Guard) Check(output string, inputs ...string) (Decision, error) {
	out, err := os.Stat(output)
	if errors.Is(err, fs.ErrNotExist) {
		return DecisionRun, nil
	}
	if err != nil {
		return DecisionRun, fmt.Errorf("failed to stat output: %w", err)
	}
	if !out.Mode().IsRegular() {
		return DecisionRun, fmt.Errorf("output %s is not a regular file", output)
	}

	if !g.CheckTimestamps {
		return DecisionSkip, nil
	}
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			continue
		}
		if info.ModTime().After(out.ModTime()) {
			if g.RebuildStale {
				return DecisionRebuildStale, nil
			}
			return DecisionSkipStale, nil
		}
	}
	return DecisionSkip, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
