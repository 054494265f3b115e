package restore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/jackzampolin/inkwell/internal/config"
	"github.com/jackzampolin/inkwell/internal/titles"
)

// StageRequest is everything a runner needs to execute one stage for one job.
type StageRequest struct {
	Stage   Stage
	JobID   string
	Title   string
	Page    string
	WorkDir string
	Scale   int

	// Inputs maps input roles to paths. All of them exist when Run is called.
	Inputs  map[string]string
	Outputs titles.Outputs

	// Output is the temporary path the runner must write. It is renamed to
	// Destination once the runner returns nil.
	Output      string
	Destination string
}

// StageRunner executes one stage for one job.
// Implementations must be safe for concurrent use.
type StageRunner interface {
	Run(ctx context.Context, req StageRequest) error
}

// StageRunnerFunc adapts a function to StageRunner.
type StageRunnerFunc func(ctx context.Context, req StageRequest) error

// Run calls f.
func (f StageRunnerFunc) Run(ctx context.Context, req StageRequest) error {
	return f(ctx, req)
}

// StageTable dispatches each stage to its runner.
type StageTable map[Stage]StageRunner

// Validate checks that every stage has a runner.
func (t StageTable) Validate() error {
	for _, s := range Stages {
		if t[s] == nil {
			return fmt.Errorf("%w: missing %s", ErrIncompleteStageTable, s)
		}
	}
	return nil
}

// CommandRunner runs a stage as an external process. Each invocation is its
// own process, so a crashing image tool takes down only that job's task.
type CommandRunner struct {
	Args    []string
	Timeout time.Duration
}

// NewCommandRunner creates a runner for an argv template.
func NewCommandRunner(args []string, timeout time.Duration) *CommandRunner {
	return &CommandRunner{Args: args, Timeout: timeout}
}

// CommandTable builds a stage table from the configured stage commands.
func CommandTable(cfg config.StagesCfg) StageTable {
	return StageTable{
		StagePrep:      NewCommandRunner(cfg.Prep.Command, cfg.Prep.Timeout),
		StageRestore:   NewCommandRunner(cfg.Restore.Command, cfg.Restore.Timeout),
		StageVectorize: NewCommandRunner(cfg.Vectorize.Command, cfg.Vectorize.Timeout),
		StageCompose:   NewCommandRunner(cfg.Compose.Command, cfg.Compose.Timeout),
	}
}

// Run executes the command and waits for it.
func (r *CommandRunner) Run(ctx context.Context, req StageRequest) error {
	if len(r.Args) == 0 {
		return fmt.Errorf("no command configured for stage %s", req.Stage)
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	argv := ExpandArgs(r.Args, req)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = 5 * time.Second

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s: %w", argv[0], r.Timeout, err)
		}
		return fmt.Errorf("%s failed: %w (output: %s)", argv[0], err, tail(output, 2000))
	}
	return nil
}

// ExpandArgs substitutes {placeholders} and ${ENV_VAR} references in an argv template.
func ExpandArgs(args []string, req StageRequest) []string {
	pairs := []string{
		"{" + RoleOriginal + "}", req.Inputs[RoleOriginal],
		"{" + RoleUpscaled + "}", req.Inputs[RoleUpscaled],
		"{" + RoleRestored + "}", req.Outputs.Restored,
		"{" + RoleRestoredUpscaled + "}", req.Outputs.RestoredUpscaled,
		"{" + RoleSVG + "}", req.Outputs.SVG,
		"{" + RoleFinal + "}", req.Outputs.Final,
		"{output}", req.Output,
		"{scale}", strconv.Itoa(req.Scale),
		"{workdir}", req.WorkDir,
		"{title}", req.Title,
		"{page}", req.Page,
	}
	// Inputs override outputs of earlier stages (they are the same path, but
	// a hand-corrected upscale may live elsewhere).
	for role, path := range req.Inputs {
		pairs = append([]string{"{" + role + "}", path}, pairs...)
	}
	rep := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = config.ResolveEnvVars(rep.Replace(a))
	}
	return out
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

// partialPath returns a hidden temporary sibling of dest that keeps its
// extension, so tools that infer formats from file names still work.
func partialPath(dest string) string {
	dir, base := filepath.Split(dest)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf(".%s.partial-%s%s", stem, uuid.NewString()[:8], ext))
}

// commitOutput atomically moves a finished temporary file into place.
// Rename is retried briefly for filesystems that report transient errors.
func commitOutput(tmp, dest string) error {
	info, err := os.Stat(tmp)
	if err != nil || !info.Mode().IsRegular() {
		return ErrNoOutput
	}
	return retry.Do(
		func() error { return os.Rename(tmp, dest) },
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
