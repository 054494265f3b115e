package restore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// WaveSummary describes one wave of a batch.
type WaveSummary struct {
	Stage           string        `json:"stage" yaml:"stage"`
	Workers         int           `json:"workers" yaml:"workers"`
	PeakConcurrency int           `json:"peak_concurrency" yaml:"peak_concurrency"`
	Submitted       int           `json:"submitted" yaml:"submitted"`
	Ran             int           `json:"ran" yaml:"ran"`
	Skipped         int           `json:"skipped" yaml:"skipped"`
	Failed          int           `json:"failed" yaml:"failed"`
	Aborted         int           `json:"aborted,omitempty" yaml:"aborted,omitempty"`
	StartedAt       time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time     `json:"finished_at" yaml:"finished_at"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
}

// JobSummary is a job that was built into the batch.
type JobSummary struct {
	Title   string `json:"title" yaml:"title"`
	Page    string `json:"page" yaml:"page"`
	State   string `json:"state" yaml:"state"`
	Ran     int    `json:"ran" yaml:"ran"`
	Skipped int    `json:"skipped" yaml:"skipped"`
}

// FailedJob is a job that ended in the failed state.
type FailedJob struct {
	Title string `json:"title" yaml:"title"`
	Page  string `json:"page" yaml:"page"`
	Stage string `json:"stage" yaml:"stage"`
	Error string `json:"error" yaml:"error"`
}

// Report is the outcome of one batch.
type Report struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Titles     []string  `json:"titles" yaml:"titles"`
	Plan       Plan      `json:"plan" yaml:"plan"`
	Cancelled  bool      `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`

	Waves       []WaveSummary `json:"waves" yaml:"waves"`
	Succeeded   []JobSummary  `json:"succeeded" yaml:"succeeded"`
	Failed      []FailedJob   `json:"failed" yaml:"failed"`
	Interrupted []JobSummary  `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Excluded    []Exclusion   `json:"excluded" yaml:"excluded"`
	Complete    []JobRef      `json:"complete" yaml:"complete"`
}

func newReport(b *Batch, plan Plan) *Report {
	return &Report{
		RunID:     b.RunID,
		StartedAt: time.Now(),
		Titles:    b.Titles,
		Plan:      plan,
		Excluded:  b.Excluded,
		Complete:  b.Complete,
	}
}

// finish walks every job of the batch and sorts it into the report.
func (r *Report) finish(b *Batch) {
	r.Succeeded = r.Succeeded[:0]
	r.Failed = r.Failed[:0]
	r.Interrupted = r.Interrupted[:0]

	for _, j := range b.Jobs {
		switch {
		case j.State() == StateFailed:
			r.Failed = append(r.Failed, FailedJob{
				Title: j.Title.Key,
				Page:  j.Page.Stem,
				Stage: j.FailedStage().String(),
				Error: rootCause(j.Err()),
			})
		case j.Done():
			r.Succeeded = append(r.Succeeded, summarize(j))
		default:
			r.Interrupted = append(r.Interrupted, summarize(j))
		}
	}
	r.FinishedAt = time.Now()
}

func summarize(j *RestoreJob) JobSummary {
	s := JobSummary{Title: j.Title.Key, Page: j.Page.Stem, State: j.State().String()}
	for _, st := range Stages {
		switch j.Record(st).Outcome {
		case OutcomeRan:
			s.Ran++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// rootCause drops the StageExecutionError prefix; the report already names job and stage.
func rootCause(err error) string {
	if err == nil {
		return ""
	}
	if se, ok := err.(*StageExecutionError); ok && se.Err != nil {
		return se.Err.Error()
	}
	return err.Error()
}

// Processed returns the number of jobs that entered the waves.
func (r *Report) Processed() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Interrupted)
}

// StageRuns returns how many stage executions actually ran across all waves.
func (r *Report) StageRuns() int {
	n := 0
	for _, w := range r.Waves {
		n += w.Ran
	}
	return n
}

// HasFailures reports whether any job failed.
func (r *Report) HasFailures() bool {
	return len(r.Failed) > 0
}

// Err returns ErrJobsFailed, wrapped with counts, when any job failed.
func (r *Report) Err() error {
	if !r.HasFailures() {
		return nil
	}
	return fmt.Errorf("%w: %d of %d jobs", ErrJobsFailed, len(r.Failed), r.Processed())
}

// Save writes the report as YAML into dir and returns the file path.
func (r *Report) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	name := fmt.Sprintf("%s-%s.yaml", r.StartedAt.UTC().Format("20060102T150405Z"), r.RunID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

var (
	reportTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	reportMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	reportErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	reportOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	reportWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Render writes a human-readable summary.
func (r *Report) Render(w io.Writer) error {
	var sb strings.Builder

	sb.WriteString(reportTitleStyle.Render(fmt.Sprintf("restore %s", r.RunID)))
	sb.WriteString(reportMutedStyle.Render(fmt.Sprintf("  %d titles, %d jobs, %s",
		len(r.Titles), r.Processed(), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))))
	sb.WriteString("\n")

	mem := "unknown"
	if r.Plan.MemoryKnown {
		mem = humanize.IBytes(r.Plan.TotalMemory)
	}
	if r.Plan.LowMemory {
		mem += " (low)"
	}
	sb.WriteString(reportMutedStyle.Render("memory " + mem))
	sb.WriteString("\n")

	for _, wv := range r.Waves {
		line := fmt.Sprintf("  %-10s x%-3d ran %-4d skipped %-4d failed %-4d",
			wv.Stage, wv.Workers, wv.Ran, wv.Skipped, wv.Failed)
		if wv.Aborted > 0 {
			line += fmt.Sprintf("aborted %-4d", wv.Aborted)
		}
		sb.WriteString(line)
		sb.WriteString(reportMutedStyle.Render(wv.Duration.Round(time.Millisecond).String()))
		sb.WriteString("\n")
	}

	sb.WriteString(reportOKStyle.Render(fmt.Sprintf("%d succeeded", len(r.Succeeded))))
	sb.WriteString("  ")
	if len(r.Failed) > 0 {
		sb.WriteString(reportErrorStyle.Render(fmt.Sprintf("%d failed", len(r.Failed))))
	} else {
		sb.WriteString(fmt.Sprintf("%d failed", 0))
	}
	sb.WriteString(fmt.Sprintf("  %d excluded  %d already complete", len(r.Excluded), len(r.Complete)))
	if len(r.Interrupted) > 0 {
		sb.WriteString("  ")
		sb.WriteString(reportWarnStyle.Render(fmt.Sprintf("%d interrupted", len(r.Interrupted))))
	}
	sb.WriteString("\n")

	if len(r.Failed) > 0 {
		sb.WriteString(reportErrorStyle.Render("failed:"))
		sb.WriteString("\n")
		for _, f := range r.Failed {
			sb.WriteString(fmt.Sprintf("  %s/%s at %s: %s\n", f.Title, f.Page, f.Stage, f.Error))
		}
	}
	if len(r.Excluded) > 0 {
		sb.WriteString(reportWarnStyle.Render("excluded:"))
		sb.WriteString("\n")
		for _, e := range r.Excluded {
			ref := e.Title
			if e.Page != "" {
				ref += "/" + e.Page
			}
			sb.WriteString(fmt.Sprintf("  %s: %s\n", ref, e.Reason))
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
