package restore

import (
	"fmt"
	"io"
	"strings"

	"github.com/jackzampolin/inkwell/internal/titles"
)

// OutputState describes one stage output on disk.
type OutputState string

const (
	OutputMissing OutputState = "missing"
	OutputPresent OutputState = "ok"
	OutputStale   OutputState = "stale"
)

// PageStatus is the on-disk progress of one page.
type PageStatus struct {
	Page     string                 `json:"page" yaml:"page"`
	Type     titles.PageType        `json:"type" yaml:"type"`
	Sources  string                 `json:"sources" yaml:"sources"`
	Modified bool                   `json:"modified,omitempty" yaml:"modified,omitempty"`
	Outputs  map[string]OutputState `json:"outputs" yaml:"outputs"`
}

// Next returns the first stage whose output is not up to date, or 0 when the page is done.
func (p PageStatus) Next() Stage {
	for _, s := range Stages {
		if p.Outputs[s.String()] != OutputPresent {
			return s
		}
	}
	return 0
}

// TitleStatus is the on-disk progress of a title.
type TitleStatus struct {
	Title    string       `json:"title" yaml:"title"`
	Name     string       `json:"name" yaml:"name"`
	Pages    []PageStatus `json:"pages" yaml:"pages"`
	Finished int          `json:"finished" yaml:"finished"`
}

// Inspect reports which stage outputs of every page exist and whether they
// are older than the files they are built from. It never runs a stage.
func Inspect(set *titles.PageSet) TitleStatus {
	guard := Guard{CheckTimestamps: true}
	st := TitleStatus{Title: set.Title.Key, Name: set.Title.Name}

	for _, pf := range set.Pages {
		j := NewRestoreJob(set.Title, pf, "", 1)
		ps := PageStatus{
			Page:     pf.Page.Stem,
			Type:     pf.Page.Type,
			Sources:  "ok",
			Modified: pf.Original.Modified || pf.Upscaled.Modified,
			Outputs:  make(map[string]OutputState, len(Stages)),
		}
		if missing := missingSource(set.Title.Key, pf); missing != nil {
			ps.Sources = "missing " + missing.Role
		}

		for _, s := range Stages {
			inputs := s.Inputs(j)
			paths := make([]string, len(inputs))
			for i, in := range inputs {
				paths[i] = in.Path
			}
			state := OutputMissing
			switch d, err := guard.Check(s.Output(j), paths...); {
			case err != nil || d == DecisionRun:
			case d == DecisionSkip:
				state = OutputPresent
			default:
				state = OutputStale
			}
			ps.Outputs[s.String()] = state
		}
		if ps.Outputs[StageCompose.String()] == OutputPresent {
			st.Finished++
		}
		st.Pages = append(st.Pages, ps)
	}
	return st
}

// Render writes one line per page.
func (t TitleStatus) Render(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString(reportTitleStyle.Render(t.Name))
	sb.WriteString(reportMutedStyle.Render(fmt.Sprintf("  %s  %d/%d pages finished", t.Title, t.Finished, len(t.Pages))))
	sb.WriteString("\n")

	for _, p := range t.Pages {
		line := fmt.Sprintf("  %-8s %-10s", p.Page, p.Type)
		if p.Sources != "ok" {
			sb.WriteString(line)
			sb.WriteString(reportErrorStyle.Render(p.Sources))
			sb.WriteString("\n")
			continue
		}
		parts := make([]string, 0, len(Stages))
		for _, s := range Stages {
			state := p.Outputs[s.String()]
			label := fmt.Sprintf("%s:%s", s, state)
			switch state {
			case OutputPresent:
				parts = append(parts, reportOKStyle.Render(label))
			case OutputStale:
				parts = append(parts, reportWarnStyle.Render(label))
			default:
				parts = append(parts, reportMutedStyle.Render(label))
			}
		}
		sb.WriteString(line)
		sb.WriteString(strings.Join(parts, " "))
		if p.Modified {
			sb.WriteString(reportMutedStyle.Render(" (fixed)"))
		}
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
