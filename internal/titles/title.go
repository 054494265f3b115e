// Package titles resolves comic titles into ordered page file sets.
package titles

import "fmt"

// PageType classifies a page within a title.
type PageType string

const (
	PageCover     PageType = "cover"
	PageSplash    PageType = "splash"
	PageBody      PageType = "body"
	PageBackCover PageType = "back_cover"
	PageBlank     PageType = "blank"
)

// Title is one comic story in the archive.
type Title struct {
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
}

// Page identifies one page of artwork within a title.
type Page struct {
	Number int      `json:"number" yaml:"number"` // 1-based position in the title
	Stem   string   `json:"stem" yaml:"stem"`     // file name without extension
	Type   PageType `json:"type" yaml:"type"`
}

func (p Page) String() string {
	return fmt.Sprintf("%s(#%d)", p.Stem, p.Number)
}

// SourceFile is a source image; Modified is set when a hand-corrected fix replaces the scan.
type SourceFile struct {
	Path     string `json:"path" yaml:"path"`
	Modified bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
}

// Outputs are the four stage destinations of a page, in stage order.
type Outputs struct {
	Restored         string `json:"restored" yaml:"restored"`
	RestoredUpscaled string `json:"restored_upscaled" yaml:"restored_upscaled"`
	SVG              string `json:"svg" yaml:"svg"`
	Final            string `json:"final" yaml:"final"`
}

// Paths returns the outputs in stage order.
func (o Outputs) Paths() [4]string {
	return [4]string{o.Restored, o.RestoredUpscaled, o.SVG, o.Final}
}

// PageFiles is the resolved file tuple for one page.
type PageFiles struct {
	Page     Page       `json:"page" yaml:"page"`
	Original SourceFile `json:"original" yaml:"original"`
	Upscaled SourceFile `json:"upscaled" yaml:"upscaled"`
	Outputs  Outputs    `json:"outputs" yaml:"outputs"`
}

// PageSet is a title resolved into its pages, in deterministic page order.
type PageSet struct {
	Title Title
	Pages []PageFiles
}

// Originals returns the original sources, index-aligned with Pages.
func (s *PageSet) Originals() []SourceFile {
	out := make([]SourceFile, len(s.Pages))
	for i, p := range s.Pages {
		out[i] = p.Original
	}
	return out
}

// Upscaled returns the upscaled sources, index-aligned with Pages.
func (s *PageSet) Upscaled() []SourceFile {
	out := make([]SourceFile, len(s.Pages))
	for i, p := range s.Pages {
		out[i] = p.Upscaled
	}
	return out
}

// Outputs returns the destinations of stage index (0..3), index-aligned with Pages.
func (s *PageSet) Outputs(stageIndex int) []string {
	out := make([]string, len(s.Pages))
	for i, p := range s.Pages {
		out[i] = p.Outputs.Paths()[stageIndex]
	}
	return out
}
