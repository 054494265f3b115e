// Package output writes command results as text, YAML or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Format defines the output format for CLI commands.
type Format string

const (
	FormatText Format = "text"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Default is the format used when none is set.
var Default = FormatText

// Renderer is implemented by results that have a human-readable form.
type Renderer interface {
	Render(w io.Writer) error
}

// globalFormat is set by the root command's --output flag.
var globalFormat = Default

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatText, FormatYAML, FormatJSON:
		return Format(s), nil
	case "":
		return Default, nil
	}
	return "", fmt.Errorf("unknown output format: %s (want text, yaml or json)", s)
}

// SetFormat sets the global output format.
func SetFormat(f Format) {
	globalFormat = f
}

// GetFormat returns the current global output format.
func GetFormat() Format {
	return globalFormat
}

// IsStructured reports whether the global format is YAML or JSON.
// Commands use it to suppress human-friendly messages.
func IsStructured() bool {
	return globalFormat == FormatJSON || globalFormat == FormatYAML
}

// Print writes data to stdout in the global format.
func Print(data any) error {
	return To(os.Stdout, globalFormat, data)
}

// To writes data to w in the given format. Text output uses the value's
// Render method when it has one and falls back to YAML otherwise.
func To(w io.Writer, format Format, data any) error {
	switch format {
	case FormatText:
		if r, ok := data.(Renderer); ok {
			return r.Render(w)
		}
		return To(w, FormatYAML, data)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
