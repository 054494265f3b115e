package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the inkwell archive directory.
	DefaultDirName = ".inkwell"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// ManifestFileName lists the titles in the archive and their pages.
	ManifestFileName = "titles.yaml"
)

// Tree names one of the per-title directory trees in the archive.
type Tree string

const (
	TreeOriginals        Tree = "originals"
	TreeFixes            Tree = "fixes"
	TreeUpscaled         Tree = "upscaled"
	TreeUpscaledFixes    Tree = "upscaled-fixes"
	TreeRestored         Tree = "restored"
	TreeRestoredUpscaled Tree = "restored-upscaled"
	TreeRestoredSVG      Tree = "restored-svg"
	TreeFinal            Tree = "final"
)

// OutputTrees are the trees written by the restoration stages, in stage order.
var OutputTrees = []Tree{TreeRestored, TreeRestoredUpscaled, TreeRestoredSVG, TreeFinal}

// Dir represents the archive home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.inkwell).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// ManifestPath returns the path to the title manifest.
func (d *Dir) ManifestPath() string {
	return filepath.Join(d.path, ManifestFileName)
}

// WorkPath returns the default scratch directory for restore batches.
func (d *Dir) WorkPath() string {
	return filepath.Join(d.path, "work")
}

// EnsureExists creates the home directory and the source trees if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, t := range []Tree{TreeOriginals, TreeUpscaled} {
		if err := os.MkdirAll(d.TreePath(t), 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", t, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// TreePath returns the root of a tree.
func (d *Dir) TreePath(t Tree) string {
	return filepath.Join(d.path, string(t))
}

// TitleDir returns the directory for one title inside a tree.
func (d *Dir) TitleDir(t Tree, titleKey string) string {
	return filepath.Join(d.TreePath(t), titleKey)
}

// PagePath returns the path of a page file inside a tree.
// ext includes the leading dot.
func (d *Dir) PagePath(t Tree, titleKey, stem, ext string) string {
	return filepath.Join(d.TitleDir(t, titleKey), stem+ext)
}

// EnsureTitleDir creates the directory for a title inside a tree.
func (d *Dir) EnsureTitleDir(t Tree, titleKey string) error {
	return os.MkdirAll(d.TitleDir(t, titleKey), 0o755)
}
