package titles

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackzampolin/inkwell/internal/home"
	"github.com/jackzampolin/inkwell/internal/slug"
)

var (
	// ErrTitleNotFound is returned when a title is neither in the manifest nor on disk.
	ErrTitleNotFound = errors.New("title not found")
	// ErrInvalidTitle is returned for a title argument that could name a path outside the archive.
	ErrInvalidTitle = errors.New("invalid title")
)

// scanExts are the original-scan formats picked up from unlisted title directories.
var scanExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
}

// Locator resolves titles into page file sets.
type Locator interface {
	// Titles lists the titles known to the archive.
	Titles(ctx context.Context) ([]Title, error)

	// Resolve returns the pages of a title in a fixed order.
	// keyOrName may be a title key or a display name.
	Resolve(ctx context.Context, keyOrName string) (*PageSet, error)
}

// FSLocator resolves titles from the archive directory layout.
// Titles listed in the manifest use its page list; any other directory under
// originals/ is scanned in lexical file order.
type FSLocator struct {
	home     *home.Dir
	manifest *Manifest
}

// NewFSLocator creates a locator over an archive home and its manifest.
func NewFSLocator(h *home.Dir, m *Manifest) *FSLocator {
	if m == nil {
		m = &Manifest{}
	}
	return &FSLocator{home: h, manifest: m}
}

// Titles returns the manifest titles followed by unlisted title directories.
func (l *FSLocator) Titles(ctx context.Context) ([]Title, error) {
	out := make([]Title, 0, len(l.manifest.Titles))
	seen := make(map[string]bool, len(l.manifest.Titles))
	for _, e := range l.manifest.Titles {
		out = append(out, e.Title())
		seen[e.Key] = true
	}

	entries, err := os.ReadDir(l.home.TreePath(home.TreeOriginals))
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list originals: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || seen[e.Name()] {
			continue
		}
		out = append(out, Title{Key: e.Name(), Name: e.Name()})
	}
	return out, nil
}

// Resolve returns the page set of a title.
func (l *FSLocator) Resolve(ctx context.Context, keyOrName string) (*PageSet, error) {
	if entry, ok := l.manifest.Find(keyOrName); ok {
		return l.resolveEntry(ctx, entry)
	}

	key := keyOrName
	if !slug.Valid(key) {
		if !plainName(key) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTitle, keyOrName)
		}
		if _, err := os.Stat(l.home.TitleDir(home.TreeOriginals, key)); err != nil {
			key = slug.From(keyOrName)
		}
	}
	entry, err := l.scanTitle(key)
	if err != nil {
		return nil, err
	}
	return l.resolveEntry(ctx, entry)
}

// plainName reports whether name can only refer to a directory directly under a tree.
func plainName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.ContainsAny(name, `/\`)
}

// scanTitle builds a manifest entry from the image files in originals/<key>.
// Two files sharing a stem would map to the same outputs and are rejected.
func (l *FSLocator) scanTitle(key string) (TitleEntry, error) {
	if key == "" {
		return TitleEntry{}, ErrTitleNotFound
	}
	dir := l.home.TitleDir(home.TreeOriginals, key)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return TitleEntry{}, fmt.Errorf("%w: %s", ErrTitleNotFound, key)
	}
	if err != nil {
		return TitleEntry{}, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !scanExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	entry := TitleEntry{Key: key, Name: key}
	stems := make(map[string]string, len(names))
	for _, name := range names {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		if prev, ok := stems[stem]; ok {
			return TitleEntry{}, fmt.Errorf("title %q: duplicate page stem %q (%s and %s)", key, stem, prev, name)
		}
		stems[stem] = name
		if entry.OriginalExt == "" {
			entry.OriginalExt = ext
		}
		entry.Pages = append(entry.Pages, PageEntry{Stem: stem, Type: PageBody})
	}
	return entry, nil
}

func (l *FSLocator) resolveEntry(ctx context.Context, entry TitleEntry) (*PageSet, error) {
	set := &PageSet{
		Title: entry.Title(),
		Pages: make([]PageFiles, 0, len(entry.Pages)),
	}
	for i, p := range entry.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		typ := p.Type
		if typ == "" {
			typ = PageBody
		}
		page := Page{Number: i + 1, Stem: p.Stem, Type: typ}
		set.Pages = append(set.Pages, l.pageFiles(entry, page))
	}
	return set, nil
}

func (l *FSLocator) pageFiles(entry TitleEntry, page Page) PageFiles {
	key := entry.Key
	return PageFiles{
		Page:     page,
		Original: l.source(home.TreeFixes, home.TreeOriginals, key, page.Stem, entry.Ext()),
		Upscaled: l.source(home.TreeUpscaledFixes, home.TreeUpscaled, key, page.Stem, ".png"),
		Outputs: Outputs{
			Restored:         l.home.PagePath(home.TreeRestored, key, page.Stem, ".png"),
			RestoredUpscaled: l.home.PagePath(home.TreeRestoredUpscaled, key, page.Stem, ".png"),
			SVG:              l.home.PagePath(home.TreeRestoredSVG, key, page.Stem, ".svg"),
			Final:            l.home.PagePath(home.TreeFinal, key, page.Stem, ".png"),
		},
	}
}

// source prefers a hand-corrected file from the fix tree over the scan tree.
func (l *FSLocator) source(fixTree, scanTree home.Tree, key, stem, ext string) SourceFile {
	fixed := l.home.PagePath(fixTree, key, stem, ext)
	if info, err := os.Stat(fixed); err == nil && info.Mode().IsRegular() {
		return SourceFile{Path: fixed, Modified: true}
	}
	return SourceFile{Path: l.home.PagePath(scanTree, key, stem, ext)}
}

var _ Locator = (*FSLocator)(nil)
