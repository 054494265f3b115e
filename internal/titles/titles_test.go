package titles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/inkwell/internal/home"
)

const sampleManifest = `
titles:
  - key: lost-in-the-andes
    name: Lost in the Andes!
    pages:
      - stem: "209"
        type: cover
      - stem: 210
      - stem: "211"
        type: body
  - key: trick-or-treat
    original_ext: .png
    pages:
      - stem: p01
`

func TestParseManifest(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		m, err := ParseManifest([]byte(sampleManifest))
		require.NoError(t, err)
		require.Len(t, m.Titles, 2)

		andes := m.Titles[0]
		assert.Equal(t, "lost-in-the-andes", andes.Key)
		assert.Equal(t, "Lost in the Andes!", andes.Title().Name)
		assert.Equal(t, ".jpg", andes.Ext())
		require.Len(t, andes.Pages, 3)
		assert.Equal(t, "210", andes.Pages[1].Stem, "integer stems decode as strings")
		assert.Equal(t, PageCover, andes.Pages[0].Type)

		assert.Equal(t, ".png", m.Titles[1].Ext())
		assert.Equal(t, "trick-or-treat", m.Titles[1].Title().Name)
	})

	t.Run("empty document", func(t *testing.T) {
		m, err := ParseManifest([]byte(""))
		require.NoError(t, err)
		assert.Empty(t, m.Titles)
	})

	tests := []struct {
		name   string
		doc    string
		errMsg string
	}{
		{"unknown field", "titles:\n  - key: a\n    color: red\n", "schema"},
		{"bad key", "titles:\n  - key: Not A Key\n", "schema"},
		{"bad page type", "titles:\n  - key: a\n    pages:\n      - stem: x\n        type: centerfold\n", "schema"},
		{"stem with slash", "titles:\n  - key: a\n    pages:\n      - stem: ../x\n", "schema"},
		{"duplicate key", "titles:\n  - key: a\n  - key: a\n", "duplicate title key"},
		{"duplicate stem", "titles:\n  - key: a\n    pages:\n      - stem: x\n      - stem: x\n", "duplicate page stem"},
		{"malformed yaml", "titles: [", "invalid manifest YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestManifest_FindUpsertSave(t *testing.T) {
	m, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)

	e, ok := m.Find("Lost in the Andes!")
	require.True(t, ok)
	assert.Equal(t, "lost-in-the-andes", e.Key)

	_, ok = m.Find("the-golden-helmet")
	assert.False(t, ok)

	m.Upsert(TitleEntry{Key: "the-golden-helmet", Pages: []PageEntry{{Stem: "001"}}})
	m.Upsert(TitleEntry{Key: "trick-or-treat", Name: "Trick or Treat", Pages: []PageEntry{{Stem: "p01"}, {Stem: "p02"}}})
	require.Len(t, m.Titles, 3)

	path := filepath.Join(t.TempDir(), "sub", "titles.yaml")
	require.NoError(t, m.Save(path))

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m.Titles, loaded.Titles)

	missing, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, missing.Titles)
}

func TestManifest_SaveRejectsInvalid(t *testing.T) {
	m := &Manifest{Titles: []TitleEntry{{Key: "a"}, {Key: "a"}}}
	assert.Error(t, m.Save(filepath.Join(t.TempDir(), "titles.yaml")))
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestFSLocator_ResolveManifestTitle(t *testing.T) {
	h, _ := home.New(t.TempDir())
	m, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)

	// Page 210 has a hand-corrected original and upscale
	touch(t, h.PagePath(home.TreeFixes, "lost-in-the-andes", "210", ".jpg"))
	touch(t, h.PagePath(home.TreeUpscaledFixes, "lost-in-the-andes", "210", ".png"))

	loc := NewFSLocator(h, m)
	set, err := loc.Resolve(context.Background(), "lost-in-the-andes")
	require.NoError(t, err)

	assert.Equal(t, "Lost in the Andes!", set.Title.Name)
	require.Len(t, set.Pages, 3)

	for i, p := range set.Pages {
		assert.Equal(t, i+1, p.Page.Number)
	}
	assert.Equal(t, PageBody, set.Pages[1].Page.Type, "pages without a type default to body")

	first := set.Pages[0]
	assert.Equal(t, h.PagePath(home.TreeOriginals, "lost-in-the-andes", "209", ".jpg"), first.Original.Path)
	assert.False(t, first.Original.Modified)
	assert.Equal(t, h.PagePath(home.TreeUpscaled, "lost-in-the-andes", "209", ".png"), first.Upscaled.Path)
	assert.Equal(t, h.PagePath(home.TreeRestoredSVG, "lost-in-the-andes", "209", ".svg"), first.Outputs.SVG)
	assert.Equal(t, h.PagePath(home.TreeFinal, "lost-in-the-andes", "209", ".png"), first.Outputs.Final)

	fixed := set.Pages[1]
	assert.True(t, fixed.Original.Modified)
	assert.True(t, fixed.Upscaled.Modified)
	assert.Equal(t, h.PagePath(home.TreeFixes, "lost-in-the-andes", "210", ".jpg"), fixed.Original.Path)

	// Index-aligned views
	assert.Len(t, set.Originals(), 3)
	assert.Len(t, set.Upscaled(), 3)
	assert.Equal(t, set.Pages[2].Outputs.RestoredUpscaled, set.Outputs(1)[2])

	// Every output path is unique
	seen := map[string]bool{}
	for _, p := range set.Pages {
		for _, out := range p.Outputs.Paths() {
			assert.False(t, seen[out], "duplicate output %s", out)
			seen[out] = true
		}
	}
}

func TestFSLocator_ResolveScannedTitle(t *testing.T) {
	h, _ := home.New(t.TempDir())
	touch(t, h.PagePath(home.TreeOriginals, "the-golden-helmet", "002", ".png"))
	touch(t, h.PagePath(home.TreeOriginals, "the-golden-helmet", "001", ".png"))
	touch(t, filepath.Join(h.TitleDir(home.TreeOriginals, "the-golden-helmet"), ".DS_Store"))

	loc := NewFSLocator(h, nil)

	set, err := loc.Resolve(context.Background(), "The Golden Helmet")
	require.NoError(t, err)
	require.Len(t, set.Pages, 2)
	assert.Equal(t, "001", set.Pages[0].Page.Stem)
	assert.Equal(t, "002", set.Pages[1].Page.Stem)
	assert.Equal(t, h.PagePath(home.TreeOriginals, "the-golden-helmet", "001", ".png"), set.Pages[0].Original.Path)

	_, err = loc.Resolve(context.Background(), "no-such-title")
	assert.ErrorIs(t, err, ErrTitleNotFound)
}

func TestFSLocator_ScanIgnoresNonImages(t *testing.T) {
	h, _ := home.New(t.TempDir())
	dir := h.TitleDir(home.TreeOriginals, "alpha")
	touch(t, h.PagePath(home.TreeOriginals, "alpha", "001", ".jpg"))
	touch(t, h.PagePath(home.TreeOriginals, "alpha", "002", ".JPG"))
	touch(t, filepath.Join(dir, "Thumbs.db"))
	touch(t, filepath.Join(dir, "notes.txt"))

	set, err := NewFSLocator(h, nil).Resolve(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, set.Pages, 2)
	assert.Equal(t, "001", set.Pages[0].Page.Stem)
	assert.Equal(t, "002", set.Pages[1].Page.Stem)
}

func TestFSLocator_ScanRejectsDuplicateStems(t *testing.T) {
	h, _ := home.New(t.TempDir())
	touch(t, h.PagePath(home.TreeOriginals, "alpha", "001", ".jpg"))
	touch(t, h.PagePath(home.TreeOriginals, "alpha", "001", ".png"))

	_, err := NewFSLocator(h, nil).Resolve(context.Background(), "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate page stem "001"`)
}

func TestFSLocator_RejectsPathLikeTitles(t *testing.T) {
	root := t.TempDir()
	h, _ := home.New(filepath.Join(root, "archive"))
	// A directory next to originals/ that a relative path could reach.
	touch(t, filepath.Join(h.TreePath(home.TreeOriginals), "..", "x", "001.jpg"))
	touch(t, filepath.Join(root, "outside", "001.jpg"))

	loc := NewFSLocator(h, nil)
	for _, name := range []string{"../x", "../../outside", "..", ".", "a/b", `a\b`} {
		_, err := loc.Resolve(context.Background(), name)
		assert.ErrorIs(t, err, ErrInvalidTitle, name)
	}
}

func TestFSLocator_Titles(t *testing.T) {
	h, _ := home.New(t.TempDir())
	m, err := ParseManifest([]byte(sampleManifest))
	require.NoError(t, err)
	touch(t, h.PagePath(home.TreeOriginals, "the-golden-helmet", "001", ".png"))
	touch(t, h.PagePath(home.TreeOriginals, "lost-in-the-andes", "209", ".jpg"))

	got, err := NewFSLocator(h, m).Titles(context.Background())
	require.NoError(t, err)

	keys := make([]string, len(got))
	for i, title := range got {
		keys[i] = title.Key
	}
	assert.Equal(t, []string{"lost-in-the-andes", "trick-or-treat", "the-golden-helmet"}, keys)
}
