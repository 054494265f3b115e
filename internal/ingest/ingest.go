// Package ingest renders scanned title PDFs into original page images.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/inkwell/internal/home"
	"github.com/jackzampolin/inkwell/internal/slug"
	"github.com/jackzampolin/inkwell/internal/titles"
)

// ErrTitleExists is returned when originals for the title are already on disk.
var ErrTitleExists = errors.New("title already has originals")

// PageExt is the extension of rendered pages.
const PageExt = ".png"

// Request contains the parameters for ingesting a title.
type Request struct {
	PDFPaths  []string     // PDF file paths (sorted by numeric suffix)
	Title     string       // Display name (optional, derived from filename if empty)
	Key       string       // Title key (optional, slug of Title if empty)
	DPI       int          // Render resolution (default: 300)
	Workers   int          // Concurrent page renders (default: NumCPU)
	Overwrite bool         // Replace existing originals
	Logger    *slog.Logger // Optional logger for progress updates
}

// Result contains the result of a successful ingest.
type Result struct {
	Key       string `json:"key" yaml:"key"`
	Title     string `json:"title" yaml:"title"`
	PageCount int    `json:"page_count" yaml:"page_count"`
	Dir       string `json:"dir" yaml:"dir"`
}

// PageCounter returns the number of pages of a PDF.
type PageCounter func(pdfPath string) (int, error)

// PageRenderer renders one PDF page (1-based) to dst.
type PageRenderer func(ctx context.Context, pdfPath string, page, dpi int, dst string) error

// Ingester renders PDFs into the originals tree and registers titles in the manifest.
type Ingester struct {
	home   *home.Dir
	count  PageCounter
	render PageRenderer
}

// New creates an ingester that counts pages with pdfcpu and renders them with pdftoppm.
func New(h *home.Dir) *Ingester {
	return &Ingester{home: h, count: pdfPageCount, render: renderPage}
}

// WithTools replaces the page counter and renderer.
func (in *Ingester) WithTools(count PageCounter, render PageRenderer) *Ingester {
	out := *in
	if count != nil {
		out.count = count
	}
	if render != nil {
		out.render = render
	}
	return &out
}

// Ingest renders every page of the PDFs into originals/<key>/NNN.png and
// records the title and its page list in the manifest.
func (in *Ingester) Ingest(ctx context.Context, req Request) (*Result, error) {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}

	if len(req.PDFPaths) == 0 {
		return nil, fmt.Errorf("no PDF paths provided")
	}
	for _, p := range req.PDFPaths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("PDF not found: %s", p)
		}
	}

	sortedPaths := sortPDFsByNumber(req.PDFPaths)

	name := req.Title
	if name == "" {
		name = deriveTitle(sortedPaths[0])
	}
	key := req.Key
	if key == "" {
		key = slug.From(name)
	}
	if !slug.Valid(key) {
		return nil, fmt.Errorf("invalid title key %q", key)
	}
	log = log.With("title", key)
	log.Info("starting ingest", "pdfs", len(sortedPaths))

	finalDir := in.home.TitleDir(home.TreeOriginals, key)
	if _, err := os.Stat(finalDir); err == nil && !req.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrTitleExists, key)
	}

	// Render into a hidden sibling so a failed ingest leaves nothing half-written.
	outDir := filepath.Join(in.home.TreePath(home.TreeOriginals), fmt.Sprintf(".%s.partial-%s", key, uuid.NewString()[:8]))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	dpi := req.DPI
	if dpi <= 0 {
		dpi = 300
	}
	workers := req.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	pageCount := 0
	for i, pdfPath := range sortedPaths {
		log.Debug("extracting PDF", "file", filepath.Base(pdfPath), "part", i+1, "of", len(sortedPaths))
		count, err := in.extractImages(ctx, pdfPath, outDir, pageCount, dpi, workers)
		if err != nil {
			os.RemoveAll(outDir)
			return nil, fmt.Errorf("failed to extract images from %s: %w", pdfPath, err)
		}
		log.Debug("extracted pages", "count", count, "total", pageCount+count)
		pageCount += count
	}

	if pageCount == 0 {
		os.RemoveAll(outDir)
		return nil, fmt.Errorf("no images extracted from PDFs")
	}

	if err := os.RemoveAll(finalDir); err != nil {
		os.RemoveAll(outDir)
		return nil, fmt.Errorf("failed to replace existing originals: %w", err)
	}
	if err := os.Rename(outDir, finalDir); err != nil {
		os.RemoveAll(outDir)
		return nil, fmt.Errorf("failed to rename directory: %w", err)
	}

	manifestPath := in.home.ManifestPath()
	manifest, err := titles.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	manifest.Upsert(titles.TitleEntry{
		Key:         key,
		Name:        name,
		OriginalExt: PageExt,
		Pages:       pageEntries(pageCount),
	})
	if err := manifest.Save(manifestPath); err != nil {
		return nil, fmt.Errorf("failed to register title: %w", err)
	}

	log.Info("ingest complete", "pages", pageCount, "dir", finalDir)

	return &Result{
		Key:       key,
		Title:     name,
		PageCount: pageCount,
		Dir:       finalDir,
	}, nil
}

// extractImages renders all pages from a PDF to the output directory.
// pageOffset is the numbering offset for multi-part PDFs.
func (in *Ingester) extractImages(ctx context.Context, pdfPath, outDir string, pageOffset, dpi, workers int) (int, error) {
	pageCount, err := in.count(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for page := 1; page <= pageCount; page++ {
		g.Go(func() error {
			dst := filepath.Join(outDir, pageStem(pageOffset+page)+PageExt)
			if err := in.render(gctx, pdfPath, page, dpi, dst); err != nil {
				return fmt.Errorf("failed to render page %d: %w", page, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return pageCount, nil
}

func pdfPageCount(pdfPath string) (int, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()
	return api.PageCount(f, nil)
}

// renderPage renders a single page from a PDF using pdftoppm (poppler-utils).
func renderPage(ctx context.Context, pdfPath string, page, dpi int, dst string) error {
	tmpDir, err := os.MkdirTemp("", "inkwell-page-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")

	// -singlefile: no page number suffix on the output name
	pageStr := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	srcPath := outputPrefix + ".png"
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write page image: %w", err)
	}
	return nil
}

// pageStem names page n of a title: 001, 002, ... 1000.
func pageStem(n int) string {
	return fmt.Sprintf("%03d", n)
}

// pageEntries lists n rendered pages; the first is the cover.
func pageEntries(n int) []titles.PageEntry {
	pages := make([]titles.PageEntry, n)
	for i := range pages {
		typ := titles.PageBody
		if i == 0 {
			typ = titles.PageCover
		}
		pages[i] = titles.PageEntry{Stem: pageStem(i + 1), Type: typ}
	}
	return pages
}

var pdfNumberRe = regexp.MustCompile(`-(\d+)\.pdf$`)

// sortPDFsByNumber sorts PDF paths by their numeric suffix.
// e.g., ["mars-2.pdf", "mars-1.pdf", "mars-10.pdf"] -> ["mars-1.pdf", "mars-2.pdf", "mars-10.pdf"]
func sortPDFsByNumber(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)

	sort.SliceStable(sorted, func(i, j int) bool {
		mi := pdfNumberRe.FindStringSubmatch(sorted[i])
		mj := pdfNumberRe.FindStringSubmatch(sorted[j])

		if len(mi) > 1 && len(mj) > 1 {
			ni, _ := strconv.Atoi(mi[1])
			nj, _ := strconv.Atoi(mj[1])
			return ni < nj
		}

		// Files without numbers come first
		if len(mi) > 1 {
			return false
		}
		if len(mj) > 1 {
			return true
		}
		return sorted[i] < sorted[j]
	})

	return sorted
}

var partSuffixRe = regexp.MustCompile(`-\d+$`)

// deriveTitle extracts a title from a PDF filename.
// e.g., "mars-attacks-1.pdf" -> "mars-attacks"
func deriveTitle(pdfPath string) string {
	base := filepath.Base(pdfPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return partSuffixRe.ReplaceAllString(name, "")
}
