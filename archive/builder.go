package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
)

// Builder produces submission archives. It is safe for reuse across builds;
// each Build call is independent.
type Builder struct {
	log *slog.Logger
}

// NewBuilder creates a builder that logs traversal warnings to the given
// logger. A nil logger disables logging.
func NewBuilder(log *slog.Logger) *Builder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{log: log}
}

// Validate checks a request without touching the filesystem.
func (r *Request) Validate() error {
	if !r.Format.Valid() {
		return fmt.Errorf("unknown format: %q", r.Format)
	}
	if r.CompressionLevel < 0 || r.CompressionLevel > 9 {
		return fmt.Errorf("compression level %d out of range [0,9]", r.CompressionLevel)
	}
	return nil
}

// Build walks the request's root directory and writes one compressed archive
// to w. Per-file I/O errors are recovered locally: the file is skipped and
// recorded in the summary. A missing or unreadable root is fatal. Symlink
// cycles are detected via a set of visited directory identities and skipped
// with a warning.
func (b *Builder) Build(ctx context.Context, req *Request, w io.Writer) (*Summary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rootInfo, err := os.Stat(req.Root)
	if err != nil {
		return nil, fmt.Errorf("root directory: %w", err)
	}
	if !rootInfo.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", req.Root)
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, req.CompressionLevel)
	})

	walk := &walker{
		builder: b,
		req:     req,
		zw:      zw,
		visited: make(map[string]bool),
		summary: &Summary{},
	}

	rootID, err := dirIdentity(req.Root)
	if err != nil {
		return nil, fmt.Errorf("root directory: %w", err)
	}
	walk.visited[rootID] = true

	if err := walk.dir(ctx, req.Root, ""); err != nil {
		zw.Close()
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return walk.summary, nil
}

type walker struct {
	builder *Builder
	req     *Request
	zw      *zip.Writer
	visited map[string]bool
	summary *Summary
}

// dirIdentity returns a stable identity for a directory, following symlinks,
// used to detect traversal cycles.
func dirIdentity(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func (wk *walker) dir(ctx context.Context, dir, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if rel == "" {
			// The root must be readable; everything below it is
			// recoverable.
			return fmt.Errorf("reading root directory: %w", err)
		}
		wk.skip(rel, err)
		return nil
	}

	for _, entry := range entries {
		name := entry.Name()
		entryRel := name
		if rel != "" {
			entryRel = rel + "/" + name
		}
		entryPath := filepath.Join(dir, name)

		info, err := os.Stat(entryPath) // follows symlinks
		if err != nil {
			wk.skip(entryRel, err)
			continue
		}

		if info.IsDir() {
			if excluded(entryRel, wk.req.Exclude) {
				continue
			}
			id, err := dirIdentity(entryPath)
			if err != nil {
				wk.skip(entryRel, err)
				continue
			}
			if wk.visited[id] {
				wk.builder.log.Warn("skipping already-visited directory",
					"path", entryRel, "target", id)
				continue
			}
			wk.visited[id] = true
			if err := wk.dir(ctx, entryPath, entryRel); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() {
			continue
		}
		if !Includes(wk.req.Format, entryRel, wk.req.Exclude) {
			continue
		}
		if err := wk.file(entryPath, entryRel, info); err != nil {
			return err
		}
	}
	return nil
}

func (wk *walker) file(filePath, rel string, info os.FileInfo) error {
	f, err := os.Open(filePath)
	if err != nil {
		wk.skip(rel, err)
		return nil
	}
	defer f.Close()

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		wk.skip(rel, err)
		return nil
	}
	header.Name = rel
	header.Method = zip.Deflate

	entry, err := wk.zw.CreateHeader(header)
	if err != nil {
		// The writer itself is broken; this is not per-file recoverable.
		return fmt.Errorf("creating archive entry %s: %w", rel, err)
	}

	n, err := io.Copy(entry, f)
	if err != nil {
		return fmt.Errorf("writing archive entry %s: %w", rel, err)
	}

	wk.summary.FileCount++
	wk.summary.Bytes += n
	return nil
}

func (wk *walker) skip(rel string, err error) {
	wk.builder.log.Warn("skipping unreadable path", "path", rel, "err", err)
	wk.summary.Skipped = append(wk.summary.Skipped, SkippedFile{
		Path:   rel,
		Reason: err.Error(),
	})
}

// FindRepoRoot walks upward from start looking for a directory containing
// .git, so a submission can be sent from anywhere inside a working tree.
func FindRepoRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, ".git"))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not inside a git repository: %s", start)
		}
		dir = parent
	}
}
