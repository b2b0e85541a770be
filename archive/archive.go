// Package archive builds compressed submission archives from a local
// directory tree under a format-specific packaging policy.
//
// Two formats are supported: "repo" packages every file reachable from the
// root minus a set of exclusions, and "py" packages only files recognizable
// as belonging to a Python project. Exclusions are matched against individual
// path components, so a pattern like ".git" drops the whole subtree wherever
// it appears.
package archive

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Format identifies a packaging policy. The format used for one build is
// fixed for its duration; it is either negotiated with the server or forced
// by the caller.
type Format string

const (
	// FormatRepo includes every file reachable by recursive traversal,
	// minus the exclusion set.
	FormatRepo Format = "repo"

	// FormatPy includes only files recognizable as part of a Python
	// project: source extensions and dependency manifests.
	FormatPy Format = "py"
)

// Valid returns true if the format is recognized.
func (f Format) Valid() bool {
	switch f {
	case FormatRepo, FormatPy:
		return true
	}
	return false
}

// ParseFormat parses a format tag from its string representation.
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown format: %q", s)
	}
	return f, nil
}

// DefaultCompressionLevel is used when no level is configured. It matches
// zip's historical default.
const DefaultCompressionLevel = 6

// ParseCompressionLevel parses a compression level from its configuration
// representation: a digit 0-9 or one of the named presets store, fastest,
// normal, best. An empty string selects the default level.
func ParseCompressionLevel(s string) (int, error) {
	switch s {
	case "":
		return DefaultCompressionLevel, nil
	case "store":
		return 0, nil
	case "fastest":
		return 1, nil
	case "normal":
		return DefaultCompressionLevel, nil
	case "best":
		return 9, nil
	}
	level, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid compression level: %q", s)
	}
	if level < 0 || level > 9 {
		return 0, fmt.Errorf("compression level %d out of range [0,9]", level)
	}
	return level, nil
}

// Request describes one archive build.
type Request struct {
	// Root is the directory to package. A missing or unreadable root is
	// fatal for the whole build.
	Root string

	// Format selects the inclusion policy.
	Format Format

	// CompressionLevel is the deflate level in [0,9]. Out-of-range values
	// fail validation before any filesystem access.
	CompressionLevel int

	// Exclude holds caller-supplied exclusion patterns, added on top of
	// the built-in defaults. Patterns are matched against each path
	// component with filepath.Match semantics.
	Exclude []string
}

// SkippedFile records a file passed over during traversal because of a
// recoverable per-file error.
type SkippedFile struct {
	Path   string
	Reason string
}

// Summary reports what a build produced.
type Summary struct {
	// FileCount is the number of entries written to the archive.
	FileCount int

	// Bytes is the uncompressed size of the archived content.
	Bytes int64

	// Skipped lists files that were dropped due to recoverable errors
	// (permission denied, vanished mid-walk). Policy exclusions are not
	// recorded here.
	Skipped []SkippedFile
}

// defaultExcludedComponents are path components dropped from every archive:
// version-control metadata, OS metadata files, dependency and build output
// directories, and environment-secret files.
var defaultExcludedComponents = []string{
	".git",
	".svn",
	".hg",
	".DS_Store",
	"Thumbs.db",
	"node_modules",
	"target",
	"dist",
	"build",
	"__pycache__",
	".venv",
	"venv",
	".env",
}

// pySourceExtensions are file extensions included by the py format.
var pySourceExtensions = map[string]bool{
	".py":    true,
	".pyi":   true,
	".pyx":   true,
	".ipynb": true,
	".toml":  true,
	".cfg":   true,
	".txt":   true,
}

// pyManifestNames are dependency-manifest filenames included by the py
// format regardless of extension.
var pyManifestNames = map[string]bool{
	"requirements.txt":     true,
	"requirements-dev.txt": true,
	"setup.py":             true,
	"setup.cfg":            true,
	"pyproject.toml":       true,
	"Pipfile":              true,
	"Pipfile.lock":         true,
	"environment.yml":      true,
	"poetry.lock":          true,
}

// excluded reports whether a slash-separated relative path contains an
// excluded component. Already-built archives (*.zip) are always excluded so
// a previous build never packages itself.
func excluded(relPath string, extra []string) bool {
	if strings.HasSuffix(relPath, ".zip") {
		return true
	}
	for _, component := range strings.Split(relPath, "/") {
		for _, pattern := range defaultExcludedComponents {
			if component == pattern {
				return true
			}
		}
		for _, pattern := range extra {
			if ok, err := path.Match(pattern, component); err == nil && ok {
				return true
			}
		}
	}
	// Caller patterns may also target the full relative path.
	for _, pattern := range extra {
		if ok, err := path.Match(pattern, relPath); err == nil && ok {
			return true
		}
	}
	return false
}

// Includes reports whether the inclusion predicate for a format admits the
// given slash-separated path relative to the archive root. This is the
// membership contract for a built archive: extracting it yields exactly the
// files for which Includes is true.
func Includes(format Format, relPath string, extra []string) bool {
	if excluded(relPath, extra) {
		return false
	}
	if format == FormatRepo {
		return true
	}
	name := path.Base(relPath)
	if pyManifestNames[name] {
		return true
	}
	return pySourceExtensions[path.Ext(name)]
}
