package scout

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrRootUnreadable indicates the scan root itself cannot be read. Individual
// unreadable files inside it are skipped with a warning instead.
var ErrRootUnreadable = errors.New("scan root unreadable")

// languageByExtension maps file extensions to the language tag stored on
// files rows and passed to analysis prompts.
var languageByExtension = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".rb":    "ruby",
	".java":  "java",
	".kt":    "kotlin",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".proto": "protobuf",
	".tf":    "terraform",
	".md":    "markdown",
}

// LanguageFor returns the language tag for a path, "text" when unknown.
func LanguageFor(path string) string {
	if lang, ok := languageByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}

	return "text"
}

// FileEntry is one file selected by the walk. Path is slash-separated and
// relative to the scan root; it is the path stored in files rows, POI ids,
// and job payloads.
type FileEntry struct {
	Path     string
	Language string
}

// Walk enumerates root, honoring include/exclude globs. An unreadable root
// fails the walk; unreadable entries inside it are logged and skipped.
func Walk(root string, cfg *Config, logger *slog.Logger) ([]FileEntry, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRootUnreadable, root, err)
	}

	var entries []FileEntry

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("%w: %s: %w", ErrRootUnreadable, root, err)
			}

			logger.Warn("skipping unreadable entry",
				slog.String("path", path),
				slog.String("error", err.Error()))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to relativize %s: %w", path, err)
		}

		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if matchesAny(cfg.Exclude, rel) || matchesAny(cfg.Exclude, rel+"/") {
				return filepath.SkipDir
			}

			return nil
		}

		if !matchesAny(cfg.Include, rel) || matchesAny(cfg.Exclude, rel) {
			return nil
		}

		entries = append(entries, FileEntry{
			Path:     rel,
			Language: LanguageFor(rel),
		})

		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	return entries, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}

	return false
}
