package backup

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/openmined/dirvault/internal/utils"
)

// IgnoreFileName is looked up in the source root and parsed with gitignore
// semantics.
const IgnoreFileName = ".dirvaultignore"

var defaultIgnoreLines = []string{
	IgnoreFileName,
	// General excludes
	".git",
	"*.tmp",
	"*.swp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

// IgnoreList decides which relative paths are excluded from a scan. Rules
// come from three places: built-in defaults, a .dirvaultignore file in the
// root (gitignore syntax), and explicit glob patterns from the caller
// (doublestar syntax).
type IgnoreList struct {
	baseDir string
	globs   []string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string, globs []string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir, globs: globs}
}

func (l *IgnoreList) Load() {
	ignorePath := filepath.Join(l.baseDir, IgnoreFileName)
	ignoreLines := defaultIgnoreLines

	if utils.FileExists(ignorePath) {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := scanner.Text()
				if line != "" {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", ignorePath, "error", err)
			} else {
				slog.Debug("loaded ignore file", "path", ignorePath, "rules", rules)
			}
		}
	}

	l.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore matches relPath (slash-separated, relative to the root)
// against all configured rules.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	if l.ignore != nil && l.ignore.MatchesPath(relPath) {
		return true
	}
	for _, pattern := range l.globs {
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true
		}
	}
	return false
}
