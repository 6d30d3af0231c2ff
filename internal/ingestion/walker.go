// Package ingestion imports card files from a project tree into storage and
// keeps the stored snapshots current while the files change.
package ingestion

import (
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"lukechampine.com/blake3"

	"github.com/Benny93/tracematrix/internal/storage"
)

// CardFile is a card file found in the project tree.
type CardFile struct {
	// Path is the absolute file path.
	Path string

	// Name is the identity the snapshot is stored under.
	Name string

	Content []byte

	// Hash is the hex BLAKE3 digest of Content.
	Hash string
}

// Default patterns to ignore (in addition to .gitignore).
var defaultIgnorePatterns = []string{
	".git/",
	".tracematrix/",
	"node_modules/",
	"vendor/",
	".venv/",
	"dist/",
	"build/",
	"package.json",
	"package-lock.json",
	"tsconfig.json",
	".DS_Store",
}

// WalkCards walks root and returns every card file not excluded by the
// default patterns or the given gitignore patterns.
func WalkCards(root string, patterns []gitignore.Pattern) ([]CardFile, error) {
	matcher := newMatcher(patterns)

	var files []CardFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && shouldSkipDir(d.Name(), path, root, matcher) {
				return filepath.SkipDir
			}
			return nil
		}
		if !shouldImport(path, root, matcher) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, newCardFile(root, path, content))
		return nil
	})
	return files, err
}

func newCardFile(root, path string, content []byte) CardFile {
	return CardFile{
		Path:    path,
		Name:    storage.CardFileName(root, path),
		Content: content,
		Hash:    contentHash(content),
	}
}

func contentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func newMatcher(patterns []gitignore.Pattern) gitignore.Matcher {
	all := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		all = append(all, gitignore.ParsePattern(p, nil))
	}
	all = append(all, patterns...)
	return gitignore.NewMatcher(all)
}

// loadGitignore loads .gitignore patterns from the project root.
func loadGitignore(root string) ([]gitignore.Pattern, error) {
	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return patterns, nil
}

// shouldImport reports whether path is a card file that is not ignored.
func shouldImport(path, root string, matcher gitignore.Matcher) bool {
	if !storage.IsCardFile(path) {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return !matcher.Match(splitPath(rel), false)
}

// shouldSkipDir checks if a directory should be skipped.
func shouldSkipDir(name, path, root string, matcher gitignore.Matcher) bool {
	if name == ".git" {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return matcher.Match(splitPath(rel), true)
}

func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
