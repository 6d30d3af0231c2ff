package ingestion

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		fullPath := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
		require.NoError(t, os.WriteFile(fullPath, []byte(content), 0o644))
	}
}

func names(files []CardFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}

func TestWalkCards(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeTree(t, tmpDir, map[string]string{
		"reqs.json":                   `[{"id":"A","title":"Login"}]`,
		"docs/tests.yaml":             "- id: X\n  title: login test\n",
		"docs/notes.md":               "# notes",
		"scratch/draft.json":          "[]",
		"package.json":                "{}",
		"node_modules/lib/cards.json": "[]",
		".tracematrix/config.yaml":    "kinds: [trace]\n",
		".gitignore":                  "scratch/\n",
	})

	t.Run("DefaultPatterns", func(t *testing.T) {
		files, err := WalkCards(tmpDir, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"reqs.json", "docs/tests.yaml", "scratch/draft.json"}, names(files))
	})

	t.Run("RespectGitignore", func(t *testing.T) {
		patterns, err := loadGitignore(tmpDir)
		require.NoError(t, err)
		require.Len(t, patterns, 1)

		files, err := WalkCards(tmpDir, patterns)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"reqs.json", "docs/tests.yaml"}, names(files))
	})

	t.Run("HashesContent", func(t *testing.T) {
		files, err := WalkCards(tmpDir, nil)
		require.NoError(t, err)
		for _, f := range files {
			sum := blake3.Sum256(f.Content)
			assert.Equal(t, hex.EncodeToString(sum[:]), f.Hash)
			assert.True(t, filepath.IsAbs(f.Path))
		}
	})

	t.Run("MissingGitignore", func(t *testing.T) {
		patterns, err := loadGitignore(t.TempDir())
		require.NoError(t, err)
		assert.Nil(t, patterns)
	})
}

func TestShouldImport(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	matcher := newMatcher(nil)

	assert.True(t, shouldImport(filepath.Join(root, "reqs.yml"), root, matcher))
	assert.False(t, shouldImport(filepath.Join(root, "README.md"), root, matcher))
	assert.False(t, shouldImport(filepath.Join(root, "vendor", "x.json"), root, matcher))
	assert.False(t, shouldImport(filepath.Join(filepath.Dir(root), "outside.json"), root, matcher))
}
