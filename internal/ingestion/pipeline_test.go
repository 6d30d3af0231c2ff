package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/tracematrix/internal/storage"
)

func TestImportCards(t *testing.T) {
	t.Parallel()

	t.Run("StoresSnapshots", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"reqs.json":       `{"cards":[{"id":"A","title":"Login"},{"id":"B","title":"Logout"}]}`,
			"docs/tests.yaml": "- id: X\n  title: login test\n",
		})
		backend := storage.NewMemoryBackend()

		var phases []string
		result, err := ImportCards(context.Background(), root, backend, func(phase string, progress float64) {
			if progress == 1.0 {
				phases = append(phases, phase)
			}
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"docs/tests.yaml", "reqs.json"}, result.Imported)
		assert.Equal(t, 3, result.Cards)
		assert.Empty(t, result.Failed)
		assert.Equal(t, []string{"Walking files", "Importing cards"}, phases)

		cards, err := backend.LoadCards(context.Background(), "reqs.json")
		require.NoError(t, err)
		assert.Len(t, cards, 2)

		stored, err := backend.ListCardFiles(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"docs/tests.yaml", "reqs.json"}, stored)
	})

	t.Run("BadFileIsReported", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"reqs.json":   `[{"id":"A"}]`,
			"broken.json": `[{"title":"no id"}]`,
		})

		result, err := ImportCards(context.Background(), root, storage.NewMemoryBackend(), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"reqs.json"}, result.Imported)
		assert.Contains(t, result.Failed, "broken.json")
	})

	t.Run("StorageFailureAborts", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"reqs.json": `[{"id":"A"}]`})
		backend := storage.NewMemoryBackend()
		require.NoError(t, backend.Close())

		_, err := ImportCards(context.Background(), root, backend, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, storage.ErrNotInitialized))
	})
}

func TestImportFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeTree(t, root, map[string]string{"specs/reqs.yaml": "cards:\n  - id: A\n    title: Login\n"})
	backend := storage.NewMemoryBackend()

	result, err := ImportFiles(context.Background(), root, backend, []string{
		"specs/reqs.yaml",
		filepath.Join(root, "missing.json"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"specs/reqs.yaml"}, result.Imported)
	assert.Contains(t, result.Failed, "missing.json")

	cards, err := backend.LoadCards(context.Background(), "specs/reqs.yaml")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "Login", cards[0].Title)
}
