package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBadgerBackend(t *testing.T) (*BadgerBackend, func()) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "badger")

	backend := NewBadgerBackend()
	err := backend.Initialize(dbPath, false)
	require.NoError(t, err)

	cleanup := func() {
		backend.Close()
	}

	return backend, cleanup
}

func TestBadgerBackend_Contract(t *testing.T) {
	t.Parallel()
	testBackendContract(t, func(t *testing.T) Backend {
		backend, cleanup := setupTestBadgerBackend(t)
		t.Cleanup(cleanup)
		return backend
	})
}

func TestBadgerBackend_Initialize(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "badger")

		backend := NewBadgerBackend()
		err := backend.Initialize(dbPath, false)

		assert.NoError(t, err)
		assert.NotNil(t, backend.db)
		assert.True(t, backend.initialized)

		backend.Close()
	})

	t.Run("ReadOnly", func(t *testing.T) {
		ctx := context.Background()
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "badger")

		// First create the DB with one trace file
		backend1 := NewBadgerBackend()
		require.NoError(t, backend1.Initialize(dbPath, false))
		_, err := backend1.SaveRelations(ctx, testPair, nil, testRelations)
		require.NoError(t, err)
		backend1.Close()

		// Open in read-only mode
		backend2 := NewBadgerBackend()
		require.NoError(t, backend2.Initialize(dbPath, true))
		defer backend2.Close()

		tf, err := backend2.LoadRelations(ctx, testPair)
		require.NoError(t, err)
		assert.Equal(t, testRelations, tf.Relations)

		_, err = backend2.SaveRelations(ctx, testPair, nil, nil)
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("InvalidPath", func(t *testing.T) {
		backend := NewBadgerBackend()
		err := backend.Initialize("/nonexistent/path/that/does/not/exist", false)

		assert.Error(t, err)
	})
}

func TestBadgerBackend_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "badger")

	backend := NewBadgerBackend()
	require.NoError(t, backend.Initialize(dbPath, false))
	_, err := backend.SaveRelations(ctx, testPair, &Header{Description: "kept"}, testRelations)
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	reopened := NewBadgerBackend()
	require.NoError(t, reopened.Initialize(dbPath, false))
	defer reopened.Close()

	tf, err := reopened.LoadRelations(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, "kept", tf.Header.Description)
	assert.Equal(t, int64(1), tf.Header.Revision)

	traces, cardFiles, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, traces)
	assert.Equal(t, 0, cardFiles)
}

func TestBadgerBackend_Close(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "badger")

	backend := NewBadgerBackend()
	err := backend.Initialize(dbPath, false)
	require.NoError(t, err)

	err = backend.Close()
	assert.NoError(t, err)

	// Verify DB is closed
	assert.Nil(t, backend.db)

	_, err = backend.SaveRelations(context.Background(), testPair, nil, testRelations)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
