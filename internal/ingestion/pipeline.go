package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Benny93/tracematrix/internal/storage"
)

// importWorkers bounds concurrent snapshot writes.
const importWorkers = 4

// ImportResult summarizes an import run.
type ImportResult struct {
	// Imported lists the stored snapshot names, sorted.
	Imported []string

	Cards int

	// Failed maps a card file name to the reason it was not imported.
	Failed map[string]error

	// Hashes maps each imported name to the content hash that was stored.
	Hashes map[string]string

	// Unchanged lists files skipped because their content was already stored.
	Unchanged []string

	DurationSecs float64
}

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// ImportCards walks root and stores a snapshot for every card file found.
// Files that fail to parse are reported in the result, not as an error.
func ImportCards(ctx context.Context, root string, backend storage.Backend, progress ProgressCallback) (*ImportResult, error) {
	start := time.Now()
	if progress != nil {
		progress("Walking files", 0.0)
	}

	patterns, err := loadGitignore(root)
	if err != nil {
		return nil, fmt.Errorf("loading .gitignore: %w", err)
	}
	files, err := WalkCards(root, patterns)
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	if progress != nil {
		progress("Walking files", 1.0)
		progress("Importing cards", 0.0)
	}
	result, err := importFiles(ctx, backend, files)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress("Importing cards", 1.0)
	}

	result.DurationSecs = time.Since(start).Seconds()
	return result, nil
}

// ImportFiles stores snapshots for the given card file paths.
func ImportFiles(ctx context.Context, root string, backend storage.Backend, paths []string) (*ImportResult, error) {
	start := time.Now()
	files, failed := readCardFiles(root, paths)

	imported, err := importFiles(ctx, backend, files)
	if err != nil {
		return nil, err
	}
	for name, ferr := range failed {
		imported.Failed[name] = ferr
	}
	imported.DurationSecs = time.Since(start).Seconds()
	return imported, nil
}

// readCardFiles reads the given paths, keyed failures by snapshot name.
func readCardFiles(root string, paths []string) ([]CardFile, map[string]error) {
	failed := make(map[string]error)
	files := make([]CardFile, 0, len(paths))
	for _, path := range paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			failed[storage.CardFileName(root, path)] = err
			continue
		}
		files = append(files, newCardFile(root, path, content))
	}
	return files, failed
}

func importFiles(ctx context.Context, backend storage.Backend, files []CardFile) (*ImportResult, error) {
	result := &ImportResult{Failed: make(map[string]error), Hashes: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importWorkers)
	for _, f := range files {
		g.Go(func() error {
			cards, err := storage.ParseCards(f.Content, filepath.Ext(f.Path))
			if err != nil {
				mu.Lock()
				result.Failed[f.Name] = err
				mu.Unlock()
				return nil
			}
			// Storage failures abort the run; a bad file does not.
			if err := backend.SaveCards(gctx, f.Name, cards); err != nil {
				return fmt.Errorf("storing %s: %w", f.Name, err)
			}
			mu.Lock()
			result.Imported = append(result.Imported, f.Name)
			result.Hashes[f.Name] = f.Hash
			result.Cards += len(cards)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(result.Imported)
	return result, nil
}
