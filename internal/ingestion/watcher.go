package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Benny93/tracematrix/internal/logging"
	"github.com/Benny93/tracematrix/internal/storage"
)

// DefaultBatchDelay is how long the watcher waits for further changes
// before importing a batch.
const DefaultBatchDelay = 2 * time.Second

// WatchOptions configures WatchCards.
type WatchOptions struct {
	BatchDelay time.Duration
	Logger     *slog.Logger

	// OnImport is called after each batch with the snapshots it stored.
	OnImport func(ctx context.Context, result *ImportResult)

	// Ready is called once every directory is being watched.
	Ready func()
}

// WatchCards monitors root for card file changes and re-imports them.
// Blocks until the context is cancelled.
func WatchCards(ctx context.Context, root string, backend storage.Backend, opts WatchOptions) error {
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	patterns, err := loadGitignore(root)
	if err != nil {
		logger.Warn("ignoring unreadable .gitignore", slog.String("error", err.Error()))
		patterns = nil
	}
	matcher := newMatcher(patterns)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, root, root, matcher); err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}
	if opts.Ready != nil {
		opts.Ready()
	}
	logger.Info("watching card files", slog.String("root", root))

	changed := make(map[string]bool)
	known := make(map[string]string)
	batchTimer := time.NewTimer(opts.BatchDelay)
	batchTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, root, event.Name, matcher); err != nil {
						logger.Warn("watching new directory failed",
							slog.String("path", event.Name),
							slog.String("error", err.Error()))
					}
					continue
				}
			}
			if !shouldImport(event.Name, root, matcher) {
				continue
			}
			changed[event.Name] = true
			batchTimer.Reset(opts.BatchDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", slog.String("error", err.Error()))

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}
			result, err := processChangedFiles(ctx, root, backend, changed, known, logger)
			changed = make(map[string]bool)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				logger.Error("importing changed card files failed", slog.String("error", err.Error()))
				continue
			}
			if opts.OnImport != nil && len(result.Imported) > 0 {
				opts.OnImport(ctx, result)
			}
		}
	}
}

// processChangedFiles re-imports the changed card files whose content differs
// from the hash in known, and records the new hashes there. Deleted files keep
// their last snapshot so relations pointing at their cards stay readable.
func processChangedFiles(ctx context.Context, root string, backend storage.Backend, changed map[string]bool, known map[string]string, logger *slog.Logger) (*ImportResult, error) {
	paths := make([]string, 0, len(changed))
	for path := range changed {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			name := storage.CardFileName(root, path)
			delete(known, name)
			logger.Info("card file removed, keeping snapshot", slog.String("file", name))
			continue
		}
		if err != nil || info.IsDir() {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	files, failed := readCardFiles(root, paths)
	var unchanged []string
	pending := files[:0]
	for _, f := range files {
		if known[f.Name] == f.Hash {
			unchanged = append(unchanged, f.Name)
			continue
		}
		pending = append(pending, f)
	}

	result, err := importFiles(ctx, backend, pending)
	if err != nil {
		return nil, err
	}
	result.Unchanged = unchanged
	for name, ferr := range failed {
		result.Failed[name] = ferr
	}
	for name, hash := range result.Hashes {
		known[name] = hash
	}
	for name, ferr := range result.Failed {
		logger.Warn("card file not imported", slog.String("file", name), slog.String("error", ferr.Error()))
	}
	logger.Info("card files re-imported",
		slog.Int("files", len(result.Imported)),
		slog.Int("unchanged", len(unchanged)),
		slog.Int("cards", result.Cards))
	return result, nil
}

// addTree watches dir and every directory below it that is not ignored.
func addTree(watcher *fsnotify.Watcher, root, dir string, matcher gitignore.Matcher) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && shouldSkipDir(d.Name(), path, root, matcher) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
