// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SeedWatcher re-applies a seed file whenever it changes on disk.
type SeedWatcher struct {
	catalog  *Catalog
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewSeedWatcher watches path's directory; editors often replace files
// instead of writing them in place, which a file-level watch would miss.
func NewSeedWatcher(c *Catalog, path string, debounce time.Duration) (*SeedWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve seed path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &SeedWatcher{catalog: c, path: abs, debounce: debounce, watcher: w}, nil
}

// Run processes change events until ctx is cancelled.
func (sw *SeedWatcher) Run(ctx context.Context) error {
	defer sw.watcher.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(sw.debounce)
			} else {
				timer.Reset(sw.debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			if _, err := sw.catalog.ApplySeedFile(ctx, sw.path); err != nil {
				sw.catalog.logger.Error().Err(err).Str("path", sw.path).Msg("CATALOG_SEED_RELOAD_FAILED")
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			sw.catalog.logger.Warn().Err(err).Msg("CATALOG_WATCH_ERROR")
		}
	}
}
