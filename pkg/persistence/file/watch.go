package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits after the last file event before reloading.
const DefaultDebounce = time.Second

// Watch calls onChange after rule files under the store root are created, written, renamed
// or removed. Bursts of events within debounce collapse into one call. It blocks until ctx
// is done.
func (s *RuleStore) Watch(ctx context.Context, logger *slog.Logger, debounce time.Duration, onChange func(ctx context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create rules watcher: %w", err)
	}

	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("could not watch rules directory %s: %w", s.root, err)
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	logger.InfoContext(ctx, "Rules watcher started", "dir", s.root)

	var debounceTimer *time.Timer

	debounceCh := make(chan struct{}, 1)

	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !isRuleFile(filepath.Base(event.Name)) || event.Op == fsnotify.Chmod {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			logger.InfoContext(ctx, "Rule files changed, reloading")
			onChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.ErrorContext(ctx, "Rules watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}
