package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports supported files that were created or changed. Bursts of
// writes to one file are reported once, after the file has been quiet for
// the debounce interval.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{watcher: w, debounce: debounce, logger: logger}, nil
}

// Watch starts monitoring dirs. The channel closes when ctx ends or the
// watcher is closed.
func (w *Watcher) Watch(ctx context.Context, dirs ...string) (<-chan string, error) {
	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return nil, err
		}
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)

		pending := make(map[string]time.Time)
		tick := time.NewTicker(w.debounce / 2)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if !supported(event.Name) || strings.HasPrefix(filepath.Base(event.Name), ".") {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				pending[event.Name] = time.Now()

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("File watcher error", zap.Error(err))

			case now := <-tick.C:
				for path, last := range pending {
					if now.Sub(last) < w.debounce {
						continue
					}
					delete(pending, path)
					if _, err := os.Stat(path); err != nil {
						continue
					}
					select {
					case out <- path:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
