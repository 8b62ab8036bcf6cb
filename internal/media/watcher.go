package media

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// spoolDirPerm is the permission mode for the spool directory when
	// ensuring it exists before starting the watcher.
	spoolDirPerm = fs.FileMode(0o755)

	// debounceInterval is how often the watcher checks for pending
	// filesystem events to batch rapid writes into a single wake-up.
	debounceInterval = 500 * time.Millisecond

	// settleWindow is how long a file must go without further writes
	// before it counts as fully written. Camera apps stream media into
	// the spool; waking the uploader mid-copy would upload a truncated
	// file.
	settleWindow = 300 * time.Millisecond
)

// Kicker wakes the upload processor.
type Kicker interface {
	Kick()
}

// Watcher monitors the spool directory and wakes the uploader when new
// media finishes landing. It never reads file contents; the uploader
// re-scans the store on every wake-up, so a missed or duplicate kick is
// harmless.
type Watcher struct {
	dir     string
	kicker  Kicker
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a spool watcher rooted at dir.
func NewWatcher(dir string, kicker Kicker, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, kicker: kicker, logger: logger}
}

// Watch starts watching the spool directory for new media. It blocks
// until the context is cancelled. Directories are watched recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, spoolDirPerm); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	w.logger.Info("spool watcher started", slog.String("dir", w.dir))

	// Debounce: batch rapid writes into a single wake-up per tick.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				// If a new directory was created, watch it recursively.
				// Use Lstat to avoid following symlinks that could point
				// outside the spool.
				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
						_ = w.addRecursive(event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// A deleted file needs no wake-up: the uploader discovers
				// missing media when it next looks at the record.
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("spool watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			settled := 0

			for path, t := range pending {
				if now.Sub(t) < settleWindow {
					continue
				}

				delete(pending, path)

				settled++
			}

			if settled > 0 {
				w.logger.Debug("spool files settled", slog.Int("count", settled))
				w.kicker.Kick()
			}
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if shouldIgnore(path) {
			return filepath.SkipDir
		}

		// Skip symlinked directories to prevent watching outside the
		// spool.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// shouldIgnore filters paths that are never finished media: hidden
// files, editor temp files, and partial writes.
func shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	if strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") {
		return true
	}

	return false
}
