package interruption

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/fsutil"
)

// reloadDebounce absorbs the burst of events a single save produces.
const reloadDebounce = 250 * time.Millisecond

func writeJSONAtomic(path string, v interface{}) error { return fsutil.WriteJSON(path, v) }

func readJSON(path string, v interface{}) (bool, error) { return fsutil.ReadJSON(path, v) }

// watchFile calls reload whenever path is written, created or renamed into
// place, until ctx ends. The parent directory is watched so atomic renames are seen.
func watchFile(ctx context.Context, path string, logger *zap.Logger, reload func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, reload)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error", zap.String("path", path), zap.Error(err))
		}
	}
}
