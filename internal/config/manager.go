package config

import (
	"context"
	"math"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"

	"github.com/datawire/dlib/dlog"

	"github.com/randhop/randhop/internal/errcat"
)

// pollInterval is the debounce window used by the directory watcher, also
// serving as the "poll interval" referenced by §4.7 and Testable Property
// 7 when a platform's filesystem events are noisy or absent.
const pollInterval = 2 * time.Second

// Manager owns the canonical configuration snapshot and keeps it current by
// watching its source directory for changes. All other components hold a
// read-only reference obtained via Snapshot.
type Manager struct {
	dir string
	ptr unsafe.Pointer // *Config, swapped via atomic.StorePointer
}

// NewManager performs the initial load from dir. A load failure here is
// fatal to the caller, per §7 ("Initial Config load error... fatal").
func NewManager(dir string) (*Manager, error) {
	cfg, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{dir: dir}
	m.store(cfg)
	return m, nil
}

// Snapshot returns the current configuration. The returned value is never
// mutated in place; a reload replaces the pointer, not the pointee.
func (m *Manager) Snapshot() Config {
	return *(*Config)(atomic.LoadPointer(&m.ptr))
}

func (m *Manager) store(cfg Config) {
	atomic.StorePointer(&m.ptr, unsafe.Pointer(&cfg))
}

// Watch runs a debounced filesystem watcher on the config directory until
// ctx is cancelled. On any create/write/remove event it reloads the
// directory and atomically swaps the snapshot. A parse error during reload
// is fatal to the watcher (by design, per §4.7) and is returned; the
// caller keeps running against the last-good snapshot.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errcat.Config.Newf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return errcat.Config.Newf("watching %s: %w", m.dir, err)
	}

	reloadErrCh := make(chan error, 1)
	delay := time.AfterFunc(time.Duration(math.MaxInt64), func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cfg, err := LoadDir(m.dir)
		if err != nil {
			reloadErrCh <- err
			return
		}
		m.store(cfg)
		dlog.Debugf(ctx, "config: reloaded from %s", m.dir)
	})
	defer delay.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-reloadErrCh:
			return errcat.Config.Newf("reload failed: %w", err)
		case err := <-watcher.Errors:
			dlog.Errorf(ctx, "config watcher: %v", err)
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if filepath.Dir(event.Name) != filepath.Clean(m.dir) {
					continue
				}
				delay.Reset(pollInterval)
			}
		}
	}
}
