package contextsnap

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FixtureWatcher serves a YAML fixture and reloads it when the file changes.
// A fixture that fails to parse keeps the previous one in place.
type FixtureWatcher struct {
	path     string
	current  atomic.Pointer[StaticSource]
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	reloads atomic.Int64
	done    chan struct{}
	closed  sync.Once
}

var (
	_ Source           = (*FixtureWatcher)(nil)
	_ ChannelDirectory = (*FixtureWatcher)(nil)
	_ UserDirectory    = (*FixtureWatcher)(nil)
	_ Searcher         = (*FixtureWatcher)(nil)
)

// WatchFixture loads path and starts watching it.
func WatchFixture(path string, debounce time.Duration) (*FixtureWatcher, error) {
	src, err := LoadStaticSource(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fixture watcher")
	}
	// editors often replace the file, so watch the directory
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}
	fw := &FixtureWatcher{path: filepath.Clean(path), watcher: w, debounce: debounce, done: make(chan struct{})}
	fw.current.Store(src)
	go fw.loop()
	return fw, nil
}

func (fw *FixtureWatcher) loop() {
	logger := log.With().Str("component", "contextsnap").Str("fixture", fw.path).Logger()
	for {
		select {
		case <-fw.done:
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				fw.schedule()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("fixture watcher error")
		}
	}
}

func (fw *FixtureWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.reload)
}

func (fw *FixtureWatcher) reload() {
	select {
	case <-fw.done:
		return
	default:
	}
	src, err := LoadStaticSource(fw.path)
	if err != nil {
		log.Warn().Err(err).Str("component", "contextsnap").Str("fixture", fw.path).Msg("fixture reload failed, keeping previous")
		return
	}
	fw.current.Store(src)
	fw.reloads.Add(1)
	log.Info().Str("component", "contextsnap").Str("fixture", fw.path).Msg("fixture reloaded")
}

// Reloads reports how many times the fixture was reloaded successfully.
func (fw *FixtureWatcher) Reloads() int64 { return fw.reloads.Load() }

func (fw *FixtureWatcher) Close() error {
	var err error
	fw.closed.Do(func() {
		close(fw.done)
		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FixtureWatcher) Channels(ctx context.Context) ([]Channel, error) {
	return fw.current.Load().Channels(ctx)
}

func (fw *FixtureWatcher) RecentItems(ctx context.Context, scopeID string, limit int) ([]Item, error) {
	return fw.current.Load().RecentItems(ctx, scopeID, limit)
}

func (fw *FixtureWatcher) UserName(ctx context.Context, userID string) (string, error) {
	return fw.current.Load().UserName(ctx, userID)
}

func (fw *FixtureWatcher) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	return fw.current.Load().Search(ctx, query, limit)
}
