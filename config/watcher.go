package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/linchenxuan/realtinet/log"
)

// Watcher reloads the application file when it changes on disk and applies the new
// log level. Other settings need a restart; callbacks registered with OnReload see every
// successfully parsed version.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	current  *Config
	onReload []func(*Config)

	stop chan struct{}
	done chan struct{}
}

// Watch starts watching the file cfg was loaded from.
func Watch(cfg *Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: config was not loaded from a file", ErrReadFile)
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory and filter by name.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		current: cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// OnReload registers fn to run on the watcher goroutine after each reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	select {
	case <-w.stop:
		return nil
	default:
	}
	close(w.stop)
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Str("path", w.path).Err(err).Msg("config watcher error")
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	// Writers may truncate before writing; the next event brings the full file.
	if fi, err := os.Stat(w.path); err != nil || fi.Size() == 0 {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Str("path", w.path).Err(err).Msg("config reload skipped")
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	fns := append([]func(*Config){}, w.onReload...)
	w.mu.Unlock()

	if old == nil || old.Log.LogLevel != cfg.Log.LogLevel {
		log.SetLevel(cfg.Log.LogLevel)
		log.Info().Str("path", w.path).Stringer("level", cfg.Log.LogLevel).Msg("log level reloaded")
	}
	for _, fn := range fns {
		fn(cfg)
	}
}
