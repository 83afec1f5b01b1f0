package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// ConfigChangeCallback receives the configuration before and after a reload.
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// Watcher reloads a configuration file when it changes. Only the tunable
// parts of a reloaded configuration are expected to take effect; node
// identity and transport settings are read once at startup.
type Watcher struct {
	path     string
	loader   *Loader
	debounce time.Duration
	notify   *fsnotify.Watcher

	mu        sync.RWMutex
	current   *Config
	listeners []ConfigChangeCallback

	reloads atomic.Uint64
	done    chan struct{}
	stopped sync.Once
	loop    sync.WaitGroup
}

// NewWatcher loads path once and prepares to follow it.
func NewWatcher(path string, loader *Loader) (*Watcher, error) {
	if _, err := formatOf(path); err != nil {
		return nil, err
	}
	initial, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		loader:   loader,
		debounce: DefaultDebounce,
		notify:   notify,
		current:  initial,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the settle delay. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start follows the file's directory so that editors replacing the file
// are still seen.
func (w *Watcher) Start() error {
	if err := w.notify.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}
	w.loop.Add(1)
	go w.run()
	return nil
}

// Stop ends the watch. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopped.Do(func() {
		close(w.done)
		err = w.notify.Close()
		w.loop.Wait()
	})
	return err
}

// GetConfig returns the last configuration that loaded successfully.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnConfigChange adds a listener. Listeners run on the watcher goroutine
// in registration order.
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.mu.Lock()
	w.listeners = append(w.listeners, callback)
	w.mu.Unlock()
}

// Reloads returns how many reloads have succeeded.
func (w *Watcher) Reloads() uint64 {
	return w.reloads.Load()
}

// Reload re-reads the file now. On error the current configuration stays.
func (w *Watcher) Reload() error {
	next, err := w.loader.LoadFromFile(w.path)
	if err != nil {
		return fmt.Errorf("reload %s: %w", w.path, err)
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	listeners := append([]ConfigChangeCallback(nil), w.listeners...)
	w.mu.Unlock()

	w.reloads.Inc()
	log.WithField("file", w.path).Info("configuration reloaded")
	for _, fn := range listeners {
		w.call(fn, prev, next)
	}
	return nil
}

func (w *Watcher) call(fn ConfigChangeCallback, prev, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("config listener panicked")
		}
	}()
	fn(prev, next)
}

// relevant reports whether ev touches the watched file's content.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}

func (w *Watcher) run() {
	defer w.loop.Done()

	// settle is nil while no reload is pending
	var settle <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.notify.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			settle = timer.C
		case <-settle:
			settle = nil
			if err := w.Reload(); err != nil {
				log.WithError(err).Warn("keeping previous configuration")
			}
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}
