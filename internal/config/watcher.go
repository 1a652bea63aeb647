package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period used when none is configured.
const DefaultWatchInterval = 5 * time.Second

// Reload describes an accepted config change.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file for edits. A changed file is parsed and
// validated; an invalid edit is logged and the previous config stays current.
// Edits that leave every setting unchanged (comments, reordering) are
// absorbed without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)

	mu      sync.Mutex
	current *Config
	modTime time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// snapshot is one successful read of the watched file.
type snapshot struct {
	cfg     *Config
	sum     [sha256.Size]byte
	modTime time.Time
}

// NewWatcher loads path and starts polling it. onReload runs on the polling
// goroutine and may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.sum, w.modTime = snap.cfg, snap.sum, snap.modTime

	w.wg.Go(w.loop)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight reload. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if r, ok := w.poll(); ok && w.onReload != nil {
				w.onReload(r)
			}
		}
	}
}

// poll returns the reload to announce, if any.
func (w *Watcher) poll() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return Reload{}, false
	}
	w.mu.Lock()
	same := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if same {
		return Reload{}, false
	}

	snap, err := w.read()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		// Remember the rejected edit so it is reported once.
		w.modTime = info.ModTime()
		slog.Warn("config watcher: edit rejected, keeping previous config", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.modTime = snap.modTime
	if snap.sum == w.sum {
		return Reload{}, false
	}
	w.sum = snap.sum

	d := Diff(w.current, snap.cfg)
	if !d.HasHotChanges() && len(d.RestartRequired) == 0 {
		slog.Debug("config watcher: edit changed no settings", "path", w.path)
		return Reload{}, false
	}
	r := Reload{Old: w.current, New: snap.cfg, Diff: d}
	w.current = snap.cfg
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"hot", d.HasHotChanges(),
		"restart_required", d.RestartRequired,
	)
	return r, true
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), modTime: info.ModTime()}, nil
}
