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

// ChangeFunc receives a reloaded config together with what changed.
type ChangeFunc func(old, new *Config, d Diff)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// snapshot is one successfully validated read of the config file.
type snapshot struct {
	cfg  *Config
	sum  [sha256.Size]byte
	mod  time.Time
	size int64
}

// Watcher polls a config file and reports valid changes. An edit that fails
// to parse or validate is logged and the previous config stays current.
// Touching the file without changing its content is not reported.
type Watcher struct {
	path     string
	every    time.Duration
	onChange ChangeFunc

	mu   sync.Mutex
	last snapshot

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// NewWatcher reads path once and then polls it until [Watcher.Stop]. It
// fails when the initial read is invalid.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, every: DefaultWatchInterval, onChange: onChange, stop: make(chan struct{})}
	for _, o := range opts {
		o(w)
	}
	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.last = snap
	go w.loop()
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if old, next, ok := w.reload(); ok {
				w.report(old, next)
			}
		}
	}
}

// reload rereads the file when its metadata moved and returns the previous
// and new config when the content changed.
func (w *Watcher) reload() (old, next *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	same := info.ModTime().Equal(w.last.mod) && info.Size() == w.last.size
	w.mu.Unlock()
	if same {
		return nil, nil, false
	}

	snap, err := readSnapshot(w.path)
	if err != nil {
		slog.Warn("config: ignoring invalid edit", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	old = w.last.cfg
	contentSame := snap.sum == w.last.sum
	if contentSame {
		snap.cfg = old
	}
	w.last = snap
	return old, snap.cfg, !contentSame
}

func (w *Watcher) report(old, next *Config) {
	d := Compare(old, next)
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"session_changed", d.SessionChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, next, d)
	}
}

func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mod: info.ModTime(), size: info.Size()}, nil
}
