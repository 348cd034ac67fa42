package classifier

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"apwall/pkg/logging"
)

// Watcher serves the active policy and reloads it when its file changes. A
// file that fails to parse leaves the previous policy in place.
type Watcher struct {
	path     string
	current  atomic.Pointer[Policy]
	log      zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	onReload func(Policy)
}

// NewWatcher loads the policy at path. An empty path serves DefaultPolicy
// and never reloads.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     path,
		log:      logging.Component(logger, "policy"),
		debounce: 250 * time.Millisecond,
	}
	w.current.Store(&p)
	return w, nil
}

// StaticPolicy wraps a fixed policy.
func StaticPolicy(p Policy) *Watcher {
	w := &Watcher{log: zerolog.Nop()}
	w.current.Store(&p)
	return w
}

func (w *Watcher) Current() Policy {
	return *w.current.Load()
}

// OnReload registers fn to run after each successful reload.
func (w *Watcher) OnReload(fn func(Policy)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Reload re-reads the policy file and swaps it in.
func (w *Watcher) Reload() error {
	p, err := LoadPolicy(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("policy reload failed, keeping previous policy")
		return err
	}
	w.current.Store(&p)
	w.log.Info().Str("path", w.path).Msg("policy reloaded")
	w.mu.Lock()
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return nil
}

// Start watches the policy file's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()
	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { _ = w.Reload() })
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("policy watcher error")
		case <-ctx.Done():
			return
		}
	}
}
