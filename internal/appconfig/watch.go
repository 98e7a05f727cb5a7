package appconfig

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

const watchDebounce = 100 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(Config, error)
	log      pslog.Logger

	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// Watch starts watching path. onChange runs on the watcher goroutine with the
// reloaded config, or the load error, after each burst of writes settles.
// The parent directory is watched so editors that replace the file are seen.
func Watch(ctx context.Context, path string, onChange func(Config, error)) (*Watcher, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		fsw:      fsw,
		onChange: onChange,
		log:      pslog.Ctx(ctx),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	w.log.Debug("config watch started", "path", abs)
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "err", err)
		case <-fire:
			fire = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed", "path", w.path, "err", err)
			} else {
				w.log.Info("config reloaded", "path", w.path, "scripts", len(cfg.Scripts))
			}
			if w.onChange != nil {
				w.onChange(cfg, err)
			}
		}
	}
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closeCh)
		<-w.done
		err = w.fsw.Close()
	})
	return err
}
