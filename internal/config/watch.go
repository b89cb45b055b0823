package config

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/phamanh/gemini-bridge/internal/logging"
)

// Store holds the current configuration behind an atomic pointer so request
// handlers always see a complete, immutable snapshot.
type Store struct {
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
}

func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the active configuration snapshot.
func (s *Store) Current() *Config { return s.current.Load() }

// Watch reloads the file on change. Invalid edits keep the previous
// snapshot. onReload may be nil.
func (s *Store) Watch(path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		// Editors fire bursts of events per save; debounce them.
		var pending *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					s.reload(path, onReload)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}

func (s *Store) reload(path string, onReload func(*Config)) {
	cfg, err := LoadConfig(path)
	if err != nil {
		log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return
	}
	ApplyEnvOverrides(cfg)
	s.current.Store(cfg)
	log.Infof("configuration reloaded from %s", path)
	if onReload != nil {
		onReload(cfg)
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
