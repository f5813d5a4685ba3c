package config

import (
	"context"

	"commune/internal/events"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch reloads the config file on write events and publishes
// events.TopicConfigUpdated with the freshly loaded Config. Mirrors the
// teacher's config_watcher.go hot-reload idiom. Returns a stop function.
func Watch(cfg *Config, hub *events.Hub) (func(), error) {
	if cfg.Path() == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(cfg.Path()); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load(cfg.Path())
				if err != nil {
					log.WithError(err).Warn("config reload failed, keeping previous config")
					continue
				}
				hub.Publish(context.Background(), events.TopicConfigUpdated, reloaded, nil)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
