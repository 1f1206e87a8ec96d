package policy

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/atomize-hq/substrate/internal/logger"
)

// Watcher reloads a Broker's policy whenever the backing YAML file changes
// on disk, so an operator editing policy.yaml doesn't need to restart the
// daemon for the new rules to take effect.
type Watcher struct {
	fsw    *fsnotify.Watcher
	path   string
	broker *Broker
	done   chan struct{}
}

// Watch starts watching path for writes and reloads broker's policy on each
// one. Call Close to stop.
func Watch(broker *Broker, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", path, err)
	}

	w := &Watcher{fsw: fsw, path: path, broker: broker, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("policy: watch error", "path", w.path, "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		logger.Warn("policy: reload read failed", "path", w.path, "error", err)
		return
	}
	p, err := Load(data)
	if err != nil {
		logger.Warn("policy: reload parse failed", "path", w.path, "error", err)
		return
	}
	w.broker.LoadPolicy(p)
	logger.Info("policy: reloaded", "path", w.path)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
