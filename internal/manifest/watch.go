package manifest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/atomize-hq/substrate/internal/logger"
)

// Cache resolves and caches manifests per path, invalidating entries when
// fsnotify reports the backing file (or a base it depends on, within the
// same watched directory) changed.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Manifest
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// WatchDir builds a Cache watching every *.yaml/*.yml file directly under
// dir for changes.
func WatchDir(dir string) (*Cache, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("manifest: watch %s: %w", dir, err)
	}

	c := &Cache{
		entries: make(map[string]*Manifest),
		fsw:     fsw,
		done:    make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func (c *Cache) loop() {
	for {
		select {
		case event, ok := <-c.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
				continue
			}
			c.invalidate(event.Name)
		case err, ok := <-c.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("manifest: watch error", "error", err)
		case <-c.done:
			return
		}
	}
}

func (c *Cache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[path]; ok {
		delete(c.entries, path)
		logger.Info("manifest: cache invalidated", "path", path)
		return
	}
	// A changed base file invalidates every manifest resolved through it;
	// the cache has no dependency graph, so drop everything conservatively.
	c.entries = make(map[string]*Manifest)
}

// Resolve returns the cached manifest for path, loading and caching it on a
// miss.
func (c *Cache) Resolve(path string) (*Manifest, error) {
	c.mu.RLock()
	if m, ok := c.entries[path]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	m, err := Load(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[path] = m
	c.mu.Unlock()
	return m, nil
}

// Close stops watching.
func (c *Cache) Close() error {
	close(c.done)
	return c.fsw.Close()
}
