package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCacheInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.yaml")
	if err := os.WriteFile(path, []byte("env: [\"A=1\"]\n"), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	cache, err := WatchDir(dir)
	if err != nil {
		t.Fatalf("watch dir: %v", err)
	}
	defer cache.Close()

	m, err := cache.Resolve(path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(m.Env) != 1 || m.Env[0] != "A=1" {
		t.Fatalf("unexpected env: %v", m.Env)
	}

	if err := os.WriteFile(path, []byte("env: [\"A=2\"]\n"), 0644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := cache.Resolve(path)
		if err != nil {
			t.Fatalf("resolve after write: %v", err)
		}
		if len(m.Env) == 1 && m.Env[0] == "A=2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cache did not invalidate after manifest write")
}
