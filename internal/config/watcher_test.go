package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func routerYAML(backends ...string) string {
	s := "router:\n  backends:\n"
	for _, b := range backends {
		s += "    - \"" + b + "\"\n"
	}
	return s
}

func TestWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "fleet.yaml")

	if err := os.WriteFile(configPath, []byte(routerYAML("http://localhost:8001")), 0644); err != nil {
		t.Fatal(err)
	}

	var (
		changes atomic.Int32
		mu      sync.Mutex
		last    *Config
	)

	watcherConfig := &WatcherConfig{
		DebounceDuration: 100 * time.Millisecond,
		OnChange: func(cfg *Config) error {
			changes.Add(1)
			mu.Lock()
			last = cfg
			mu.Unlock()
			return nil
		},
		OnError: func(err error) {
			t.Errorf("Watcher error: %v", err)
		},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	watcher, err := NewWatcher(configPath, watcherConfig, logger)
	if err != nil {
		t.Fatal(err)
	}
	watcher.Start()
	defer watcher.Stop()

	time.Sleep(200 * time.Millisecond)

	t.Run("FileModification", func(t *testing.T) {
		if err := os.WriteFile(configPath, []byte(routerYAML("http://localhost:8005")), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(400 * time.Millisecond)

		if got := changes.Load(); got != 1 {
			t.Errorf("Expected 1 config change, got %d", got)
		}
		mu.Lock()
		defer mu.Unlock()
		if last == nil || len(last.Router.Backends) != 1 || last.Router.Backends[0] != "http://localhost:8005" {
			t.Errorf("Config not updated correctly: %+v", last)
		}
	})

	t.Run("Debouncing", func(t *testing.T) {
		changes.Store(0)

		for i := 0; i < 3; i++ {
			content := routerYAML("http://localhost:" + strconv.Itoa(8002+i))
			if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			time.Sleep(20 * time.Millisecond)
		}
		time.Sleep(400 * time.Millisecond)

		if got := changes.Load(); got != 1 {
			t.Errorf("Expected 1 config change after debouncing, got %d", got)
		}
	})

	t.Run("AtomicReplace", func(t *testing.T) {
		changes.Store(0)

		tmp := filepath.Join(tmpDir, "fleet.yaml.tmp")
		if err := os.WriteFile(tmp, []byte(routerYAML("http://localhost:8009")), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, configPath); err != nil {
			t.Fatal(err)
		}
		time.Sleep(400 * time.Millisecond)

		if got := changes.Load(); got < 1 {
			t.Errorf("Expected a reload after atomic replace, got %d", got)
		}
		mu.Lock()
		defer mu.Unlock()
		if last.Router.Backends[0] != "http://localhost:8009" {
			t.Errorf("backends = %v, want http://localhost:8009", last.Router.Backends)
		}
	})
}

func TestWatcherValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "fleet.yaml")

	invalidConfig := "orchestrator:\n  ports:\n    base: 9000\n    max: 8000\n"
	if err := os.WriteFile(configPath, []byte(invalidConfig), 0644); err != nil {
		t.Fatal(err)
	}

	var errorCount atomic.Int32
	watcherConfig := &WatcherConfig{
		DebounceDuration: 50 * time.Millisecond,
		OnChange: func(cfg *Config) error {
			t.Error("Should not call OnChange for invalid config")
			return nil
		},
		OnError: func(err error) {
			errorCount.Add(1)
		},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	watcher, err := NewWatcher(configPath, watcherConfig, logger)
	if err != nil {
		t.Fatal(err)
	}
	watcher.Start()
	defer watcher.Stop()

	if err := os.WriteFile(configPath, []byte(invalidConfig+"# comment\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if errorCount.Load() == 0 {
		t.Error("Expected OnError to be called for invalid config")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(configPath, []byte(routerYAML("http://localhost:8001")), 0644); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewWatcher(configPath, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	watcher.Start()

	if err := watcher.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
