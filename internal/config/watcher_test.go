package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw-gateway/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	path := config.ConfigPath(homeDir)
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Unrelated files in the same directory are ignored.
	_ = os.WriteFile(filepath.Join(homeDir, "other.txt"), []byte("x"), 0o600)

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write updated config: %v", err)
	}
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != config.FileName {
				t.Fatalf("expected %s event, got %s", config.FileName, ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(path, []byte("log_level: debug\n"), 0o600)
		case <-deadline:
			t.Fatalf("timed out waiting for config change event")
		}
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(config.ConfigPath(homeDir), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A stray event is possible; the channel must still close.
			<-w.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
