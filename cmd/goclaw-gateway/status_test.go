package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_ExplicitConfigPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	setTestConfig(t, "127.0.0.1:1")
	other := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, other, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), []string{"--config", other}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18789")

	if code := runStatusCommand(ctx, nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestHealthURL(t *testing.T) {
	tests := map[string]string{
		"":                      "http://127.0.0.1:18789/healthz",
		"127.0.0.1:9000":        "http://127.0.0.1:9000/healthz",
		"0.0.0.0:9000":          "http://127.0.0.1:9000/healthz",
		":9000":                 "http://127.0.0.1:9000/healthz",
		"[::]:9000":             "http://[::1]:9000/healthz",
		"http://gw.local:9000/": "http://gw.local:9000/healthz",
	}
	for in, want := range tests {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// setTestConfig writes a minimal gateway.yaml to a temp home and points
// GOCLAW_GATEWAY_HOME at it.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GOCLAW_GATEWAY_HOME", home)
	writeConfig(t, filepath.Join(home, "gateway.yaml"), addr)
}

func writeConfig(t *testing.T, path, addr string) {
	t.Helper()
	yaml := "bind_addr: \"" + addr + "\"\nauth:\n  mode: token\n  token: test-token\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
