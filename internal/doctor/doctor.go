// Package doctor runs local preflight checks for the gateway: config,
// bind safety, database, home directory and listener ports.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/config"
	"github.com/basket/go-claw-gateway/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkBind,
		checkDatabase,
		checkPermissions,
		checkListener,
		checkBridge,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No gateway.yaml yet, using defaults", Detail: cfg.Path}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.Path), Detail: cfg.Fingerprint()}
}

func checkBind(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	err := auth.CheckBind(cfg.BindAddr, auth.Config{
		Mode:         cfg.Auth.Mode,
		Token:        cfg.Auth.Token,
		Password:     cfg.Auth.Password,
		PasswordHash: cfg.Auth.PasswordHash,
	})
	if err != nil {
		return CheckResult{Name: "Auth", Status: StatusFail, Message: err.Error()}
	}
	res := CheckResult{Name: "Auth", Status: StatusPass, Message: fmt.Sprintf("mode %s on %s", cfg.Auth.Mode, cfg.BindAddr)}
	if !auth.IsLoopbackBind(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		res.Status = StatusWarn
		res.Detail = "allow_origins is empty; browsers on other origins will be rejected"
	}
	return res
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	path := persistence.DefaultDBPath(cfg.HomeDir)
	store, err := persistence.Open(path, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, 1000)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: path}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d sessions", len(sessions)), Detail: path}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkListener(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	return probePort("Listener", cfg.BindAddr)
}

func checkBridge(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Bridge.Enabled {
		return CheckResult{Name: "Bridge", Status: StatusSkip, Message: "Bridge disabled"}
	}
	return probePort("Bridge", cfg.Bridge.BindAddr)
}

// probePort reports whether addr can be bound. A port already in use is
// only a warning: it is usually a running gateway.
func probePort(name, addr string) CheckResult {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return CheckResult{Name: name, Status: StatusWarn, Message: fmt.Sprintf("%s not bindable", addr), Detail: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s available", addr)}
}
