package doctor

import (
	"context"
	"net"
	"testing"

	"github.com/basket/go-claw-gateway/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.Path = cfg.HomeDir + "/gateway.yaml"
	cfg.Auth.Token = "secret"
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func TestRun_HealthyConfig(t *testing.T) {
	d := Run(context.Background(), testConfig(t), "test")
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestCheckBind_TokenModeWithoutToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Token = ""
	if got := checkBind(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckBind_NoneOnPublicAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Mode = "none"
	cfg.BindAddr = "0.0.0.0:18789"
	if got := checkBind(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckListener_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if got := checkListener(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("expected WARN for busy port, got %+v", got)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	for _, check := range []func(context.Context, *config.Config) CheckResult{
		checkBind, checkDatabase, checkPermissions, checkListener, checkBridge,
	} {
		if got := check(context.Background(), nil); got.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", got.Name, got.Status)
		}
	}
	if got := checkConfig(context.Background(), nil); got.Status != StatusFail {
		t.Fatalf("config: expected FAIL for nil config, got %s", got.Status)
	}
}
