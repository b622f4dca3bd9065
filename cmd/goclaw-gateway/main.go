package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/go-claw-gateway/internal/audit"
	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/config"
	"github.com/basket/go-claw-gateway/internal/gateway"
	"github.com/basket/go-claw-gateway/internal/otel"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/telemetry"
)

// Version and Commit are set via ldflags at build time:
// -ldflags "-X main.Version=... -X main.Commit=..."
var (
	Version = "v0.1-dev"
	Commit  = ""
)

const shutdownTimeout = 5 * time.Second

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	name := os.Args[0]
	fmt.Fprintf(w, `Usage of %s:

  %s [flags]                  Run the gateway (default)
  %s run [flags]              Same as above
  %s status [--config path]   Probe the running gateway's /healthz
  %s doctor [--json]          Run local diagnostic checks
  %s help                     Show this help

FLAGS:
`, name, name, name, name, name, name)
	if fs != nil {
		fs.SetOutput(w)
		fs.PrintDefaults()
	}
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  GOCLAW_GATEWAY_HOME         Data directory (default: ~/.goclaw-gateway)
  GOCLAW_GATEWAY_BIND         WebSocket listen address
  GOCLAW_GATEWAY_BRIDGE_BIND  Bridge listen address (enables the bridge)
  GOCLAW_GATEWAY_AUTH_MODE    none, token or password
  GOCLAW_GATEWAY_TOKEN        Shared token for auth mode token
  GOCLAW_GATEWAY_PASSWORD     Password for auth mode password
  GOCLAW_LOG_LEVEL            debug, info, warn or error
`)
}

// runOptions holds the flags accepted by the run command.
type runOptions struct {
	ConfigPath string
	Bind       string
	BridgeBind string
	LogLevel   string
	Quiet      bool
	Version    bool
}

func newRunFlagSet(opts *runOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("goclaw-gateway", pflag.ContinueOnError)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "path to gateway.yaml (default $GOCLAW_GATEWAY_HOME/gateway.yaml)")
	fs.StringVar(&opts.Bind, "bind", "", "WebSocket listen address, overrides bind_addr")
	fs.StringVar(&opts.BridgeBind, "bridge-bind", "", "bridge listen address; setting it enables the bridge")
	fs.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVarP(&opts.Quiet, "quiet", "q", false, "log to the file only")
	fs.BoolVar(&opts.Version, "version", false, "print the version and exit")
	return fs
}

// parseRunFlags parses run flags. For -h/--help the usage is written to
// stderr and pflag.ErrHelp returned.
func parseRunFlags(args []string, stderr io.Writer) (runOptions, error) {
	var opts runOptions
	fs := newRunFlagSet(&opts)
	fs.SetOutput(io.Discard)
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

// loadConfig reads path, or the default location when path is empty.
func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// applyFlagOverrides layers command-line flags over file and environment
// settings.
func applyFlagOverrides(cfg *config.Config, opts runOptions) {
	if opts.Bind != "" {
		cfg.BindAddr = opts.Bind
	}
	if opts.BridgeBind != "" {
		cfg.Bridge.BindAddr = opts.BridgeBind
		cfg.Bridge.Enabled = true
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(opts.LogLevel)
	}
}

// bootstrapConfig writes a first gateway.yaml with a generated token so a
// fresh install starts in token mode on loopback.
func bootstrapConfig(cfg *config.Config) (bool, error) {
	if !cfg.NeedsInit || cfg.Auth.Mode != "token" || cfg.Auth.Token != "" {
		return false, nil
	}
	token, err := generateToken()
	if err != nil {
		return false, err
	}
	cfg.Auth.Token = token
	if err := config.Save(*cfg); err != nil {
		return false, fmt.Errorf("write %s: %w", config.FileName, err)
	}
	cfg.NeedsInit = false
	return true, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func main() {
	args := os.Args[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help":
			var opts runOptions
			printUsage(os.Stdout, newRunFlagSet(&opts))
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "run":
			args = args[1:]
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (see %s help)\n", args[0], os.Args[0])
			os.Exit(2)
		}
	}

	opts, err := parseRunFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.Version {
		fmt.Printf("goclaw-gateway %s %s (protocol %d)\n", Version, Commit, protocol.ProtocolVersion)
		return
	}
	os.Exit(runGateway(ctx, opts))
}

func runGateway(ctx context.Context, opts runOptions) int {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	applyFlagOverrides(&cfg, opts)

	// Audit only needs the home directory, so it is up before the logger
	// and logger failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	tl, err := telemetry.NewLogger(telemetry.Options{
		HomeDir: cfg.HomeDir,
		Level:   cfg.LogLevel,
		Quiet:   opts.Quiet,
	})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer tl.Close()
	logger := tl.Logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "path", cfg.Path, "fingerprint", cfg.Fingerprint())

	created, err := bootstrapConfig(&cfg)
	if err != nil {
		fatalStartup(logger, "E_CONFIG_WRITE", err)
	}
	if created {
		logger.Info("wrote initial config with a generated token", "path", cfg.Path)
	}

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	eventBus := bus.New()
	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	srv, err := gateway.New(gateway.Config{
		Settings: cfg,
		Store:    store,
		Bus:      eventBus,
		Logger:   logger,
		OTel:     provider,
		Version:  Version,
		Commit:   Commit,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_CONFIG", err)
	}
	if err := srv.Start(ctx); err != nil {
		if isAddrInUse(err) {
			logger.Error("listen address in use", "hint", portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger, "E_GATEWAY_LISTEN", err)
	}
	logger.Info("startup phase", "phase", "listening", "addr", srv.Addr().String())
	if addr := srv.BridgeAddr(); addr != nil {
		logger.Info("startup phase", "phase", "bridge_listening", "addr", addr.String())
	}

	watcher := config.NewWatcher(cfg.Path, logger.With("component", "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go srv.WatchConfig(ctx, watcher)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Close(closeCtx, gateway.CloseOptions{Reason: "shutdown"}); err != nil {
		logger.Error("gateway shutdown", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Entry{Decision: "fatal", Action: "runtime.startup", Reason: reasonCode + ": " + message})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in %s.", addr, config.FileName)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if pids := strings.TrimSpace(string(out)); err == nil && pids != "" {
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or pass --bind.", port)
}

var execCommandFunc = exec.Command
