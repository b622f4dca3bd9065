// Package gateway is the WebSocket control plane. The Server owns every
// client connection, the global event sequence and the presence and health
// counters, and relays selected events to bridge nodes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/bridge"
	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/config"
	"github.com/basket/go-claw-gateway/internal/cron"
	"github.com/basket/go-claw-gateway/internal/dedupe"
	"github.com/basket/go-claw-gateway/internal/methods"
	"github.com/basket/go-claw-gateway/internal/otel"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/presence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/runs"
)

// Close codes.
const (
	CloseProtocolMismatch = websocket.StatusProtocolError   // 1002
	ClosePolicyViolation  = websocket.StatusPolicyViolation // 1008
	CloseServiceRestart   = websocket.StatusServiceRestart  // 1012
	CloseSlowConsumer     = websocket.StatusTryAgainLater   // 1013
)

// Config wires a Server. Settings is the loaded gateway.yaml; Runtime and
// Resolver may be nil.
type Config struct {
	Settings config.Config
	Store    *persistence.Store
	Bus      *bus.Bus
	Runtime  methods.AgentRuntime
	Resolver bridge.NodeResolver
	Logger   *slog.Logger
	OTel     *otel.Provider

	Version string
	Commit  string
}

// CloseOptions describe a shutdown to connected clients.
type CloseOptions struct {
	Reason            string
	RestartExpectedMs int64
}

type Server struct {
	cfgMu    sync.RWMutex
	settings config.Config

	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	auth     *auth.Negotiator
	router   *methods.Router
	builtins *methods.Builtins
	dedupe   *dedupe.Cache
	presence *presence.Registry
	runs     *runs.Tracker
	subs     *bridge.Subscriptions
	bridge   *bridge.Server
	sched    *cron.Scheduler
	upgrades *UpgradeLimiter

	version   string
	commit    string
	host      string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the connection set, the global sequence and closing. It is
	// held while frames are enqueued so every client sees seq in order.
	mu      sync.Mutex
	conns   map[string]*conn
	seq     int64
	closing bool

	healthMu      sync.Mutex
	health        HealthSnapshot
	healthVersion int64
	healthFresh   bool

	hbMu              sync.Mutex
	lastHeartbeat     *bus.HeartbeatEvent
	heartbeatsEnabled bool

	ln       net.Listener
	httpSrv  *http.Server
	busSub   *bus.Subscription
	connWG   sync.WaitGroup
	loopWG   sync.WaitGroup
	started  bool
	closeErr error
	closed   sync.Once
}

// New validates the configuration and builds an unstarted server. Unsafe
// bind and auth combinations fail here, before any listener is opened.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: store required")
	}
	settings := cfg.Settings
	if settings.BindAddr == "" {
		settings.BindAddr = config.DefaultBindAddr
	}
	authCfg := authConfig(settings.Auth)
	if err := auth.CheckBind(settings.BindAddr, authCfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	provider := cfg.OTel
	if provider == nil {
		provider = otel.Noop()
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("gateway metrics: %w", err)
	}
	negotiator, err := auth.NewNegotiator(authCfg, cfg.Store, logger.With("component", "auth"))
	if err != nil {
		return nil, err
	}
	eventBus := cfg.Bus
	if eventBus == nil {
		eventBus = bus.New()
	}
	host, _ := os.Hostname()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		settings:          settings,
		store:             cfg.Store,
		bus:               eventBus,
		logger:            logger,
		tracer:            provider.Tracer,
		metrics:           metrics,
		auth:              negotiator,
		router:            methods.NewRouter(),
		dedupe:            dedupe.New(dedupe.Options{TTL: settings.Limits.DedupeTTL(), MaxEntries: settings.Limits.DedupeMaxEntries}),
		sched:             cron.NewScheduler(logger),
		upgrades:          NewUpgradeLimiter(upgradesPerMinute, upgradeBurst),
		version:           cfg.Version,
		commit:            cfg.Commit,
		host:              host,
		startedAt:         time.Now(),
		ctx:               ctx,
		cancel:            cancel,
		conns:             make(map[string]*conn),
		healthVersion:     1,
		heartbeatsEnabled: true,
	}
	s.presence = presence.New(presence.Options{OnChange: s.onPresenceChange})
	s.runs = runs.New(runs.Options{
		Lookup: cfg.Store,
		OnGap:  s.onSeqGap,
		Logger: logger.With("component", "runs"),
	})
	s.subs = bridge.NewSubscriptions(nil, logger.With("component", "bridge"))
	s.subs.SetFailureHook(func(nodeID, _ string, _ error) {
		s.metrics.RelayFailed(s.ctx, nodeID)
	})

	var nodes methods.Nodes
	if settings.Bridge.Enabled {
		s.bridge = bridge.NewServer(bridge.ServerConfig{
			Addr:    settings.Bridge.BindAddr,
			Handler: s,
			Logger:  logger.With("component", "bridge"),
		})
		nodes = s.bridge
	}

	s.builtins = methods.Register(s.router, methods.Deps{
		Host:      s,
		Store:     cfg.Store,
		Runtime:   cfg.Runtime,
		Runs:      s.runs,
		Dedupe:    s.dedupe,
		Presence:  s.presence,
		Nodes:     nodes,
		Resolver:  cfg.Resolver,
		Voicewake: settings.Voicewake.Triggers,
		Logger:    logger,
	})
	return s, nil
}

func authConfig(c config.AuthConfig) auth.Config {
	return auth.Config{
		Mode:                c.Mode,
		Token:               c.Token,
		Password:            c.Password,
		PasswordHash:        c.PasswordHash,
		AllowTrustedNetwork: c.AllowTailscale,
		TrustedProxies:      c.TrustedProxies,
		TrustedUserHeader:   c.TrustedUserHeader,
	}
}

// Start opens the WebSocket listener (and the bridge listener when
// enabled), subscribes to the event bus and starts the periodic tasks.
func (s *Server) Start(ctx context.Context) error {
	settings := s.currentSettings()
	ln, err := net.Listen("tcp", settings.BindAddr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", settings.BindAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.started || s.closing {
		s.mu.Unlock()
		return errors.New("gateway: already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.bridge != nil {
		if err := s.bridge.Start(s.ctx); err != nil {
			_ = ln.Close()
			return err
		}
		s.subs.SetSender(s.bridge)
	}

	if _, err := methods.LoadTriggers(ctx, s.store, s.currentSettings().Voicewake.Triggers); err != nil {
		s.logger.Warn("voicewake: load triggers", "error", err)
	}

	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway http server stopped", "error", err)
		}
	}()

	s.busSub = s.bus.SubscribeBuffered("", 1024)
	s.loopWG.Add(1)
	go s.consumeBus(s.busSub)

	if err := s.registerMaintenance(); err != nil {
		return err
	}
	s.sched.Start()
	s.refreshHealth(ctx, false)

	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "auth_mode", s.auth.Mode())
	return nil
}

// Addr returns the bound WebSocket address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// BridgeAddr returns the bound bridge address, or nil when disabled.
func (s *Server) BridgeAddr() net.Addr {
	if s.bridge == nil {
		return nil
	}
	return s.bridge.Addr()
}

// Close broadcasts shutdown, stops periodic tasks, closes every socket with
// 1012 and waits for the listeners. Safe to call more than once.
func (s *Server) Close(ctx context.Context, opts CloseOptions) error {
	s.closed.Do(func() {
		s.closeErr = s.shutdown(ctx, opts)
	})
	return s.closeErr
}

func (s *Server) shutdown(ctx context.Context, opts CloseOptions) error {
	if opts.Reason == "" {
		opts.Reason = "gateway stopping"
	}
	s.Broadcast(protocol.EventShutdown, protocol.ShutdownPayload{
		Reason:            opts.Reason,
		RestartExpectedMs: opts.RestartExpectedMs,
	}, BroadcastOptions{})

	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	if err := s.sched.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	for _, c := range conns {
		c.closeWith(CloseServiceRestart, "service restart", true)
	}
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge: %w", err))
		}
	}
	s.subs.Clear()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.busSub != nil {
		s.bus.Unsubscribe(s.busSub)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for connections: %w", ctx.Err()))
	}
	s.logger.Info("gateway stopped", "reason", opts.Reason)
	return errors.Join(errs...)
}

// Context is cancelled when the server closes.
func (s *Server) Context() context.Context {
	return s.ctx
}

// Metrics exposes the counters, mainly for tests and the status method.
func (s *Server) Metrics() *otel.Metrics {
	return s.metrics
}

// Presence exposes the presence registry.
func (s *Server) Presence() *presence.Registry {
	return s.presence
}

// Runs exposes the run tracker.
func (s *Server) Runs() *runs.Tracker {
	return s.runs
}

// Subscriptions exposes the bridge subscription map.
func (s *Server) Subscriptions() *bridge.Subscriptions {
	return s.subs
}

// Seq returns the last global event sequence number.
func (s *Server) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Server) currentSettings() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.settings
}

func (s *Server) uptime() time.Duration {
	return time.Since(s.startedAt)
}
