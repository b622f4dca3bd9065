package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-claw-gateway/internal/protocol"
)

const (
	defaultHelloTimeout = 10 * time.Second
	defaultIdleTimeout  = 90 * time.Second
	defaultQueueSize    = 256
	writeTimeout        = 10 * time.Second
)

// ServerConfig configures the TCP bridge transport.
type ServerConfig struct {
	Addr         string
	Handler      Handler
	Logger       *slog.Logger
	HelloTimeout time.Duration
	IdleTimeout  time.Duration
	QueueSize    int
}

// Server accepts node connections. Each node gets a bounded outbound queue
// drained by its own writer goroutine, so a slow node never blocks senders.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*nodeSession
	closed   bool
}

type nodeSession struct {
	info NodeInfo
	conn net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan Response
}

// NewServer creates an unstarted bridge transport.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*nodeSession),
	}
}

// Start binds the listener and begins accepting nodes.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Handler == nil {
		return errors.New("bridge: handler required")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("bridge listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, disconnects every node and waits for all
// connection goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*nodeSession, 0, len(s.sessions))
	for _, ns := range s.sessions {
		sessions = append(sessions, ns)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, ns := range sessions {
		ns.close()
	}
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// SendEvent enqueues an event for one node without blocking.
func (s *Server) SendEvent(nodeID, event string, payloadJSON []byte) error {
	ns := s.session(nodeID)
	if ns == nil {
		return ErrNodeNotConnected
	}
	b, err := Marshal(Frame{Kind: KindEvent, Event: event, Payload: payloadJSON})
	if err != nil {
		return err
	}
	return ns.enqueue(b)
}

// ListConnected returns the authenticated nodes sorted by id.
func (s *Server) ListConnected() []NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeInfo, 0, len(s.sessions))
	for _, ns := range s.sessions {
		out = append(out, ns.info)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out
}

// Invoke sends a request to a node and waits for its response.
func (s *Server) Invoke(ctx context.Context, nodeID, method string, paramsJSON []byte) (Response, error) {
	ns := s.session(nodeID)
	if ns == nil {
		return Response{}, ErrNodeNotConnected
	}
	id := uuid.NewString()
	ch := make(chan Response, 1)
	ns.pendingMu.Lock()
	ns.pending[id] = ch
	ns.pendingMu.Unlock()
	defer func() {
		ns.pendingMu.Lock()
		delete(ns.pending, id)
		ns.pendingMu.Unlock()
	}()

	b, err := Marshal(Frame{Kind: KindRequest, ID: id, Method: method, Payload: paramsJSON})
	if err != nil {
		return Response{}, err
	}
	if err := ns.enqueue(b); err != nil {
		return Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ns.done:
		return Response{}, ErrNodeNotConnected
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (s *Server) session(nodeID string) *nodeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[strings.TrimSpace(nodeID)]
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("bridge accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	dec := NewDecoder(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	var hello Frame
	if err := dec.Decode(&hello); err != nil {
		s.logger.Debug("bridge hello read failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	hello.NodeID = strings.TrimSpace(hello.NodeID)
	if hello.Kind != KindHello || hello.NodeID == "" {
		s.rejectConn(conn, protocol.InvalidRequest("expected hello with nodeId"))
		return
	}

	remoteIP := remoteHost(conn.RemoteAddr())
	if err := s.cfg.Handler.AuthenticateNode(s.ctx, Hello{
		NodeID:          hello.NodeID,
		Token:           hello.Token,
		DisplayName:     hello.DisplayName,
		Platform:        hello.Platform,
		Version:         hello.Version,
		DeviceFamily:    hello.DeviceFamily,
		ModelIdentifier: hello.ModelIdentifier,
		Caps:            hello.Caps,
		RemoteIP:        remoteIP,
	}); err != nil {
		s.logger.Warn("bridge node rejected", "node_id", hello.NodeID, "remote", remoteIP, "error", err)
		s.rejectConn(conn, protocol.AsErrorShape(err))
		return
	}

	ns := &nodeSession{
		info: NodeInfo{
			NodeID:          hello.NodeID,
			DisplayName:     hello.DisplayName,
			Platform:        hello.Platform,
			Version:         hello.Version,
			DeviceFamily:    hello.DeviceFamily,
			ModelIdentifier: hello.ModelIdentifier,
			RemoteIP:        remoteIP,
			Caps:            slices.Clone(hello.Caps),
			ConnectedAt:     time.Now().UTC(),
		},
		conn:    conn,
		out:     make(chan []byte, s.cfg.QueueSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan Response),
	}
	// hello-ok is queued before the session becomes visible to senders.
	if b, err := Marshal(Frame{Kind: KindHelloOK, NodeID: ns.info.NodeID}); err == nil {
		_ = ns.enqueue(b)
	}
	if !s.register(ns) {
		_ = conn.Close()
		return
	}

	s.wg.Add(1)
	go s.writeLoop(ns)

	s.logger.Info("bridge node connected", "node_id", ns.info.NodeID, "platform", ns.info.Platform, "remote", remoteIP)
	s.cfg.Handler.NodeAuthenticated(ns.info)

	s.readLoop(ns, dec)

	ns.close()
	if s.unregister(ns) {
		s.logger.Info("bridge node disconnected", "node_id", ns.info.NodeID)
		s.cfg.Handler.NodeDisconnected(ns.info)
	}
}

func (s *Server) readLoop(ns *nodeSession, dec interface{ Decode(any) error }) {
	nodeID := ns.info.NodeID
	for {
		_ = ns.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		var f Frame
		if err := dec.Decode(&f); err != nil {
			select {
			case <-ns.done:
			default:
				s.logger.Debug("bridge read ended", "node_id", nodeID, "error", err)
			}
			return
		}
		switch f.Kind {
		case KindPing:
			if b, err := Marshal(Frame{Kind: KindPong, ID: f.ID}); err == nil {
				_ = ns.enqueue(b)
			}
		case KindRequest:
			req := Request{ID: f.ID, Method: f.Method, ParamsJSON: f.Payload}
			go func() {
				resp := s.cfg.Handler.NodeRequest(s.ctx, nodeID, req)
				b, err := Marshal(Frame{
					Kind:    KindResult,
					ID:      req.ID,
					OK:      resp.OK,
					Payload: resp.PayloadJSON,
					Code:    resp.Code,
					Message: resp.Message,
				})
				if err != nil {
					s.logger.Warn("bridge encode response", "node_id", nodeID, "error", err)
					return
				}
				if err := ns.enqueue(b); err != nil {
					s.logger.Debug("bridge response dropped", "node_id", nodeID, "error", err)
				}
			}()
		case KindResult:
			ns.resolve(f.ID, Response{OK: f.OK, PayloadJSON: f.Payload, Code: f.Code, Message: f.Message})
		case KindEvent:
			s.cfg.Handler.NodeEvent(s.ctx, nodeID, Event{Event: f.Event, PayloadJSON: f.Payload})
		default:
			s.logger.Debug("bridge unknown frame", "node_id", nodeID, "kind", f.Kind)
		}
	}
}

func (s *Server) writeLoop(ns *nodeSession) {
	defer s.wg.Done()
	for {
		select {
		case <-ns.done:
			return
		case b := <-ns.out:
			_ = ns.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := ns.conn.Write(b); err != nil {
				s.logger.Debug("bridge write failed", "node_id", ns.info.NodeID, "error", err)
				ns.close()
				return
			}
		}
	}
}

// register installs ns, replacing and closing any older session for the
// same node id.
func (s *Server) register(ns *nodeSession) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	prev := s.sessions[ns.info.NodeID]
	s.sessions[ns.info.NodeID] = ns
	s.mu.Unlock()
	if prev != nil {
		s.logger.Info("bridge node replaced", "node_id", ns.info.NodeID)
		prev.close()
	}
	return true
}

// unregister removes ns if it is still the current session for its node.
func (s *Server) unregister(ns *nodeSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[ns.info.NodeID] != ns {
		return false
	}
	delete(s.sessions, ns.info.NodeID)
	return true
}

func (s *Server) rejectConn(conn net.Conn, shape *protocol.ErrorShape) {
	if b, err := Marshal(Frame{Kind: KindError, Code: shape.Code, Message: shape.Message}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, _ = conn.Write(b)
	}
	_ = conn.Close()
}

func (ns *nodeSession) enqueue(b []byte) error {
	select {
	case <-ns.done:
		return ErrNodeNotConnected
	default:
	}
	select {
	case ns.out <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

func (ns *nodeSession) resolve(id string, resp Response) {
	ns.pendingMu.Lock()
	ch, ok := ns.pending[id]
	ns.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (ns *nodeSession) close() {
	ns.once.Do(func() {
		close(ns.done)
		_ = ns.conn.Close()
	})
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
