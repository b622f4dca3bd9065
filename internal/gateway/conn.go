package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/presence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/shared"
)

const writeTimeout = 10 * time.Second

type connState int32

const (
	stateAwaitingHandshake connState = iota
	stateActive
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAwaitingHandshake:
		return "awaiting-handshake"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// conn is one WebSocket client. The read loop runs on the HTTP handler
// goroutine; a writer goroutine drains the outbound queue.
type conn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	hints  auth.TransportHints
	logger *slog.Logger

	// ctx is handed to request handlers and cancelled on close.
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// Written by the handshake before the state turns Active.
	params      protocol.ConnectParams
	role        string
	scopes      []string
	authMethod  string
	presenceKey string
	bucket      *TokenBucket

	outMu    sync.Mutex
	out      [][]byte
	notify   chan struct{}
	buffered atomic.Int64

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   websocket.StatusCode
	closeReason string
	flush       bool
	writerDone  chan struct{}
}

func (s *Server) newConn(ws *websocket.Conn, hints auth.TransportHints) *conn {
	id := shared.NewConnID()
	ctx, cancel := context.WithCancel(shared.WithConnID(s.ctx, id))
	return &conn{
		id:         id,
		srv:        s,
		ws:         ws,
		hints:      hints,
		logger:     s.logger.With("conn_id", id),
		ctx:        ctx,
		cancel:     cancel,
		notify:     make(chan struct{}, 1),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) currentState() connState {
	return connState(c.state.Load())
}

// transition moves the connection from one state to the next and reports
// whether it was in from.
func (c *conn) transition(from, to connState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *conn) remoteIP() string {
	if c.hints.ForwardedFor != "" {
		return c.hints.ForwardedFor
	}
	if c.hints.RemoteIP.IsValid() {
		return c.hints.RemoteIP.String()
	}
	return c.hints.RemoteAddr
}

// enqueue appends an encoded frame without blocking.
func (c *conn) enqueue(frame []byte) bool {
	if c.currentState() >= stateClosing {
		return false
	}
	c.outMu.Lock()
	c.out = append(c.out, frame)
	c.outMu.Unlock()
	c.buffered.Add(int64(len(frame)))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *conn) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("encode frame", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *conn) respond(id string, payload any) {
	c.send(protocol.OKResponse(id, payload))
}

func (c *conn) respondError(id string, shape *protocol.ErrorShape) {
	c.send(protocol.ErrorResponse(id, shape))
}

// closeWith starts closing the connection. With flush, frames already
// queued (e.g. the error that caused the close) are written first.
func (c *conn) closeWith(code websocket.StatusCode, reason string, flush bool) {
	c.closeOnce.Do(func() {
		for {
			cur := c.currentState()
			if cur >= stateClosing || c.transition(cur, stateClosing) {
				break
			}
		}
		c.closeCode, c.closeReason, c.flush = code, reason, flush
		c.cancel()
		close(c.closing)
	})
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.notify:
			if err := c.drain(); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.closeWith(websocket.StatusGoingAway, "write failed", false)
			}
		case <-c.closing:
			if c.flush {
				_ = c.drain()
			}
			if err := c.ws.Close(c.closeCode, c.closeReason); err != nil {
				c.logger.Debug("close handshake", "error", err)
			}
			return
		}
	}
}

func (c *conn) drain() error {
	for {
		c.outMu.Lock()
		batch := c.out
		c.out = nil
		c.outMu.Unlock()
		if len(batch) == 0 {
			return nil
		}
		for _, frame := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			c.buffered.Add(-int64(len(frame)))
			if err != nil {
				return err
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("read ended", "error", err)
			}
			return
		}
		switch c.currentState() {
		case stateAwaitingHandshake:
			c.srv.handleHandshake(c, data)
		case stateActive:
			c.srv.handleFrame(c, data)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	settings := s.currentSettings()
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: settings.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(settings.Limits.MaxPayloadBytes)

	c := s.newConn(ws, s.auth.Hints(r))
	if !s.addConn(c) {
		_ = ws.Close(CloseServiceRestart, "service restart")
		c.cancel()
		return
	}
	defer s.connWG.Done()
	s.metrics.ConnectionOpened(c.ctx)
	c.logger.Debug("client connected", "remote_addr", r.RemoteAddr)

	go c.writeLoop()
	timer := time.AfterFunc(settings.Limits.HandshakeTimeout(), func() {
		if c.currentState() == stateAwaitingHandshake {
			c.logger.Warn("handshake timeout", "remote_addr", r.RemoteAddr)
			s.metrics.Handshake(s.ctx, false, "timeout")
			c.closeWith(ClosePolicyViolation, "handshake timeout", true)
		}
	})

	readCtx, cancelRead := context.WithCancel(context.Background())
	c.readLoop(readCtx)
	timer.Stop()
	c.closeWith(websocket.StatusNormalClosure, "", false)
	<-c.writerDone
	cancelRead()
	s.finishConn(c)
}

// addConn registers c unless the server is shutting down.
func (s *Server) addConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	s.connWG.Add(1)
	return true
}

// finishConn releases everything the connection held. It runs exactly once
// per connection, after both loops have exited.
func (s *Server) finishConn(c *conn) {
	c.state.Store(int32(stateClosed))
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	if c.presenceKey != "" {
		s.presence.Upsert(c.presenceKey, presence.Update{Reason: presence.ReasonDisconnect})
	}
	c.cancel()
	s.metrics.ConnectionClosed(context.Background())
	c.logger.Debug("client disconnected", "client_id", c.params.Client.ID, "close_code", int(c.closeCode))
}
