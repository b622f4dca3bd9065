package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/go-claw-gateway/internal/methods"
	"github.com/basket/go-claw-gateway/internal/otel"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/shared"
)

// handleFrame processes one frame from an Active connection. Bad frames are
// answered and the connection stays open.
func (s *Server) handleFrame(c *conn, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		id := req.ID
		if id == "" {
			id = "invalid"
		}
		c.respondError(id, protocol.AsErrorShape(err))
		return
	}
	if req.Method == protocol.MethodConnect {
		c.respondError(req.ID, protocol.InvalidRequest("already connected"))
		return
	}
	if c.bucket != nil && !c.bucket.Allow() {
		s.metrics.RateLimited(c.ctx, req.Method)
		retry := c.bucket.RetryAfter()
		c.respondError(req.ID, &protocol.ErrorShape{
			Code:         protocol.ErrCodeUnavailable,
			Message:      "rate limit exceeded",
			Retryable:    true,
			RetryAfterMs: max(retry.Milliseconds(), 1),
		})
		return
	}
	go s.dispatch(c, req)
}

// dispatch runs one request on its own goroutine.
func (s *Server) dispatch(c *conn, req protocol.RequestFrame) {
	start := time.Now()
	ctx := shared.WithRequestID(shared.WithTraceID(c.ctx, shared.NewTraceID()), req.ID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway.request",
		otel.AttrConnID.String(c.id),
		otel.AttrMethod.String(req.Method),
		otel.AttrRole.String(c.role),
	)
	defer span.End()

	payload, err := s.invoke(ctx, c, req)
	code := ""
	if err != nil {
		shape := protocol.AsErrorShape(err)
		code = shape.Code
		span.SetStatus(codes.Error, shape.Message)
		span.SetAttributes(otel.AttrErrorCode.String(code))
		if shape.Code == protocol.ErrCodeUnavailable {
			c.logger.Warn("request failed", "method", req.Method, "request_id", req.ID, "error", err)
		}
		c.respondError(req.ID, shape)
	} else {
		c.respond(req.ID, payload)
	}
	s.metrics.Request(ctx, req.Method, time.Since(start), code)
}

// invoke routes the request and turns a handler panic into an error.
func (s *Server) invoke(ctx context.Context, c *conn, req protocol.RequestFrame) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panic", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			err = protocol.NewError(protocol.ErrCodeUnavailable, fmt.Sprintf("internal error in %s", req.Method))
		}
	}()
	return s.router.Dispatch(ctx, &methods.Request{
		ID:       req.ID,
		Method:   req.Method,
		ConnID:   c.id,
		Role:     c.role,
		Scopes:   c.scopes,
		Client:   c.params.Client,
		RemoteIP: c.remoteIP(),
		Params:   req.Params,
	})
}

// Router exposes the method router so embedders can register extra methods.
func (s *Server) Router() *methods.Router {
	return s.router
}
