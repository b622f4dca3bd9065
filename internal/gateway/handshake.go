package gateway

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/codes"

	"github.com/basket/go-claw-gateway/internal/audit"
	"github.com/basket/go-claw-gateway/internal/auth"
	"github.com/basket/go-claw-gateway/internal/otel"
	"github.com/basket/go-claw-gateway/internal/persistence"
	"github.com/basket/go-claw-gateway/internal/presence"
	"github.com/basket/go-claw-gateway/internal/protocol"
	"github.com/basket/go-claw-gateway/internal/shared"
)

// handshakeError is a rejected connect: the error response sent to the
// client and the close frame that follows it.
type handshakeError struct {
	shape  *protocol.ErrorShape
	code   websocket.StatusCode
	reason string
	// method labels the failure in metrics.
	method string
}

// handleHandshake processes the first frame of a connection.
func (s *Server) handleHandshake(c *conn, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil || req.Method != protocol.MethodConnect {
		// Only requests get an answer; anything else is just closed.
		if req.ID != "" {
			c.respondError(req.ID, protocol.InvalidRequest("invalid handshake: first request must be connect"))
		}
		s.rejectHandshake(c, &handshakeError{code: ClosePolicyViolation, reason: "invalid handshake", method: "invalid"})
		return
	}

	ctx := shared.WithRequestID(shared.WithTraceID(c.ctx, shared.NewTraceID()), req.ID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway.handshake", otel.AttrConnID.String(c.id))
	defer span.End()

	hello, herr := s.negotiate(ctx, c, req)
	if herr != nil {
		span.SetStatus(codes.Error, herr.reason)
		span.SetAttributes(otel.AttrAuthOutcome.String("rejected"))
		if herr.shape != nil {
			c.respondError(req.ID, herr.shape)
		}
		s.rejectHandshake(c, herr)
		return
	}
	span.SetAttributes(
		otel.AttrAuthOutcome.String("accepted"),
		otel.AttrAuthMethod.String(c.authMethod),
		otel.AttrRole.String(c.role),
		otel.AttrClientMode.String(c.params.Client.Mode),
	)

	// Holding s.mu keeps broadcasts from slipping in ahead of hello-ok.
	s.mu.Lock()
	c.respond(req.ID, hello)
	active := c.transition(stateAwaitingHandshake, stateActive)
	s.mu.Unlock()
	if !active {
		// Timed out or closed while we were authorizing.
		return
	}
	// finishConn runs on this goroutine after the read loop, so the
	// disconnect update always lands after this one.
	if c.params.TracksPresence() {
		c.presenceKey = c.params.PresenceKey(c.id)
		s.presence.Upsert(c.presenceKey, connectPresence(c, c.params))
	}
	s.metrics.Handshake(ctx, true, c.authMethod)
	c.logger.Info("client connected",
		"client_id", c.params.Client.ID,
		"client_mode", c.params.Client.Mode,
		"role", c.role,
		"auth_method", c.authMethod,
		"remote_ip", c.remoteIP(),
	)
	go s.refreshHealth(s.ctx, false)
}

func (s *Server) rejectHandshake(c *conn, herr *handshakeError) {
	s.metrics.Handshake(c.ctx, false, herr.method)
	c.closeWith(herr.code, herr.reason, true)
}

// negotiate validates params, authorizes the client and builds hello-ok.
// Presence is registered by the caller once the connection is Active.
func (s *Server) negotiate(ctx context.Context, c *conn, req protocol.RequestFrame) (protocol.HelloOK, *handshakeError) {
	params, err := protocol.ParseConnectParams(req.Params)
	if err != nil {
		return protocol.HelloOK{}, &handshakeError{
			shape:  protocol.InvalidRequest("invalid handshake: %v", err),
			code:   ClosePolicyViolation,
			reason: "invalid handshake",
			method: "invalid",
		}
	}
	if !params.SupportsProtocol() {
		c.logger.Warn("protocol mismatch",
			"client_id", params.Client.ID, "min_protocol", params.MinProtocol, "max_protocol", params.MaxProtocol)
		return protocol.HelloOK{}, &handshakeError{
			shape: protocol.InvalidRequest("protocol mismatch").
				WithDetails(map[string]int{"expectedProtocol": protocol.ProtocolVersion}),
			code:   CloseProtocolMismatch,
			reason: "protocol mismatch",
			method: "protocol",
		}
	}

	res := s.auth.Authorize(ctx, params, c.hints)
	if res.PairingRequired {
		approved, herr := s.requestPairing(ctx, c, params, res)
		if herr != nil {
			return protocol.HelloOK{}, herr
		}
		res = approved
	}
	if !res.OK {
		c.logger.Warn("gateway auth failed",
			"client_id", params.Client.ID, "reason", res.Reason, "remote_ip", c.remoteIP())
		audit.Record(audit.Entry{
			Decision: audit.Deny,
			Action:   "gateway.connect",
			Reason:   res.Reason,
			Subject:  params.Client.ID,
			RemoteIP: c.remoteIP(),
			ConnID:   c.id,
			TraceID:  shared.TraceID(ctx),
		})
		return protocol.HelloOK{}, &handshakeError{
			shape:  protocol.InvalidRequest("unauthorized: %s", res.Reason),
			code:   ClosePolicyViolation,
			reason: "unauthorized",
			method: "unauthorized",
		}
	}

	c.params = params
	c.role = res.Role
	c.scopes = res.Scopes
	c.authMethod = res.Method
	settings := s.currentSettings()
	c.bucket = NewTokenBucket(settings.Limits.RequestsPerMinute, settings.Limits.RequestBurst)

	audit.Record(audit.Entry{
		Decision: audit.Allow,
		Action:   "gateway.connect",
		Reason:   res.Method,
		Subject:  firstNonEmpty(res.User, params.Client.ID),
		RemoteIP: c.remoteIP(),
		ConnID:   c.id,
		TraceID:  shared.TraceID(ctx),
	})

	if params.Device != nil {
		err := s.store.UpdateDeviceMetadata(ctx, params.Device.ID, persistence.DeviceMetadata{
			DisplayName: params.Client.DisplayName,
			Platform:    params.Client.Platform,
			ClientID:    params.Client.ID,
			ClientMode:  params.Client.Mode,
			RemoteIP:    c.remoteIP(),
		})
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			c.logger.Warn("update device metadata", "device_id", params.Device.ID, "error", err)
		}
	}

	return s.helloOK(ctx, c), nil
}

// requestPairing stores a pairing request for an unpaired device. Loopback
// clients that also hold valid shared auth are approved on the spot.
func (s *Server) requestPairing(ctx context.Context, c *conn, params protocol.ConnectParams, res auth.Result) (auth.Result, *handshakeError) {
	silent := c.hints.Loopback && res.SharedMethod != ""
	pending, _, err := s.store.RequestPairing(ctx, persistence.PairingInput{
		DeviceID:  params.Device.ID,
		PublicKey: res.DevicePublicKey,
		DeviceMetadata: persistence.DeviceMetadata{
			DisplayName: params.Client.DisplayName,
			Platform:    params.Client.Platform,
			ClientID:    params.Client.ID,
			ClientMode:  params.Client.Mode,
			Role:        params.Role,
			Scopes:      params.Scopes,
			RemoteIP:    c.remoteIP(),
		},
		Silent: silent,
	})
	if err != nil {
		c.logger.Error("store pairing request", "device_id", params.Device.ID, "error", err)
		return res, &handshakeError{
			shape:  protocol.NewError(protocol.ErrCodeUnavailable, "pairing unavailable"),
			code:   ClosePolicyViolation,
			reason: "pairing required",
			method: "pairing",
		}
	}
	if silent {
		_, _, err := s.store.ApprovePairing(ctx, pending.RequestID)
		if err == nil {
			audit.Record(audit.Entry{
				Decision: audit.Allow,
				Action:   "node.pair.approve",
				Reason:   "silent loopback approval",
				Subject:  params.Device.ID,
				RemoteIP: c.remoteIP(),
				ConnID:   c.id,
				TraceID:  shared.TraceID(ctx),
			})
			res.OK = true
			res.PairingRequired = false
			res.Method = auth.MethodDeviceSignature
			res.Reason = ""
			return res, nil
		}
		c.logger.Warn("silent pairing approval failed", "request_id", pending.RequestID, "error", err)
	}

	c.logger.Info("pairing required", "device_id", params.Device.ID, "request_id", pending.RequestID, "reason", res.Reason)
	audit.Record(audit.Entry{
		Decision: audit.Deny,
		Action:   "gateway.connect",
		Reason:   res.Reason,
		Subject:  params.Device.ID,
		RemoteIP: c.remoteIP(),
		ConnID:   c.id,
		TraceID:  shared.TraceID(ctx),
	})
	return res, &handshakeError{
		shape: protocol.NewError(protocol.ErrCodeNotPaired, "pairing required").
			WithDetails(map[string]string{"requestId": pending.RequestID, "deviceId": params.Device.ID}),
		code:   ClosePolicyViolation,
		reason: "pairing required",
		method: "pairing",
	}
}

func connectPresence(c *conn, params protocol.ConnectParams) presence.Update {
	u := presence.Update{
		Host:            firstNonEmpty(params.Client.DisplayName, params.Client.ID),
		IP:              c.remoteIP(),
		Version:         params.Client.Version,
		Platform:        params.Client.Platform,
		DeviceFamily:    params.Client.DeviceFamily,
		ModelIdentifier: params.Client.ModelIdentifier,
		Mode:            params.Client.Mode,
		Reason:          presence.ReasonConnect,
		InstanceID:      params.Client.InstanceID,
		Roles:           []string{params.Role},
		Scopes:          params.Scopes,
	}
	if params.Device != nil {
		u.DeviceID = params.Device.ID
	}
	return u
}

func (s *Server) helloOK(ctx context.Context, c *conn) protocol.HelloOK {
	settings := s.currentSettings()
	entries, presenceVersion := s.presence.Snapshot()
	health, healthVersion := s.cachedHealth(ctx)
	return protocol.HelloOK{
		Type:     protocol.HelloOKType,
		Protocol: protocol.ProtocolVersion,
		Server: protocol.ServerInfo{
			Version: s.version,
			Commit:  s.commit,
			Host:    s.host,
			ConnID:  c.id,
		},
		Features: protocol.Features{
			Methods: s.router.Catalog(),
			Events:  protocol.Events(),
		},
		Snapshot: protocol.Snapshot{
			Presence:     entries,
			Health:       health,
			StateVersion: protocol.StateVersion{Presence: presenceVersion, Health: healthVersion},
			UptimeMs:     s.uptime().Milliseconds(),
			ConfigPath:   settings.Path,
			StateDir:     settings.HomeDir,
		},
		Policy: protocol.Policy{
			MaxPayload:       settings.Limits.MaxPayloadBytes,
			MaxBufferedBytes: settings.Limits.MaxBufferedBytes,
			TickIntervalMs:   settings.Limits.TickIntervalMs,
		},
		Auth: protocol.HelloAuth{
			Method: c.authMethod,
			Role:   c.role,
			Scopes: c.scopes,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
