// Package protocol defines the gateway wire frames and validates inbound
// traffic before it reaches the connection handler.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the single protocol version this gateway speaks.
const ProtocolVersion = 3

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// MethodConnect is the only method accepted before the handshake completes.
const MethodConnect = "connect"

// ErrInvalidFrame is returned for any inbound frame that does not decode into
// a well-formed request.
var ErrInvalidFrame = errors.New("invalid frame")

// RequestFrame is a client request.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, correlated by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// StateVersion carries the presence/health counters alongside an event.
// Zero means "not carried": both counters start at 1.
type StateVersion struct {
	Presence int64 `json:"presence,omitempty"`
	Health   int64 `json:"health,omitempty"`
}

// EventFrame is a server-originated broadcast.
type EventFrame struct {
	Type         string        `json:"type"`
	Event        string        `json:"event"`
	Payload      any           `json:"payload,omitempty"`
	Seq          int64         `json:"seq,omitempty"`
	StateVersion *StateVersion `json:"stateVersion,omitempty"`
}

// OKResponse builds a successful response frame.
func OKResponse(id string, payload any) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// ErrorResponse builds a failed response frame.
func ErrorResponse(id string, shape *ErrorShape) ResponseFrame {
	return ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: shape}
}

// DecodeRequest parses raw bytes into a request frame. The frame must be a
// JSON object with type "req", a non-empty id and a non-empty method.
func DecodeRequest(data []byte) (RequestFrame, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return RequestFrame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := validateFrame(data); err != nil {
		return RequestFrame{ID: probeID(probe)}, err
	}
	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return RequestFrame{ID: probeID(probe)}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return req, nil
}

// probeID recovers a string id from a frame that failed validation so the
// error response can still be correlated.
func probeID(probe map[string]json.RawMessage) string {
	raw, ok := probe["id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}
