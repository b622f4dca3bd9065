// Package bridge carries events between the gateway and paired remote
// nodes: a CBOR-over-TCP transport plus the session subscription map that
// decides which node sees which events.
package bridge

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNodeNotConnected is returned when sending to an unknown node.
	ErrNodeNotConnected = errors.New("bridge: node not connected")
	// ErrQueueFull is returned when a node's outbound queue is saturated.
	ErrQueueFull = errors.New("bridge: node queue full")
	// ErrClosed is returned after the transport has shut down.
	ErrClosed = errors.New("bridge: transport closed")
)

// NodeInfo describes an authenticated node connection.
type NodeInfo struct {
	NodeID          string    `json:"nodeId"`
	DisplayName     string    `json:"displayName,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Version         string    `json:"version,omitempty"`
	DeviceFamily    string    `json:"deviceFamily,omitempty"`
	ModelIdentifier string    `json:"modelIdentifier,omitempty"`
	RemoteIP        string    `json:"remoteIp,omitempty"`
	Caps            []string  `json:"caps,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// Hello is what a node presents when it connects.
type Hello struct {
	NodeID          string
	Token           string
	DisplayName     string
	Platform        string
	Version         string
	DeviceFamily    string
	ModelIdentifier string
	Caps            []string
	RemoteIP        string
}

// Request is a node-originated request.
type Request struct {
	ID         string
	Method     string
	ParamsJSON []byte
}

// Response answers a Request, or a gateway-originated Invoke.
type Response struct {
	OK          bool
	PayloadJSON []byte
	Code        string
	Message     string
}

// Event is a node-originated event.
type Event struct {
	Event       string
	PayloadJSON []byte
}

// Handler receives node lifecycle callbacks from the transport.
type Handler interface {
	// AuthenticateNode admits or rejects a hello. A non-nil error is sent
	// back to the node before the socket closes.
	AuthenticateNode(ctx context.Context, hello Hello) error
	NodeAuthenticated(node NodeInfo)
	NodeDisconnected(node NodeInfo)
	NodeRequest(ctx context.Context, nodeID string, req Request) Response
	NodeEvent(ctx context.Context, nodeID string, evt Event)
}
