package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client modes with special handling.
const (
	ClientModeCLI     = "cli"
	ClientModeNode    = "node"
	ClientModeWebchat = "webchat"
	ClientModeUI      = "ui"
)

// Roles.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// Operator scopes.
const (
	ScopeAdmin   = "operator.admin"
	ScopeRead    = "operator.read"
	ScopeWrite   = "operator.write"
	ScopePairing = "operator.pairing"
)

// ClientInfo identifies the connecting software.
type ClientInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName,omitempty"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	DeviceFamily    string `json:"deviceFamily,omitempty"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
	Mode            string `json:"mode"`
	InstanceID      string `json:"instanceId,omitempty"`
}

// ConnectAuth is the shared-secret material a client may present.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceIdentity is a signed device proof. SignedAt is unix milliseconds.
type DeviceIdentity struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// ConnectParams are the params of the mandatory first "connect" request.
type ConnectParams struct {
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
	Client      ClientInfo      `json:"client"`
	Role        string          `json:"role,omitempty"`
	Scopes      []string        `json:"scopes,omitempty"`
	Caps        []string        `json:"caps,omitempty"`
	Auth        *ConnectAuth    `json:"auth,omitempty"`
	Device      *DeviceIdentity `json:"device,omitempty"`
	Locale      string          `json:"locale,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
}

// ParseConnectParams validates raw params against the connect schema and
// decodes them. Role and scopes are normalised: an empty role becomes
// "operator", and an operator with no scopes gets operator.admin.
func ParseConnectParams(raw json.RawMessage) (ConnectParams, error) {
	if len(raw) == 0 {
		return ConnectParams{}, fmt.Errorf("%w: connect params required", ErrInvalidFrame)
	}
	if err := validateConnect(raw); err != nil {
		return ConnectParams{}, err
	}
	var p ConnectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return ConnectParams{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	p.Role = strings.TrimSpace(p.Role)
	if p.Role == "" {
		p.Role = RoleOperator
	}
	if p.Role != RoleOperator && p.Role != RoleNode {
		return ConnectParams{}, fmt.Errorf("%w: unknown role %q", ErrInvalidFrame, p.Role)
	}
	if len(p.Scopes) == 0 && p.Role == RoleOperator {
		p.Scopes = []string{ScopeAdmin}
	}
	return p, nil
}

// SupportsProtocol reports whether the client's declared range includes the
// server's protocol version.
func (p ConnectParams) SupportsProtocol() bool {
	return p.MaxProtocol >= ProtocolVersion && p.MinProtocol <= ProtocolVersion
}

// PresenceKey returns the key this client is tracked under: its instance id
// when declared, otherwise the connection id.
func (p ConnectParams) PresenceKey(connID string) string {
	if id := strings.TrimSpace(p.Client.InstanceID); id != "" {
		return id
	}
	return connID
}

// TracksPresence reports whether this client should appear in presence.
func (p ConnectParams) TracksPresence() bool {
	return p.Client.Mode != ClientModeCLI
}
