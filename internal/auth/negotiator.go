// Package auth decides whether a connection attempt is admitted and with
// which role and scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/basket/go-claw-gateway/internal/protocol"
)

// Modes.
const (
	ModeNone     = "none"
	ModeToken    = "token"
	ModePassword = "password"
)

// Methods an admitted connection was authorized by.
const (
	MethodNone            = "none"
	MethodToken           = "token"
	MethodPassword        = "password"
	MethodDeviceSignature = "device-signature"
	MethodNetworkTrust    = "network-trust"
)

// Rejection reasons. They are logged and audited, never sent with secrets.
const (
	ReasonTokenMissing        = "token_missing"
	ReasonTokenMismatch       = "token_mismatch"
	ReasonTokenNotConfigured  = "token_missing_config"
	ReasonPasswordMissing     = "password_missing"
	ReasonPasswordMismatch    = "password_mismatch"
	ReasonPasswordNotConfig   = "password_missing_config"
	ReasonDeviceMismatch      = "device identity mismatch"
	ReasonDeviceExpired       = "device signature expired"
	ReasonDeviceInvalid       = "device signature invalid"
	ReasonDevicePublicKey     = "device public key invalid"
	ReasonPairingRequired     = "pairing required"
	ReasonRoleUpgrade         = "role upgrade requires pairing"
	ReasonNodeNotPaired       = "node not paired"
	ReasonNodeTokenMismatch   = "node token mismatch"
	ReasonUnsupportedAuthMode = "unsupported_auth_mode"
)

// Config is the auth section of the gateway configuration.
type Config struct {
	Mode                string
	Token               string
	Password            string
	PasswordHash        string
	AllowTrustedNetwork bool
	TrustedProxies      []string
	TrustedUserHeader   string
}

// PairedDevice is a device or node that completed pairing.
type PairedDevice struct {
	DeviceID  string
	PublicKey string
	Token     string
	Role      string
	Scopes    []string
}

// DeviceStore looks up paired devices.
type DeviceStore interface {
	PairedDevice(ctx context.Context, deviceID string) (PairedDevice, bool, error)
}

// Result is the outcome of one authorization. It is never persisted.
type Result struct {
	OK     bool
	Method string
	Role   string
	Scopes []string
	User   string
	Reason string

	// PairingRequired is set when a valid device proof came from a device
	// that is not paired yet, or from a paired device asking for a role or
	// scopes beyond its grant. SharedMethod records whether shared auth
	// would have admitted the connection on its own.
	PairingRequired bool
	SharedMethod    string
	DevicePublicKey string
}

// Negotiator holds the active auth configuration. Update swaps it on config
// reload.
type Negotiator struct {
	mu      sync.RWMutex
	cfg     Config
	proxies []netip.Prefix

	devices DeviceStore
	now     func() time.Time
	logger  *slog.Logger
}

// NewNegotiator validates cfg and returns a negotiator.
func NewNegotiator(cfg Config, devices DeviceStore, logger *slog.Logger) (*Negotiator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Negotiator{devices: devices, now: time.Now, logger: logger}
	if err := n.Update(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// Update replaces the configuration.
func (n *Negotiator) Update(cfg Config) error {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeToken
	}
	switch cfg.Mode {
	case ModeNone, ModeToken, ModePassword:
	default:
		return fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}
	proxies, err := parsePrefixes(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg = cfg
	n.proxies = proxies
	return nil
}

// Mode returns the configured auth mode.
func (n *Negotiator) Mode() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg.Mode
}

// SetClock overrides the clock used for device signature skew checks.
func (n *Negotiator) SetClock(now func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = now
}

// Authorize decides a connect attempt. Precedence: device signature, then
// mode none, then token or password, then trusted network origin.
func (n *Negotiator) Authorize(ctx context.Context, params protocol.ConnectParams, hints TransportHints) Result {
	n.mu.RLock()
	cfg := n.cfg
	now := n.now
	n.mu.RUnlock()

	base := Result{Role: params.Role, Scopes: params.Scopes}

	if params.Device != nil {
		res := n.authorizeDevice(ctx, now, params, base)
		if res.OK || !res.PairingRequired {
			return res
		}
		shared := authorizeShared(cfg, params, hints, base)
		if shared.OK {
			res.SharedMethod = shared.Method
		}
		return res
	}
	return authorizeShared(cfg, params, hints, base)
}

func (n *Negotiator) authorizeDevice(ctx context.Context, now func() time.Time, params protocol.ConnectParams, base Result) Result {
	dev := params.Device
	reject := func(reason string) Result {
		r := base
		r.Reason = reason
		return r
	}

	derived, ok := DeriveDeviceID(dev.PublicKey)
	if !ok || derived != dev.ID {
		return reject(ReasonDeviceMismatch)
	}
	skew := now().UnixMilli() - dev.SignedAt
	if skew < 0 {
		skew = -skew
	}
	if skew > DeviceSignatureSkewMs {
		return reject(ReasonDeviceExpired)
	}
	token := ""
	if params.Auth != nil {
		token = params.Auth.Token
	}
	payload := DevicePayload{
		DeviceID:   dev.ID,
		ClientID:   params.Client.ID,
		ClientMode: params.Client.Mode,
		Role:       params.Role,
		Scopes:     params.Scopes,
		SignedAtMs: dev.SignedAt,
		Token:      token,
		Nonce:      dev.Nonce,
	}.String()
	if !VerifyDeviceSignature(dev.PublicKey, payload, dev.Signature) {
		return reject(ReasonDeviceInvalid)
	}
	normalized, ok := NormalizePublicKey(dev.PublicKey)
	if !ok {
		return reject(ReasonDevicePublicKey)
	}

	if n.devices != nil {
		paired, found, err := n.devices.PairedDevice(ctx, dev.ID)
		if err != nil {
			n.logger.Warn("paired device lookup failed", "device_id", dev.ID, "error", err)
		}
		if found && paired.PublicKey == normalized {
			if grantCovers(paired, params.Role, params.Scopes) {
				r := base
				r.OK = true
				r.Method = MethodDeviceSignature
				return r
			}
			n.logger.Info("paired device asked for more than it was granted",
				"device_id", dev.ID, "paired_role", paired.Role, "role", params.Role)
			r := reject(ReasonRoleUpgrade)
			r.PairingRequired = true
			r.DevicePublicKey = normalized
			return r
		}
	}
	r := reject(ReasonPairingRequired)
	r.PairingRequired = true
	r.DevicePublicKey = normalized
	return r
}

// grantCovers reports whether a paired device may connect with role and
// scopes. The role must match the paired role and every scope must be
// covered by a paired scope.
func grantCovers(paired PairedDevice, role string, scopes []string) bool {
	pairedRole := paired.Role
	if pairedRole == "" {
		pairedRole = protocol.RoleOperator
	}
	if role != pairedRole {
		return false
	}
	for _, want := range scopes {
		if !scopeGranted(paired.Scopes, want) {
			return false
		}
	}
	return true
}

func scopeGranted(granted []string, want string) bool {
	for _, g := range granted {
		switch {
		case g == want, g == protocol.ScopeAdmin:
			return true
		case g == protocol.ScopeWrite && want == protocol.ScopeRead:
			return true
		}
	}
	return false
}

func authorizeShared(cfg Config, params protocol.ConnectParams, hints TransportHints, base Result) Result {
	r := base
	if cfg.Mode == ModeNone {
		r.OK = true
		r.Method = MethodNone
		return r
	}

	var token, password string
	if params.Auth != nil {
		token = params.Auth.Token
		password = params.Auth.Password
	}
	if token == "" {
		token = hints.BearerToken
	}

	switch cfg.Mode {
	case ModeToken:
		switch {
		case cfg.Token == "":
			r.Reason = ReasonTokenNotConfigured
		case token == "":
			r.Reason = ReasonTokenMissing
		case subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1:
			r.OK = true
			r.Method = MethodToken
			return r
		default:
			r.Reason = ReasonTokenMismatch
		}
	case ModePassword:
		switch {
		case cfg.Password == "" && cfg.PasswordHash == "":
			r.Reason = ReasonPasswordNotConfig
		case password == "":
			r.Reason = ReasonPasswordMissing
		case checkPassword(cfg, password):
			r.OK = true
			r.Method = MethodPassword
			return r
		default:
			r.Reason = ReasonPasswordMismatch
		}
	default:
		r.Reason = ReasonUnsupportedAuthMode
	}

	if cfg.AllowTrustedNetwork && hints.TrustedUser != "" {
		r.OK = true
		r.Method = MethodNetworkTrust
		r.User = hints.TrustedUser
		r.Reason = ""
	}
	return r
}

func checkPassword(cfg Config, password string) bool {
	if cfg.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
}

// AuthorizeNode admits a bridge node presenting the token issued when it
// was paired.
func (n *Negotiator) AuthorizeNode(ctx context.Context, nodeID, token string) error {
	if n.devices == nil {
		return protocol.NewError(protocol.ErrCodeNotPaired, ReasonNodeNotPaired)
	}
	paired, found, err := n.devices.PairedDevice(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("lookup paired node: %w", err)
	}
	if !found || paired.Token == "" {
		return protocol.NewError(protocol.ErrCodeNotPaired, ReasonNodeNotPaired)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(paired.Token)) != 1 {
		return protocol.NewError(protocol.ErrCodeInvalidRequest, ReasonNodeTokenMismatch)
	}
	return nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("auth: trusted proxy %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("auth: trusted proxy %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
