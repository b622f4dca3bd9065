package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

// DeviceSignatureSkewMs is how far a device's signedAt may drift from the
// gateway clock.
const DeviceSignatureSkewMs = 10 * 60 * 1000

// DecodePublicKey accepts a raw ed25519 public key in base64url (padded or
// not) or standard base64.
func DecodePublicKey(s string) (ed25519.PublicKey, bool) {
	b, ok := decodeBase64(s)
	if !ok || len(b) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(b), true
}

// NormalizePublicKey returns the canonical unpadded base64url form.
func NormalizePublicKey(s string) (string, bool) {
	pub, ok := DecodePublicKey(s)
	if !ok {
		return "", false
	}
	return base64.RawURLEncoding.EncodeToString(pub), true
}

// DeriveDeviceID is the hex SHA-256 of the raw public key.
func DeriveDeviceID(publicKey string) (string, bool) {
	pub, ok := DecodePublicKey(publicKey)
	if !ok {
		return "", false
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:]), true
}

// DevicePayload is what a device signs.
type DevicePayload struct {
	DeviceID   string
	ClientID   string
	ClientMode string
	Role       string
	Scopes     []string
	SignedAtMs int64
	Token      string
	Nonce      string
}

// String renders the pipe-joined signing payload. A nonce selects the v2
// layout.
func (p DevicePayload) String() string {
	version := "v1"
	if p.Nonce != "" {
		version = "v2"
	}
	parts := []string{
		version,
		p.DeviceID,
		p.ClientID,
		p.ClientMode,
		p.Role,
		strings.Join(p.Scopes, ","),
		strconv.FormatInt(p.SignedAtMs, 10),
		p.Token,
	}
	if p.Nonce != "" {
		parts = append(parts, p.Nonce)
	}
	return strings.Join(parts, "|")
}

// VerifyDeviceSignature checks an ed25519 signature over payload.
func VerifyDeviceSignature(publicKey, payload, signature string) bool {
	pub, ok := DecodePublicKey(publicKey)
	if !ok {
		return false
	}
	sig, ok := decodeBase64(signature)
	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(payload), sig)
}

// SignDevicePayload signs payload with priv and returns base64url. Clients
// and tests use it to build device proofs.
func SignDevicePayload(priv ed25519.PrivateKey, payload string) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, []byte(payload)))
}

func decodeBase64(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}
