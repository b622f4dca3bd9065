package auth

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TransportHints describes where a connection came from.
type TransportHints struct {
	RemoteAddr   string
	RemoteIP     netip.Addr
	Loopback     bool
	ForwardedFor string
	TrustedUser  string
	BearerToken  string
}

// Hints extracts transport hints from a WebSocket upgrade request.
// Forwarded headers are only honored when the peer is a trusted proxy.
func (n *Negotiator) Hints(r *http.Request) TransportHints {
	n.mu.RLock()
	proxies := n.proxies
	userHeader := n.cfg.TrustedUserHeader
	n.mu.RUnlock()

	h := TransportHints{RemoteAddr: r.RemoteAddr, BearerToken: ExtractBearer(r)}
	h.RemoteIP = parseRemoteIP(r.RemoteAddr)

	fromProxy := h.RemoteIP.IsValid() && containsAddr(proxies, h.RemoteIP)
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded == "" {
		forwarded = strings.TrimSpace(r.Header.Get("X-Real-IP"))
	}

	switch {
	case fromProxy && forwarded != "":
		client := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		h.ForwardedFor = client
		if addr, err := netip.ParseAddr(client); err == nil {
			h.Loopback = addr.Unmap().IsLoopback()
		}
	case forwarded != "":
		// An untrusted peer claiming to forward is never local.
		h.ForwardedFor = forwarded
	default:
		h.Loopback = h.RemoteIP.IsValid() && h.RemoteIP.IsLoopback()
	}

	if fromProxy && userHeader != "" {
		h.TrustedUser = strings.TrimSpace(r.Header.Get(userHeader))
	}
	return h
}

// ExtractBearer returns the token from an Authorization: Bearer header or
// the X-Goclaw-Token header.
func ExtractBearer(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-Goclaw-Token"))
}

func parseRemoteIP(remoteAddr string) netip.Addr {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RemoteIP returns the host part of remoteAddr as a normalised IP string, or
// "" when it does not parse.
func RemoteIP(remoteAddr string) string {
	if addr := parseRemoteIP(remoteAddr); addr.IsValid() {
		return addr.String()
	}
	return ""
}
