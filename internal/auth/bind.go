package auth

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ErrBindRefused is returned by CheckBind for listener setups that would
// expose an unauthenticated gateway.
var ErrBindRefused = errors.New("bind refused")

// IsLoopbackBind reports whether addr only listens on a loopback interface.
// "localhost" counts as loopback; an empty or wildcard host does not.
func IsLoopbackBind(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.Unmap().IsLoopback()
}

// CheckBind validates cfg against the listen address before the listener is
// opened.
func CheckBind(bindAddr string, cfg Config) error {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeToken
	}
	switch mode {
	case ModeNone:
		if !IsLoopbackBind(bindAddr) {
			return fmt.Errorf("%w: auth mode none on non-loopback address %s", ErrBindRefused, bindAddr)
		}
	case ModeToken:
		if cfg.Token == "" {
			return fmt.Errorf("%w: auth mode token requires a token", ErrBindRefused)
		}
	case ModePassword:
		if cfg.Password == "" && cfg.PasswordHash == "" {
			return fmt.Errorf("%w: auth mode password requires a password", ErrBindRefused)
		}
	default:
		return fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}
	return nil
}
