package bridge

import (
	"runtime"
	"strings"
)

// NodeResolver picks a node when a caller did not name one.
type NodeResolver interface {
	ResolveDefault(nodes []NodeInfo) (NodeInfo, bool)
}

// NodeResolverFunc adapts a function to NodeResolver.
type NodeResolverFunc func(nodes []NodeInfo) (NodeInfo, bool)

func (f NodeResolverFunc) ResolveDefault(nodes []NodeInfo) (NodeInfo, bool) { return f(nodes) }

// DefaultNodeResolver picks the only connected node, or failing that the only
// node whose platform matches LocalPlatform. Anything ambiguous resolves to
// nothing.
type DefaultNodeResolver struct {
	LocalPlatform string
}

// NewDefaultNodeResolver matches against the gateway host's platform.
func NewDefaultNodeResolver() DefaultNodeResolver {
	return DefaultNodeResolver{LocalPlatform: runtime.GOOS}
}

func (r DefaultNodeResolver) ResolveDefault(nodes []NodeInfo) (NodeInfo, bool) {
	switch len(nodes) {
	case 0:
		return NodeInfo{}, false
	case 1:
		return nodes[0], true
	}
	local := normalizePlatform(r.LocalPlatform)
	if local == "" {
		return NodeInfo{}, false
	}
	var match NodeInfo
	found := 0
	for _, n := range nodes {
		if normalizePlatform(n.Platform) == local {
			match = n
			found++
		}
	}
	if found != 1 {
		return NodeInfo{}, false
	}
	return match, true
}

func normalizePlatform(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "macos", "mac", "osx":
		return "darwin"
	}
	return p
}
