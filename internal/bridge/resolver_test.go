package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultNodeResolver(t *testing.T) {
	r := DefaultNodeResolver{LocalPlatform: "darwin"}

	_, ok := r.ResolveDefault(nil)
	assert.False(t, ok)

	only, ok := r.ResolveDefault([]NodeInfo{{NodeID: "ios-1", Platform: "ios"}})
	assert.True(t, ok)
	assert.Equal(t, "ios-1", only.NodeID)

	match, ok := r.ResolveDefault([]NodeInfo{
		{NodeID: "ios-1", Platform: "ios"},
		{NodeID: "mac-1", Platform: "macOS"},
	})
	assert.True(t, ok)
	assert.Equal(t, "mac-1", match.NodeID)

	_, ok = r.ResolveDefault([]NodeInfo{
		{NodeID: "mac-1", Platform: "darwin"},
		{NodeID: "mac-2", Platform: "darwin"},
	})
	assert.False(t, ok, "two local matches is ambiguous")
}

func TestNodeResolverFunc(t *testing.T) {
	var r NodeResolver = NodeResolverFunc(func(nodes []NodeInfo) (NodeInfo, bool) {
		return nodes[len(nodes)-1], true
	})
	got, ok := r.ResolveDefault([]NodeInfo{{NodeID: "a"}, {NodeID: "b"}})
	assert.True(t, ok)
	assert.Equal(t, "b", got.NodeID)
}
