package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("w1:1234", "session-abc")
	sid, ok := r.SessionFor("w1:1234")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown:1")
	assert.False(t, ok)
}

func TestSessionRegistry_Reconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("w1:1234", "session-old")
	r.Register("w1:1234", "session-new")

	sid, ok := r.SessionFor("w1:1234")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Empty(t, r.Remove("session-old"), "the old session no longer owns the host")
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("w2:1234", "session-abc")
	r.Register("w1:1234", "session-abc")
	r.Register("w3:1234", "session-xyz")

	assert.Equal(t, []string{"w1:1234", "w2:1234"}, r.Remove("session-abc"))

	_, ok := r.SessionFor("w1:1234")
	assert.False(t, ok)

	sid, ok := r.SessionFor("w3:1234")
	assert.True(t, ok)
	assert.Equal(t, "session-xyz", sid)
	assert.Equal(t, []string{"w3:1234"}, r.Hosts())
}
