package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scanhub-os/scanhub/common/ws"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()
	conn := &ws.Conn{}

	r.Register("dev-1", conn)

	got, ok := r.Lookup("dev-1")
	assert.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup("dev-2")
	assert.False(t, ok)
}

func TestRegistryReplaceSupersedes(t *testing.T) {
	r := NewSessionRegistry()
	first := &ws.Conn{}
	second := &ws.Conn{}

	r.Register("dev-1", first)
	r.Register("dev-1", second)

	got, ok := r.Lookup("dev-1")
	assert.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveIsIdentityAware(t *testing.T) {
	r := NewSessionRegistry()
	first := &ws.Conn{}
	second := &ws.Conn{}

	r.Register("dev-1", first)
	r.Register("dev-1", second)

	// A late disconnect of the superseded connection must not evict the
	// replacement.
	r.Remove("dev-1", first)
	got, ok := r.Lookup("dev-1")
	assert.True(t, ok)
	assert.Same(t, second, got)

	r.Remove("dev-1", second)
	_, ok = r.Lookup("dev-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDeviceIDs(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("a", &ws.Conn{})
	r.Register("b", &ws.Conn{})

	ids := r.DeviceIDs()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
