package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabengine/internal/transport/memory"
	"collabengine/internal/update"
)

func TestDirectory(t *testing.T) {
	net := memory.NewNetwork()
	a, b := newNode(t, net, "a"), newNode(t, net, "b")
	host(t, a, "s1", defaultSettings())
	host(t, b, "s2", defaultSettings())

	d := NewDirectory(nil)
	assert.Equal(t, "s1", d.Register(a.Coordinator))
	assert.Equal(t, "s2", d.Register(b.Coordinator))
	assert.Equal(t, []string{"s1", "s2"}, d.List())

	got, ok := d.Get("s1")
	require.True(t, ok)
	assert.Same(t, a.Coordinator, got)
	_, ok = d.Get("missing")
	assert.False(t, ok)

	d.Retire("s2", 0)
	assert.Equal(t, []string{"s1"}, d.List())
	_, err := b.BroadcastUpdate(context.Background(), update.EntityCreated, entityBody("n1", "x"))
	assert.ErrorIs(t, err, ErrClosed, "retiring closes the coordinator")

	d.Close()
	assert.Empty(t, d.List())
	assert.Equal(t, Left, a.State())
}

func TestDirectory_RetireWithGrace(t *testing.T) {
	a := newNode(t, memory.NewNetwork(), "a")
	host(t, a, "s1", defaultSettings())

	d := NewDirectory(nil)
	d.Register(a.Coordinator)
	d.Retire("s1", 20*time.Millisecond)

	_, ok := d.Get("s1")
	assert.True(t, ok, "still readable during grace")
	require.Eventually(t, func() bool {
		_, ok := d.Get("s1")
		return !ok
	}, waitFor, tick)
	d.Retire("missing", time.Second)
}
