package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voxlink/internal/infra/backend"
	"github.com/osa030/voxlink/internal/infra/backend/backendtest"
)

func TestPool_Reconcile(t *testing.T) {
	ctx := context.Background()
	a := backendtest.NewServer("pw")
	defer a.Close()
	b := backendtest.NewServer("pw")
	defer b.Close()
	c := backendtest.NewServer("pw")
	defer c.Close()

	p := New("1")
	defer p.Close()
	_, err := p.Add(ctx, a.Options("a"))
	require.NoError(t, err)
	_, err = p.Add(ctx, b.Options("b"))
	require.NoError(t, err)

	moved := []string{}
	beforeRemove := func(_ context.Context, name string) { moved = append(moved, name) }

	// b is dropped, c is new and a now points at c's server.
	res, err := p.Reconcile(ctx, []backend.Options{c.Options("a"), c.Options("c")}, beforeRemove)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Removed)
	assert.Equal(t, []string{"a"}, res.Replaced)
	assert.Equal(t, []string{"c"}, res.Added)
	assert.ElementsMatch(t, []string{"a", "b"}, moved)

	n, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, c.Port(), n.Options().Port)
	_, ok = p.Get("b")
	assert.False(t, ok)

	// Unchanged configuration is a no-op.
	moved = moved[:0]
	res, err = p.Reconcile(ctx, []backend.Options{c.Options("a"), c.Options("c")}, beforeRemove)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
	assert.Empty(t, res.Replaced)
	assert.Empty(t, moved)
}
