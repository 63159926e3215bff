package namespace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/coord/memory"
	"github.com/hamba/pogo/namespace"
	"github.com/hamba/pogo/pogoerr"
)

func newRegistry() *namespace.Registry {
	store := memory.New("test-session")
	cs := coord.NewAdapter(store, nil)
	return namespace.NewRegistry(cs)
}

func TestRegistry_StoreThenLoad(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	doc := []byte("hosts:\n  web1: [web]\n  web2: [web]\nconstraints:\n  - applies_to: web\n    max_parallel: 50%\n")
	require.NoError(t, r.Store(ctx, "prod", doc))

	ns, err := r.Load(ctx, "prod")
	require.NoError(t, err)
	assert.True(t, ns.HasHost("web1"))
	assert.True(t, ns.HasHost("web2"))

	constraints := ns.Constraints()
	require.Len(t, constraints, 1)
	assert.Equal(t, 50, constraints[0].MaxParallel.Value)
	assert.True(t, constraints[0].MaxParallel.Percent)
}

func TestRegistry_Load_Unknown(t *testing.T) {
	r := newRegistry()

	_, err := r.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, pogoerr.Is(err, pogoerr.UnknownNamespace))
}

func TestRegistry_Store_RejectsEmptyHosts(t *testing.T) {
	r := newRegistry()

	err := r.Store(context.Background(), "prod", []byte("hosts: {}\n"))
	require.Error(t, err)
	assert.True(t, pogoerr.Is(err, pogoerr.InvalidSpec))
}
