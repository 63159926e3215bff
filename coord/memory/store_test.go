package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/coord/memory"
	"github.com/hamba/pogo/pogoerr"
)

func TestStore_CreateGetSet(t *testing.T) {
	s := memory.New("session-1")
	ctx := context.Background()

	full, err := s.Create(ctx, "/pogo/jobs/p1", []byte("gathering"), coord.None)
	require.NoError(t, err)
	assert.Equal(t, "/pogo/jobs/p1", full)

	node, err := s.Get(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, "gathering", string(node.Data))
	assert.EqualValues(t, 1, node.Version)

	v, err := s.Set(ctx, full, []byte("running"), node.Version)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	_, err = s.Set(ctx, full, []byte("stale"), node.Version)
	require.Error(t, err)
	assert.True(t, pogoerr.Is(err, pogoerr.CASConflict))
}

func TestStore_SequentialCreate(t *testing.T) {
	s := memory.New("session-1")
	ctx := context.Background()

	p1, err := s.Create(ctx, "/pogo/ns/prod/locks/web/lock-", []byte("host1"), coord.Sequential)
	require.NoError(t, err)
	p2, err := s.Create(ctx, "/pogo/ns/prod/locks/web/lock-", []byte("host2"), coord.Sequential)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)

	children, err := s.Children(ctx, "/pogo/ns/prod/locks/web")
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestStore_CloseDropsEphemeral(t *testing.T) {
	s := memory.New("session-1")
	ctx := context.Background()

	_, err := s.Create(ctx, "/pogo/dispatchers/d1", []byte("alive"), coord.Ephemeral)
	require.NoError(t, err)

	require.NoError(t, s.Close())

	node, err := s.Get(ctx, "/pogo/dispatchers/d1")
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestStore_WatchFiresOnce(t *testing.T) {
	s := memory.New("session-1")
	ctx := context.Background()

	_, err := s.Create(ctx, "/pogo/jobs/p1", []byte("gathering"), coord.None)
	require.NoError(t, err)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.Watch(watchCtx, "/pogo/jobs/p1", coord.WatchData)
	require.NoError(t, err)

	node, err := s.Get(ctx, "/pogo/jobs/p1")
	require.NoError(t, err)
	_, err = s.Set(ctx, "/pogo/jobs/p1", []byte("running"), node.Version)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, coord.WatchData, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}
