package raftstore_test

import (
	"context"
	"testing"

	"github.com/hamba/testutils/retry"
	"github.com/stretchr/testify/require"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/coord/raftstore"
	"github.com/hamba/pogo/coord/raftstore/raftstoretest"
)

func TestAgent_Join(t *testing.T) {
	a1, cfg1, dir1 := raftstoretest.NewAgent(t, func(cfg *raftstore.Config) {
		cfg.Bootstrap = true
	})
	defer raftstoretest.CloseAndRemove(t, a1, dir1)

	a2, _, dir2 := raftstoretest.NewAgent(t, nil)
	defer raftstoretest.CloseAndRemove(t, a2, dir2)

	raftstoretest.Join(t, cfg1, a2)

	raftstoretest.WaitForLeader(t, a1)
}

func TestAgent_ReplicatesWrites(t *testing.T) {
	a1, cfg1, dir1 := raftstoretest.NewAgent(t, func(cfg *raftstore.Config) {
		cfg.Bootstrap = true
	})
	defer raftstoretest.CloseAndRemove(t, a1, dir1)

	a2, _, dir2 := raftstoretest.NewAgent(t, nil)
	defer raftstoretest.CloseAndRemove(t, a2, dir2)

	raftstoretest.Join(t, cfg1, a2)
	raftstoretest.WaitForLeader(t, a1)

	store := raftstore.NewStore(a1)

	ctx := context.Background()
	_, err := store.Create(ctx, "/pogo/jobs/p1", []byte("gathering"), coord.None)
	require.NoError(t, err)

	follower := raftstore.NewStore(a2)
	retry.Run(t, func(r *retry.SubT) {
		node, err := follower.Get(ctx, "/pogo/jobs/p1")
		if err != nil {
			r.Fatalf("get: %s", err)
		}
		if node == nil {
			r.Fatalf("node not replicated")
		}
		if string(node.Data) != "gathering" {
			r.Fatalf("got %q", node.Data)
		}
	})
}
