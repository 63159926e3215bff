package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/coord/memory"
	"github.com/hamba/pogo/namespace"
	"github.com/hamba/pogo/scheduler"
)

func newNamespace(name string, cfg namespace.Config) (*namespace.Namespace, *scheduler.Scheduler) {
	store := memory.New("test-session")
	cs := coord.NewAdapter(store, nil)
	return namespace.New(name, cfg), scheduler.New(cs, nil)
}

func TestScheduler_Tick_HonorsJobCap(t *testing.T) {
	ns, sched := newNamespace("prod", namespace.Config{
		Hosts: map[string][]string{"web1": {"web"}, "web2": {"web"}, "web3": {"web"}},
	})

	candidates := []scheduler.Candidate{
		{Hostname: "web1", Order: 0},
		{Hostname: "web2", Order: 1},
		{Hostname: "web3", Order: 2},
	}

	decision, err := sched.Tick(context.Background(), ns, 0, namespace.Cap{Value: 2}, candidates)
	require.NoError(t, err)
	assert.Len(t, decision.Admit, 2)
	assert.Equal(t, []string{"web1", "web2"}, decision.Admit)
}

func TestScheduler_Tick_HonorsNamespaceConstraint(t *testing.T) {
	ns, sched := newNamespace("prod", namespace.Config{
		Hosts: map[string][]string{"db1": {"db"}, "db2": {"db"}, "db3": {"db"}},
		Constraints: []namespace.Constraint{
			{AppliesTo: "db", MaxParallel: namespace.Cap{Value: 1}},
		},
	})

	candidates := []scheduler.Candidate{
		{Hostname: "db1", Order: 0},
		{Hostname: "db2", Order: 1},
		{Hostname: "db3", Order: 2},
	}

	decision, err := sched.Tick(context.Background(), ns, 0, namespace.Cap{Value: 10}, candidates)
	require.NoError(t, err)
	require.Len(t, decision.Admit, 1)
	assert.Equal(t, "db1", decision.Admit[0])

	// A second tick before release sees the constraint still saturated.
	decision2, err := sched.Tick(context.Background(), ns, 1, namespace.Cap{Value: 10}, candidates[1:])
	require.NoError(t, err)
	assert.Empty(t, decision2.Admit)

	sched.Release(context.Background(), decision.LockPaths["db1"])

	decision3, err := sched.Tick(context.Background(), ns, 0, namespace.Cap{Value: 10}, candidates[1:])
	require.NoError(t, err)
	require.Len(t, decision3.Admit, 1)
	assert.Equal(t, "db2", decision3.Admit[0])
}

func TestPredecessors(t *testing.T) {
	ns := namespace.New("prod", namespace.Config{
		Hosts: map[string][]string{"db1": {"db"}, "app1": {"app"}},
		Constraints: []namespace.Constraint{
			{AppliesTo: "db", SequenceBefore: []string{"app"}},
		},
	})

	preds := scheduler.Predecessors(ns, "app1")
	assert.Equal(t, []string{"db1"}, preds)
	assert.Empty(t, scheduler.Predecessors(ns, "db1"))
}
