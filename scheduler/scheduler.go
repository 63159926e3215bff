// Package scheduler implements the constraint scheduler: the decision
// function that picks which ready hosts of a job may transition to
// running on a given tick, honoring the job's own concurrency cap and
// the namespace's cross-job constraint caps and sequencing rules
// (spec.md §4.3).
package scheduler

import (
	"context"
	"sort"

	"github.com/hamba/pkg/log"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/namespace"
	"github.com/hamba/pogo/pogoerr"
)

// Candidate is one ready host eligible for admission this tick.
type Candidate struct {
	Hostname string
	Order    int // position in the target expansion, for fairness
}

// Decision is the result of a scheduling tick.
type Decision struct {
	// Admit lists the hosts, in admission order, that may dispatch.
	Admit []string
	// LockPaths maps an admitted hostname to the lock node paths it
	// now holds, for the caller to release on terminal transition.
	LockPaths map[string][]string
}

// Scheduler decides host admission against the namespace's shared
// lock state in the Coordination Store.
type Scheduler struct {
	cs  *coord.Adapter
	log log.Logger
}

// New returns a Scheduler backed by cs.
func New(cs *coord.Adapter, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Null
	}
	return &Scheduler{cs: cs, log: logger}
}

// Tick decides which of candidates may be admitted, given the job's
// own running count and cap, and the namespace's constraint rules.
// Admission is tentative: for each admitted host, a lock node is
// created per matching constraint, so a later tick on another
// dispatcher observes the slot as taken. Counting the held locks and
// creating the new one are separate store operations, not one
// compare-and-set, so two dispatchers ticking at the same moment can
// both take the last free slot.
func (s *Scheduler) Tick(
	ctx context.Context,
	ns *namespace.Namespace,
	runningInJob int,
	concurrent namespace.Cap,
	candidates []Candidate,
) (Decision, error) {
	decision := Decision{LockPaths: make(map[string][]string)}

	ordered := append([]Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	jobCap := concurrent.Resolve(len(ordered) + runningInJob)
	budget := jobCap - runningInJob
	if budget <= 0 {
		return decision, nil
	}

	// Track locks this tick provisionally acquires, so a single tick
	// honors caps across its own admissions too.
	provisional := make(map[string]int)

	for _, cand := range ordered {
		if budget <= 0 {
			break
		}

		locks, ok, err := s.tryAcquire(ctx, ns, cand.Hostname, provisional)
		if err != nil {
			return decision, err
		}
		if !ok {
			continue
		}

		decision.Admit = append(decision.Admit, cand.Hostname)
		decision.LockPaths[cand.Hostname] = locks
		budget--
	}

	return decision, nil
}

// tryAcquire attempts to reserve a lock slot for every constraint
// matching host. If any constraint is at capacity, it releases any
// slots already reserved for this host and returns false.
func (s *Scheduler) tryAcquire(ctx context.Context, ns *namespace.Namespace, host string, provisional map[string]int) ([]string, bool, error) {
	var acquired []string

	for _, c := range ns.Constraints() {
		if !ns.HostMatchesSelector(host, c.AppliesTo) {
			continue
		}
		// An ordering-only constraint (no max_parallel) caps nothing.
		if !c.MaxParallel.Percent && c.MaxParallel.Value == 0 {
			continue
		}

		matching := ns.MatchingHosts(c.AppliesTo)
		limit := c.MaxParallel.Resolve(len(matching))

		held, err := s.cs.Children(ctx, coord.NamespaceLocksPath(ns.Name, c.AppliesTo))
		if err != nil {
			s.release(ctx, acquired)
			return nil, false, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "scheduler: list locks")
		}

		if len(held)+provisional[c.AppliesTo] >= limit {
			s.release(ctx, acquired)
			return nil, false, nil
		}

		path, err := s.cs.Create(ctx, coord.NamespaceLocksPath(ns.Name, c.AppliesTo), []byte(host), coord.Sequential|coord.Ephemeral)
		if err != nil {
			s.release(ctx, acquired)
			return nil, false, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "scheduler: acquire lock")
		}

		acquired = append(acquired, path)
		provisional[c.AppliesTo]++
	}

	return acquired, true, nil
}

func (s *Scheduler) release(ctx context.Context, paths []string) {
	for _, p := range paths {
		node, err := s.cs.Get(ctx, p)
		if err != nil || node == nil {
			continue
		}
		if err := s.cs.Delete(ctx, p, node.Version); err != nil {
			s.log.Info("scheduler: failed releasing lock", "path", p, "error", err)
		}
	}
}

// Release drops the lock nodes a host held, called on any terminal
// host transition.
func (s *Scheduler) Release(ctx context.Context, paths []string) {
	s.release(ctx, paths)
}

// Predecessors returns the hostnames that must reach finished before
// host may leave waiting, derived from sequence_before constraints
// whose selector matches host.
func Predecessors(ns *namespace.Namespace, host string) []string {
	seen := make(map[string]struct{})
	for _, c := range ns.Constraints() {
		matchesSuccessor := false
		for _, sel := range c.SequenceBefore {
			if ns.HostMatchesSelector(host, sel) {
				matchesSuccessor = true
				break
			}
		}
		if !matchesSuccessor {
			continue
		}
		for _, h := range ns.MatchingHosts(c.AppliesTo) {
			if h == host {
				continue
			}
			seen[h] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
