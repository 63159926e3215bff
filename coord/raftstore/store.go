package raftstore

import (
	"context"
	"time"

	"github.com/hashicorp/raft"

	"github.com/hamba/pogo/coord"
)

const applyTimeout = 5 * time.Second

// Store implements coord.Store by routing every write through
// raft.Apply against the Agent's FSM, and serving reads directly from
// the FSM's in-memory tree (possibly stale on a follower, which
// spec.md §5 accepts: the CS read path favors availability).
type Store struct {
	agent *Agent
}

// newStore wraps an already-running Agent as a coord.Store.
func newStore(a *Agent) *Store {
	return &Store{agent: a}
}

func (s *Store) apply(cmd command) (result, error) {
	var res result
	var err error
	if s.agent.raft.State() != raft.Leader {
		res, err = s.agent.forward(cmd)
	} else {
		res, err = s.agent.raftApply(cmd)
	}
	if err == nil && res.Err != nil {
		err = res.Err
	}
	return res, err
}

// Create implements coord.Store.
func (s *Store) Create(_ context.Context, path string, data []byte, flags coord.Flag) (string, error) {
	cmd := command{Op: opCreate, Path: path, Data: data, Flags: flags}
	if flags.HasEphemeral() {
		cmd.Session = s.SessionID()
	}

	res, err := s.apply(cmd)
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

// Get implements coord.Store, reading directly from the local FSM.
func (s *Store) Get(_ context.Context, path string) (*coord.Node, error) {
	return s.agent.fsm.get(path), nil
}

// Set implements coord.Store.
func (s *Store) Set(_ context.Context, path string, data []byte, expectedVersion uint64) (uint64, error) {
	res, err := s.apply(command{Op: opSet, Path: path, Data: data, ExpectedVersion: expectedVersion})
	if err != nil {
		return 0, err
	}
	return res.Version, nil
}

// Delete implements coord.Store.
func (s *Store) Delete(_ context.Context, path string, expectedVersion uint64) error {
	_, err := s.apply(command{Op: opDelete, Path: path, ExpectedVersion: expectedVersion})
	return err
}

// Children implements coord.Store, reading directly from the local FSM.
func (s *Store) Children(_ context.Context, path string) ([]string, error) {
	return s.agent.fsm.children(path), nil
}

// Watch implements coord.Store.
func (s *Store) Watch(ctx context.Context, path string, kind coord.WatchKind) (<-chan coord.Event, error) {
	ch := s.agent.fsm.addWatch(path, kind)

	out := make(chan coord.Event, 1)
	go func() {
		select {
		case ev := <-ch:
			out <- ev
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// SessionID returns the raft server id this store writes ephemeral
// nodes under. It is the configured dispatcher id, so it survives
// leadership changes and stays the same across restarts that reuse
// that id.
func (s *Store) SessionID() string { return s.agent.config.ID }

// Close drops every ephemeral node owned by this dispatcher's
// session, replicated through raft so the rest of the fleet observes
// it immediately rather than waiting on Serf failure detection to
// reap a stale liveness record.
func (s *Store) Close() error {
	_, err := s.apply(command{Op: opDropSession, Session: s.SessionID()})
	return err
}
