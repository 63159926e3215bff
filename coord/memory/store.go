// Package memory implements coord.Store entirely in process. It backs
// unit tests for the job controller, scheduler and namespace model
// (the properties in spec.md §8) without requiring a Raft cluster.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/pogoerr"
)

type entry struct {
	data      []byte
	version   uint64
	ephemeral bool
	session   string
}

// Store is a single-process, in-memory Coordination Store.
type Store struct {
	mu      sync.Mutex
	nodes   map[string]*entry
	seq     map[string]uint64
	session string

	watchersData     map[string][]chan coord.Event
	watchersChildren map[string][]chan coord.Event

	closed bool
}

// New returns an empty in-memory store with a fresh session id.
func New(sessionID string) *Store {
	return &Store{
		nodes:            make(map[string]*entry),
		seq:              make(map[string]uint64),
		session:          sessionID,
		watchersData:     make(map[string][]chan coord.Event),
		watchersChildren: make(map[string][]chan coord.Event),
	}
}

// SessionID returns the store's session id.
func (s *Store) SessionID() string { return s.session }

// Close drops all ephemeral nodes owned by this store's session.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for p, e := range s.nodes {
		if e.ephemeral && e.session == s.session {
			delete(s.nodes, p)
			s.notifyLocked(p)
		}
	}
	return nil
}

// Create implements coord.Store.
func (s *Store) Create(_ context.Context, p string, data []byte, flags coord.Flag) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", pogoerr.New(pogoerr.CoordinationStoreUnavailable, "store closed")
	}

	full := p
	if flags.HasSequential() {
		parent := path.Dir(p)
		s.seq[parent]++
		full = fmt.Sprintf("%s%010d", p, s.seq[parent])
	}

	if _, ok := s.nodes[full]; ok {
		return "", pogoerr.Newf(pogoerr.Internal, "node already exists: %s", full)
	}

	s.nodes[full] = &entry{
		data:      data,
		version:   1,
		ephemeral: flags.HasEphemeral(),
		session:   s.session,
	}

	s.notifyLocked(full)
	s.notifyChildrenLocked(path.Dir(full))

	return full, nil
}

// Get implements coord.Store.
func (s *Store) Get(_ context.Context, p string) (*coord.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.nodes[p]
	if !ok {
		return nil, nil
	}
	return &coord.Node{Path: p, Data: append([]byte(nil), e.data...), Version: e.version}, nil
}

// Set implements coord.Store, enforcing compare-and-set semantics.
func (s *Store) Set(_ context.Context, p string, data []byte, expectedVersion uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.nodes[p]
	if !ok {
		return 0, pogoerr.Newf(pogoerr.Internal, "node does not exist: %s", p)
	}
	if e.version != expectedVersion {
		return 0, pogoerr.New(pogoerr.CASConflict, "version mismatch")
	}

	e.data = data
	e.version++
	s.notifyLocked(p)

	return e.version, nil
}

// Delete implements coord.Store.
func (s *Store) Delete(_ context.Context, p string, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.nodes[p]
	if !ok {
		return nil
	}
	if e.version != expectedVersion {
		return pogoerr.New(pogoerr.CASConflict, "version mismatch")
	}

	delete(s.nodes, p)
	s.notifyLocked(p)
	s.notifyChildrenLocked(path.Dir(p))

	return nil
}

// Children implements coord.Store.
func (s *Store) Children(_ context.Context, p string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(p, "/") + "/"

	seen := make(map[string]struct{})
	for key := range s.nodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if child == "" {
			continue
		}
		seen[child] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Watch implements coord.Store. The notification fires once, the
// caller re-arms by calling Watch again.
func (s *Store) Watch(ctx context.Context, p string, kind coord.WatchKind) (<-chan coord.Event, error) {
	s.mu.Lock()

	ch := make(chan coord.Event, 1)
	switch kind {
	case coord.WatchChildren:
		s.watchersChildren[p] = append(s.watchersChildren[p], ch)
	default:
		s.watchersData[p] = append(s.watchersData[p], ch)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
	}()

	return ch, nil
}

func (s *Store) notifyLocked(p string) {
	for _, ch := range s.watchersData[p] {
		select {
		case ch <- coord.Event{Kind: coord.WatchData, Path: p}:
		default:
		}
	}
	delete(s.watchersData, p)
}

func (s *Store) notifyChildrenLocked(p string) {
	for _, ch := range s.watchersChildren[p] {
		select {
		case ch <- coord.Event{Kind: coord.WatchChildren, Path: p}:
		default:
		}
	}
	delete(s.watchersChildren, p)
}

// Dump returns a copy of every path and its raw bytes as a map, used
// by tests asserting password non-persistence (spec.md §8 property 5).
func (s *Store) Dump() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(s.nodes))
	for p, e := range s.nodes {
		out[p] = append([]byte(nil), e.data...)
	}
	return out
}
