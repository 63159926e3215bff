package raftstore

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/raft"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/pogoerr"
)

type fsmEntry struct {
	Data      []byte
	Version   uint64
	Ephemeral bool
	Session   string
}

// FSM applies CS writes committed through raft to an in-memory tree,
// the same shape coord/memory.Store holds, but mutated only from
// Apply so every dispatcher in the fleet converges on an identical
// copy (spec.md §4.5: the CS is the single source of truth for job
// and host state).
type FSM struct {
	mu    sync.RWMutex
	nodes map[string]*fsmEntry
	seq   map[string]uint64

	watchMu          sync.Mutex
	watchersData     map[string][]chan coord.Event
	watchersChildren map[string][]chan coord.Event
}

// NewFSM returns an empty FSM.
func NewFSM() *FSM {
	return &FSM{
		nodes:            make(map[string]*fsmEntry),
		seq:              make(map[string]uint64),
		watchersData:     make(map[string][]chan coord.Event),
		watchersChildren: make(map[string][]chan coord.Event),
	}
}

// Apply is invoked once a log entry has been committed.
func (f *FSM) Apply(l *raft.Log) interface{} {
	cmd, err := decodeCommand(l.Data)
	if err != nil {
		return result{Err: pogoerr.Wrap(pogoerr.Internal, err, "raftstore: decode command")}
	}

	switch cmd.Op {
	case opCreate:
		return f.applyCreate(cmd)
	case opSet:
		return f.applySet(cmd)
	case opDelete:
		return f.applyDelete(cmd)
	case opDropSession:
		f.dropSession(cmd.Session)
		return result{}
	default:
		return result{Err: pogoerr.Newf(pogoerr.Internal, "raftstore: unknown op %d", cmd.Op)}
	}
}

func (f *FSM) applyCreate(cmd command) result {
	f.mu.Lock()

	full := cmd.Path
	if cmd.Flags.HasSequential() {
		parent := path.Dir(cmd.Path)
		f.seq[parent]++
		full = fmt.Sprintf("%s%010d", cmd.Path, f.seq[parent])
	}

	if _, ok := f.nodes[full]; ok {
		f.mu.Unlock()
		return result{Err: pogoerr.Newf(pogoerr.Internal, "raftstore: node exists: %s", full)}
	}

	f.nodes[full] = &fsmEntry{Data: cmd.Data, Version: 1, Ephemeral: cmd.Flags.HasEphemeral(), Session: cmd.Session}
	f.mu.Unlock()

	f.notify(full)
	f.notifyChildren(path.Dir(full))
	return result{Path: full, Version: 1}
}

func (f *FSM) applySet(cmd command) result {
	f.mu.Lock()
	e, ok := f.nodes[cmd.Path]
	if !ok {
		f.mu.Unlock()
		return result{Err: pogoerr.Newf(pogoerr.Internal, "raftstore: node missing: %s", cmd.Path)}
	}
	if e.Version != cmd.ExpectedVersion {
		f.mu.Unlock()
		return result{Err: pogoerr.New(pogoerr.CASConflict, "raftstore: version mismatch")}
	}
	e.Data = cmd.Data
	e.Version++
	v := e.Version
	f.mu.Unlock()

	f.notify(cmd.Path)
	return result{Path: cmd.Path, Version: v}
}

func (f *FSM) applyDelete(cmd command) result {
	f.mu.Lock()
	e, ok := f.nodes[cmd.Path]
	if !ok {
		f.mu.Unlock()
		return result{Path: cmd.Path}
	}
	if e.Version != cmd.ExpectedVersion {
		f.mu.Unlock()
		return result{Err: pogoerr.New(pogoerr.CASConflict, "raftstore: version mismatch")}
	}
	delete(f.nodes, cmd.Path)
	f.mu.Unlock()

	f.notify(cmd.Path)
	f.notifyChildren(path.Dir(cmd.Path))
	return result{Path: cmd.Path}
}

// get is a local, non-raft read: tolerably stale per spec.md §5.
func (f *FSM) get(p string) *coord.Node {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.nodes[p]
	if !ok {
		return nil
	}
	return &coord.Node{Path: p, Data: append([]byte(nil), e.Data...), Version: e.Version}
}

func (f *FSM) children(p string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	prefix := strings.TrimSuffix(p, "/") + "/"
	seen := make(map[string]struct{})
	for key := range f.nodes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		child := strings.SplitN(rest, "/", 2)[0]
		if child != "" {
			seen[child] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// dropSession removes every ephemeral node owned by session, applied
// directly by the caller (expected to be raft-serialized via a
// command, see Store.Close).
func (f *FSM) dropSession(session string) []string {
	f.mu.Lock()
	var dropped []string
	for p, e := range f.nodes {
		if e.Ephemeral && e.Session == session {
			dropped = append(dropped, p)
			delete(f.nodes, p)
		}
	}
	f.mu.Unlock()

	for _, p := range dropped {
		f.notify(p)
		f.notifyChildren(path.Dir(p))
	}
	return dropped
}

func (f *FSM) addWatch(p string, kind coord.WatchKind) <-chan coord.Event {
	ch := make(chan coord.Event, 1)

	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	if kind == coord.WatchChildren {
		f.watchersChildren[p] = append(f.watchersChildren[p], ch)
	} else {
		f.watchersData[p] = append(f.watchersData[p], ch)
	}
	return ch
}

func (f *FSM) notify(p string) {
	f.watchMu.Lock()
	chans := f.watchersData[p]
	delete(f.watchersData, p)
	f.watchMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- coord.Event{Kind: coord.WatchData, Path: p}:
		default:
		}
	}
}

func (f *FSM) notifyChildren(p string) {
	f.watchMu.Lock()
	chans := f.watchersChildren[p]
	delete(f.watchersChildren, p)
	f.watchMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- coord.Event{Kind: coord.WatchChildren, Path: p}:
		default:
		}
	}
}

// Snapshot creates a point-in-time copy of the tree for raft log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := make(map[string]fsmEntry, len(f.nodes))
	for p, e := range f.nodes {
		snap[p] = *e
	}
	seq := make(map[string]uint64, len(f.seq))
	for p, v := range f.seq {
		seq[p] = v
	}

	return &fsmSnapshot{nodes: snap, seq: seq}, nil
}

// Restore replaces the tree with a previously snapshotted one.
func (f *FSM) Restore(rc io.ReadCloser) error {
	b, err := ioutil.ReadAll(rc)
	if err != nil {
		return pogoerr.Wrap(pogoerr.Internal, err, "raftstore: read snapshot")
	}

	var payload snapshotPayload
	if err := codec.NewDecoder(bytes.NewReader(b), msgpackHandle).Decode(&payload); err != nil {
		return pogoerr.Wrap(pogoerr.Internal, err, "raftstore: decode snapshot")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = make(map[string]*fsmEntry, len(payload.Nodes))
	for p, e := range payload.Nodes {
		ec := e
		f.nodes[p] = &ec
	}
	f.seq = payload.Seq
	return nil
}

type snapshotPayload struct {
	Nodes map[string]fsmEntry
	Seq   map[string]uint64
}

type fsmSnapshot struct {
	nodes map[string]fsmEntry
	seq   map[string]uint64
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	payload := snapshotPayload{Nodes: s.nodes, Seq: s.seq}

	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(payload); err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
