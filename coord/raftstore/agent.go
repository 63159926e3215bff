package raftstore

import (
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"
	"github.com/pkg/errors"

	"github.com/hamba/pogo/coord"
	logbridge "github.com/hamba/pogo/pkg/log"
	"github.com/hamba/pogo/pogoerr"
)

const (
	serfSnapshotPath  = "serf/local.snapshot"
	raftStateDir      = "raft/"
	raftLogCacheSize  = 512
	snapshotsRetained = 2

	barrierWriteTimeout = 2 * time.Minute
)

// statusReap is a pseudo serf.MemberStatus used internally by serf to
// mark members due for removal from the cluster view.
const statusReap = serf.MemberStatus(-1)

// Agent runs one dispatcher's participation in the CS raft cluster: a
// raft.Raft instance replicating FSM writes, and a Serf/memberlist
// gossip pool used to detect fleet membership changes and drive raft
// configuration changes while leader.
type Agent struct {
	config *Config
	log    log.Logger

	raft          *raft.Raft
	raftStore     *raftboltdb.BoltStore
	raftTransport *raft.NetworkTransport
	raftLayer     *RaftLayer
	fsm           *FSM
	raftNotifyCh  chan bool

	ln net.Listener

	serf        *serf.Serf
	eventCh     chan serf.Event
	reconcileCh chan serf.Member

	rpcClients   map[string]*rpcClient
	rpcClientsMu sync.Mutex

	shutdownMu sync.Mutex
	shutdownCh chan struct{}
	shutdown   bool
}

// New starts the raft and serf subsystems for cfg and returns a
// running Agent. Callers obtain a coord.Store over it via NewStore.
func New(cfg *Config) (*Agent, error) {
	if cfg.EncryptKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptKey)
		if err != nil {
			return nil, errors.Wrap(err, "raftstore: decode encryption key")
		}
		if err := memberlist.ValidateKey(key); err != nil {
			return nil, errors.Wrap(err, "raftstore: invalid encryption key")
		}
		cfg.SerfConfig.MemberlistConfig.SecretKey = key
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Null
	}

	a := &Agent{
		config:       cfg,
		log:          logger,
		raftNotifyCh: make(chan bool, 1),
		eventCh:      make(chan serf.Event, 256),
		reconcileCh:  make(chan serf.Member, 32),
		rpcClients:   make(map[string]*rpcClient),
		shutdownCh:   make(chan struct{}),
	}

	if err := a.setupRPC(); err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "raftstore: setup rpc")
	}

	if err := a.setupRaft(); err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "raftstore: setup raft")
	}

	var err error
	a.serf, err = a.setupSerf(cfg.SerfConfig, a.eventCh, serfSnapshotPath)
	if err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "raftstore: setup serf")
	}

	go a.listen(a.ln)
	go a.eventHandler()
	go a.monitorLeadership()

	return a, nil
}

// NewStore returns a coord.Store backed by this running Agent.
func NewStore(a *Agent) *Store {
	return newStore(a)
}

func (a *Agent) setupRaft() (err error) {
	defer func() {
		if a.raft == nil && a.raftStore != nil {
			_ = a.raftStore.Close()
		}
	}()

	a.config.RaftConfig.LocalID = raft.ServerID(a.config.ID)
	a.config.RaftConfig.StartAsLeader = a.config.StartAsLeader
	a.config.RaftConfig.NotifyCh = a.raftNotifyCh
	a.config.RaftConfig.Logger = logbridge.NewHCLBridge(a.log, "raft: ")

	a.fsm = NewFSM()

	trans := raft.NewNetworkTransportWithLogger(
		a.raftLayer,
		3,
		10*time.Second,
		logbridge.NewBridge(a.log, logbridge.Debug, "raft-transport: "),
	)
	a.raftTransport = trans

	dir := filepath.Join(a.config.DataDir, raftStateDir)
	if err := ensurePath(dir, true); err != nil {
		return err
	}

	store, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
	if err != nil {
		return err
	}
	a.raftStore = store

	logStore, err := raft.NewLogCache(raftLogCacheSize, store)
	if err != nil {
		return err
	}

	snapshots, err := raft.NewFileSnapshotStore(dir, snapshotsRetained, nil)
	if err != nil {
		return err
	}

	if a.config.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, store, snapshots)
		if err != nil {
			return err
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{
					{ID: a.config.RaftConfig.LocalID, Address: trans.LocalAddr()},
				},
			}
			if err := raft.BootstrapCluster(a.config.RaftConfig, logStore, store, snapshots, trans, configuration); err != nil {
				return err
			}
		}
	}

	a.raft, err = raft.NewRaft(a.config.RaftConfig, a.fsm, logStore, store, snapshots, trans)
	return err
}

func (a *Agent) setupSerf(cfg *serf.Config, ch chan serf.Event, snapshotRelPath string) (*serf.Serf, error) {
	cfg.Init()
	cfg.NodeName = a.config.Name
	cfg.Tags = dispatcherMeta{
		ID:        a.config.ID,
		Bootstrap: a.config.Bootstrap,
		Expect:    a.config.BootstrapExpect,
		NonVoter:  a.config.NonVoter,
		RPCAddr:   a.config.RPCAddr.String(),
	}.toTags()
	cfg.EventCh = ch
	cfg.EnableNameConflictResolution = false
	cfg.SnapshotPath = filepath.Join(a.config.DataDir, snapshotRelPath)
	cfg.Logger = logbridge.NewBridge(a.log, logbridge.Debug, "serf: ")
	cfg.MemberlistConfig.Logger = logbridge.NewBridge(a.log, logbridge.Debug, "memberlist: ")

	if err := ensurePath(cfg.SnapshotPath, false); err != nil {
		return nil, err
	}

	return serf.Create(cfg)
}

// setupRPC opens the single TCP listener shared by raft's transport
// and the dispatcher-to-leader command forwarding RPC, demultiplexed
// through raftLayer by a one-byte mode prefix (see rpc.go).
func (a *Agent) setupRPC() (err error) {
	a.ln, err = net.ListenTCP("tcp", a.config.RPCAddr)
	if err != nil {
		return err
	}
	if a.config.RPCAdvertise == nil {
		a.config.RPCAdvertise = a.ln.Addr().(*net.TCPAddr)
	}
	a.raftLayer = newRaftLayer(a.config.RPCAdvertise)
	return nil
}

// Join merges this dispatcher into the fleet via the given seed
// addresses.
func (a *Agent) Join(addrs []string) (int, error) {
	n, err := a.serf.Join(addrs, true)
	if err != nil {
		return n, errors.Wrap(err, "raftstore: join")
	}
	return n, nil
}

// Leave gracefully removes this dispatcher from the fleet, first
// removing itself as a raft voter when it is the leader of more than
// one voter.
func (a *Agent) Leave() error {
	numPeers, err := a.numPeers()
	if err != nil {
		return errors.Wrap(err, "raftstore: check raft peers")
	}

	if a.isLeader() && numPeers > 1 {
		future := a.raft.RemoveServer(raft.ServerID(a.config.ID), 0, 0)
		if err := future.Error(); err != nil {
			a.log.Error("raftstore: error removing ourselves as raft peer", "error", err)
		}
	}

	if a.serf != nil {
		if err := a.serf.Leave(); err != nil {
			return errors.Wrap(err, "raftstore: leave")
		}
	}

	time.Sleep(a.config.LeaveDrainTime)
	return nil
}

// Close shuts down serf and raft. It does not attempt a graceful
// Leave; callers that want that call Leave first.
func (a *Agent) Close() error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()

	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdownCh)

	if a.ln != nil {
		_ = a.ln.Close()
	}

	if a.serf != nil {
		if err := a.serf.Shutdown(); err != nil {
			return errors.Wrap(err, "raftstore: shutdown serf")
		}
	}

	if a.raft != nil {
		if a.raftTransport != nil {
			_ = a.raftTransport.Close()
		}
		future := a.raft.Shutdown()
		if err := future.Error(); err != nil {
			a.log.Error("raftstore: shutdown error", "error", err)
		}
		if a.raftStore != nil {
			_ = a.raftStore.Close()
		}
	}

	return nil
}

func (a *Agent) isLeader() bool { return a.raft.State() == raft.Leader }

// IsLeader reports whether this agent currently holds raft leadership.
func (a *Agent) IsLeader() bool { return a.isLeader() }

func (a *Agent) numPeers() (int, error) {
	future := a.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0, err
	}

	var n int
	for _, s := range future.Configuration().Servers {
		if s.Suffrage == raft.Voter {
			n++
		}
	}
	return n, nil
}

func (a *Agent) listen(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.shutdown {
				return
			}
			a.log.Error("raftstore: accept error", "error", err)
			continue
		}
		go a.handleConn(conn)
	}
}

// handleConn demultiplexes an inbound connection by its first byte:
// raft protocol frames go to the RaftLayer, command-forward frames
// are served directly.
func (a *Agent) handleConn(conn net.Conn) {
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		_ = conn.Close()
		return
	}

	switch rpcMode(buf[0]) {
	case rpcModeRaft:
		if err := a.raftLayer.HandOff(conn); err != nil {
			_ = conn.Close()
		}
	case rpcModeForward:
		a.serveForward(conn)
	default:
		_ = conn.Close()
	}
}

func ensurePath(path string, dir bool) error {
	if !dir {
		path = filepath.Dir(path)
	}
	return os.MkdirAll(path, 0o755)
}

// monitorLeadership starts and stops the leader-only maintenance loop
// as this dispatcher gains and loses raft leadership.
func (a *Agent) monitorLeadership() {
	var stopCh chan struct{}
	var wg sync.WaitGroup

	for {
		select {
		case leader := <-a.raftNotifyCh:
			if leader {
				if stopCh != nil {
					a.log.Error("raftstore: leader loop already running")
					continue
				}
				stopCh = make(chan struct{})
				wg.Add(1)
				go func(ch chan struct{}) {
					defer wg.Done()
					a.leaderLoop(ch)
				}(stopCh)
				a.log.Info("raftstore: cluster leadership acquired")
				continue
			}

			if stopCh == nil {
				continue
			}
			close(stopCh)
			wg.Wait()
			stopCh = nil
			a.log.Info("raftstore: cluster leadership lost")

		case <-a.shutdownCh:
			return
		}
	}
}

// leaderLoop periodically reconciles serf membership against raft
// voter configuration, repurposing the teacher's node-health
// reconciliation into dispatcher-fleet liveness bookkeeping: alive
// members get an ephemeral /pogo/dispatchers/<id> record, failed or
// reaped ones have theirs (and any ephemeral nodes their session
// owned) dropped.
func (a *Agent) leaderLoop(stopCh chan struct{}) {
RECONCILE:
	interval := time.After(a.config.ReconcileInterval)
	if err := a.raft.Barrier(barrierWriteTimeout).Error(); err != nil {
		a.log.Error("raftstore: barrier error", "error", err)
		goto WAIT
	}
	if err := a.reconcile(); err != nil {
		a.log.Error("raftstore: reconcile error", "error", err)
	}

WAIT:
	for {
		select {
		case <-stopCh:
			return
		case <-a.shutdownCh:
			return
		case <-interval:
			goto RECONCILE
		case m := <-a.reconcileCh:
			a.reconcileMember(m)
		}
	}
}

func (a *Agent) reconcile() error {
	known := make(map[string]struct{})
	for _, m := range a.serf.Members() {
		a.reconcileMember(m)
		if meta, ok := dispatcherOf(m); ok {
			known[meta.ID] = struct{}{}
		}
	}
	return a.reconcileReaped(known)
}

func (a *Agent) reconcileReaped(known map[string]struct{}) error {
	future := a.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return err
	}

	for _, s := range future.Configuration().Servers {
		id := string(s.ID)
		if _, ok := known[id]; ok {
			continue
		}
		if err := a.handleReapMember(id); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) reconcileMember(m serf.Member) {
	var err error
	switch m.Status {
	case serf.StatusAlive:
		err = a.handleAliveMember(m)
	case serf.StatusFailed:
		err = a.handleFailedMember(m)
	case statusReap:
		err = a.handleReapMember(m.Tags["id"])
	case serf.StatusLeft:
		err = a.handleReapMember(m.Tags["id"])
	}
	if err != nil {
		a.log.Error("raftstore: reconcile member", "member", m.Name, "error", err)
	}
}

func (a *Agent) handleAliveMember(m serf.Member) error {
	meta, ok := dispatcherOf(m)
	if !ok {
		return nil
	}

	if err := a.joinRaftVoter(m, meta); err != nil {
		a.log.Error("raftstore: error joining raft voter", "member", m.Name, "error", err)
		return err
	}

	a.log.Info("raftstore: member alive, recording liveness", "member", m.Name)

	path := coord.DispatcherPath(meta.ID)
	_, err := a.raftApply(command{Op: opSet, Path: path, Data: []byte(meta.RPCAddr), ExpectedVersion: a.currentVersion(path)})
	if pogoerr.Is(err, pogoerr.Internal) {
		_, err = a.raftApply(command{Op: opCreate, Path: path, Data: []byte(meta.RPCAddr), Flags: coord.Ephemeral, Session: meta.ID})
	}
	return err
}

func (a *Agent) handleFailedMember(m serf.Member) error {
	meta, ok := dispatcherOf(m)
	if !ok {
		return nil
	}
	a.log.Info("raftstore: member failed", "member", m.Name)
	return a.handleReapMember(meta.ID)
}

func (a *Agent) handleReapMember(id string) error {
	if id == "" || id == a.config.ID {
		return nil
	}

	if err := a.removeVoter(id); err != nil {
		a.log.Error("raftstore: error removing raft voter", "id", id, "error", err)
	}

	_, err := a.raftApply(command{Op: opDropSession, Session: id})
	return err
}

func (a *Agent) currentVersion(path string) uint64 {
	n := a.fsm.get(path)
	if n == nil {
		return 0
	}
	return n.Version
}

// raftApply encodes and commits cmd through raft on this node. It does
// not forward; its callers are the leader-only paths in this file,
// Store.apply and the forwarded-write RPC handler.
func (a *Agent) raftApply(cmd command) (result, error) {
	b, err := encodeCommand(cmd)
	if err != nil {
		return result{}, pogoerr.Wrap(pogoerr.Internal, err, "raftstore: encode command")
	}

	future := a.raft.Apply(b, applyTimeout)
	if err := future.Error(); err != nil {
		return result{}, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "raftstore: apply")
	}

	res, ok := future.Response().(result)
	if !ok {
		return result{}, pogoerr.New(pogoerr.Internal, "raftstore: unexpected apply response")
	}
	return res, res.Err
}

func (a *Agent) joinRaftVoter(m serf.Member, meta *dispatcherMeta) error {
	configFuture := a.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return err
	}

	if m.Name == a.config.Name {
		if l := len(configFuture.Configuration().Servers); l < 3 {
			return nil
		}
	}

	for _, s := range configFuture.Configuration().Servers {
		sameAddr := s.Address == raft.ServerAddress(meta.RPCAddr)
		sameID := s.ID == raft.ServerID(meta.ID)
		if !sameAddr && !sameID {
			continue
		}
		if sameAddr && sameID {
			return nil
		}
		if err := a.raft.RemoveServer(s.ID, 0, 0).Error(); err != nil {
			return err
		}
	}

	if meta.NonVoter {
		return a.raft.AddNonvoter(raft.ServerID(meta.ID), raft.ServerAddress(meta.RPCAddr), 0, 0).Error()
	}
	return a.raft.AddVoter(raft.ServerID(meta.ID), raft.ServerAddress(meta.RPCAddr), 0, 0).Error()
}

func (a *Agent) removeVoter(id string) error {
	configFuture := a.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return err
	}
	for _, s := range configFuture.Configuration().Servers {
		if string(s.ID) == id {
			return a.raft.RemoveServer(s.ID, 0, 0).Error()
		}
	}
	return nil
}

func (a *Agent) eventHandler() {
	for {
		select {
		case e := <-a.eventCh:
			me, ok := e.(serf.MemberEvent)
			if !ok {
				continue
			}
			for _, m := range me.Members {
				select {
				case a.reconcileCh <- m:
				default:
					a.log.Error("raftstore: reconcile queue full, dropping member event", "member", m.Name)
				}
			}
		case <-a.shutdownCh:
			return
		}
	}
}

