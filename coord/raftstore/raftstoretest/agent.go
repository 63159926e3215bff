// Package raftstoretest builds throwaway raftstore.Agents on
// dynamically allocated ports for use in tests.
package raftstoretest

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hamba/testutils/retry"
	"github.com/travisjeffery/go-dynaport"

	"github.com/hamba/pogo/coord/raftstore"
)

var nodeNumber int32

// NewAgent starts a raftstore.Agent bound to free loopback ports and
// returns it alongside the config used and its temp data directory.
func NewAgent(t *testing.T, cfgFn func(cfg *raftstore.Config)) (*raftstore.Agent, *raftstore.Config, string) {
	t.Helper()

	ports := dynaport.Get(2)
	id := atomic.AddInt32(&nodeNumber, 1)

	tmpDir, err := ioutil.TempDir("", fmt.Sprintf("raftstore-test-%d", id))
	if err != nil {
		t.Fatalf("tempdir: %s", err)
	}

	cfg := raftstore.NewConfig()
	cfg.ID = fmt.Sprintf("node-%d", id)
	cfg.Name = fmt.Sprintf("%s-node-%d", t.Name(), id)
	cfg.DataDir = tmpDir
	cfg.RPCAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: ports[0]}
	cfg.SerfConfig.MemberlistConfig.BindAddr = "127.0.0.1"
	cfg.SerfConfig.MemberlistConfig.BindPort = ports[1]
	cfg.LeaveDrainTime = 1 * time.Millisecond
	cfg.ReconcileInterval = 300 * time.Millisecond

	cfg.SerfConfig.MemberlistConfig.SuspicionMult = 2
	cfg.SerfConfig.MemberlistConfig.RetransmitMult = 2
	cfg.SerfConfig.MemberlistConfig.ProbeTimeout = 50 * time.Millisecond
	cfg.SerfConfig.MemberlistConfig.ProbeInterval = 100 * time.Millisecond
	cfg.SerfConfig.MemberlistConfig.GossipInterval = 100 * time.Millisecond

	cfg.RaftConfig.LeaderLeaseTimeout = 100 * time.Millisecond
	cfg.RaftConfig.HeartbeatTimeout = 200 * time.Millisecond
	cfg.RaftConfig.ElectionTimeout = 200 * time.Millisecond

	if cfgFn != nil {
		cfgFn(cfg)
	}

	agent, err := raftstore.New(cfg)
	if err != nil {
		t.Fatalf("raftstore.New: %s", err)
	}

	return agent, cfg, tmpDir
}

// Join makes other join the Serf gossip pool of the agent configured
// by cfg, via cfg's bind port.
func Join(t *testing.T, cfg *raftstore.Config, other *raftstore.Agent) {
	t.Helper()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.SerfConfig.MemberlistConfig.BindPort)
	if _, err := other.Join([]string{addr}); err != nil {
		t.Fatalf("join: %s", err)
	}
}

// WaitForLeader retries until one of the given agents reports itself
// as raft leader.
func WaitForLeader(t *testing.T, agents ...*raftstore.Agent) {
	t.Helper()

	retry.Run(t, func(r *retry.SubT) {
		for _, a := range agents {
			if a.IsLeader() {
				return
			}
		}
		r.Fatalf("no leader elected")
	})
}

// CloseAndRemove closes an agent and removes its temp directory.
func CloseAndRemove(t *testing.T, agent *raftstore.Agent, tmpDir string) {
	t.Helper()
	defer os.RemoveAll(tmpDir)

	if err := agent.Close(); err != nil {
		t.Errorf("close agent: %s", err)
	}
}
