// Package raftstore implements coord.Store as an embedded,
// Raft-replicated store: writes go through raft.Apply against an
// in-memory tree FSM, giving the linearizable CAS semantics spec.md
// §4.5 requires without depending on an external coordination
// service. Serf/memberlist gossip membership between dispatcher
// processes drives reaping of ephemeral nodes on crash.
package raftstore

import (
	"net"
	"os"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
)

// Default ports, mirrored from the dispatcher fleet's gossip/raft
// bind defaults.
const (
	DefaultRaftPort = 8300
	DefaultSerfPort = 8301
)

// Config configures one dispatcher's participation in the CS raft
// cluster.
type Config struct {
	// ID is this dispatcher's unique raft server id.
	ID string
	// Name is the name advertised over Serf.
	Name string
	// DataDir holds raft logs and serf snapshots.
	DataDir string

	SerfConfig *serf.Config
	EncryptKey string
	RaftConfig *raft.Config

	RPCAdvertise *net.TCPAddr
	RPCAddr      *net.TCPAddr

	Bootstrap       bool
	BootstrapExpect int
	NonVoter        bool

	LeaveDrainTime    time.Duration
	ReconcileInterval time.Duration

	Logger log.Logger

	// StartAsLeader is for tests only.
	StartAsLeader bool
}

// NewConfig returns a Config with the fleet's default tunables.
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "pogo"
	}

	cfg := &Config{
		Name:              hostname,
		SerfConfig:        serfDefaultConfig(),
		RaftConfig:        raft.DefaultConfig(),
		RPCAddr:           &net.TCPAddr{IP: net.IPv4zero, Port: DefaultRaftPort},
		LeaveDrainTime:    5 * time.Second,
		ReconcileInterval: 30 * time.Second,
	}
	cfg.SerfConfig.ReconnectTimeout = 24 * time.Hour
	cfg.SerfConfig.MemberlistConfig.BindPort = DefaultSerfPort
	cfg.RaftConfig.SnapshotThreshold = 16384

	return cfg
}

func serfDefaultConfig() *serf.Config {
	base := serf.DefaultConfig()
	base.QueueDepthWarning = 1000000
	return base
}
