package main

import (
	"crypto/tls"
	"net"
	"strconv"

	"gopkg.in/urfave/cli.v2"

	"github.com/hamba/pogo/coord/raftstore"
	"github.com/hamba/pogo/worker"
)

func newRaftConfig(c *cli.Context, fc *fileConfig) (*raftstore.Config, error) {
	cfg := raftstore.NewConfig()

	cfg.ID = firstNonEmpty(c.String(flagID), fc.ID, cfg.Name)
	cfg.Name = firstNonEmpty(c.String(flagName), fc.Name)
	cfg.DataDir = firstNonEmpty(c.String(flagDataDir), fc.DataDir, "/var/lib/pogo")
	cfg.EncryptKey = firstNonEmpty(c.String(flagEncryptKey), fc.EncryptKey)
	cfg.Bootstrap = c.Bool(flagBootstrap) || fc.Bootstrap
	if n := c.Int(flagBootstrapExpect); n > 0 {
		cfg.BootstrapExpect = n
	} else {
		cfg.BootstrapExpect = fc.BootstrapExpect
	}

	raftAddr := firstNonEmpty(c.String(flagRaftAddr), fc.RaftAddr)
	if raftAddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", raftAddr)
		if err != nil {
			return nil, newUsageError("cmd/pogo: invalid raft address", err)
		}
		cfg.RPCAddr = addr
	}

	raftAdvertise := firstNonEmpty(c.String(flagRaftAdvertise), fc.RaftAdvertise)
	if raftAdvertise != "" {
		addr, err := net.ResolveTCPAddr("tcp", raftAdvertise)
		if err != nil {
			return nil, newUsageError("cmd/pogo: invalid raft advertise address", err)
		}
		cfg.RPCAdvertise = addr
	}

	serfAddr := firstNonEmpty(c.String(flagSerfAddr), fc.SerfAddr, "0.0.0.0:8301")
	bindIP, bindPort, err := net.SplitHostPort(serfAddr)
	if err != nil {
		return nil, newUsageError("cmd/pogo: invalid serf address", err)
	}
	port, err := strconv.Atoi(bindPort)
	if err != nil {
		return nil, newUsageError("cmd/pogo: invalid serf port", err)
	}
	cfg.SerfConfig.MemberlistConfig.BindAddr = bindIP
	cfg.SerfConfig.MemberlistConfig.BindPort = port

	return cfg, nil
}

func newWorkerListener(c *cli.Context, fc *fileConfig) (net.Listener, error) {
	bind := firstNonEmpty(c.String(flagWorkerBind), fc.WorkerBind, "0.0.0.0:7000")

	tlsCfg := worker.TLSConfig{
		CertFile: firstNonEmpty(c.String(flagWorkerCert), fc.WorkerCert),
		KeyFile:  firstNonEmpty(c.String(flagWorkerKey), fc.WorkerKey),
		CAFile:   firstNonEmpty(c.String(flagWorkerCA), fc.WorkerCA),
	}
	if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" || tlsCfg.CAFile == "" {
		return nil, newUsageError("cmd/pogo: worker-cert, worker-key and worker-ca are all required", nil)
	}

	serverCfg, err := tlsCfg.ServerConfig()
	if err != nil {
		return nil, newUnavailableError("cmd/pogo: build worker tls config", err)
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, newUnavailableError("cmd/pogo: bind worker listener", err)
	}

	return tls.NewListener(ln, serverCfg), nil
}
