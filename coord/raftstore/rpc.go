package raftstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/raft"

	"github.com/hamba/pogo/pogoerr"
)

// rpcMode is the one-byte prefix a dialer writes to tell Agent.handleConn
// which protocol the rest of the connection speaks, letting raft's
// transport and the command-forwarding RPC share one listener the way
// the teacher's RaftLayer shares a listener between raft and its
// (stubbed) application RPC.
type rpcMode byte

const (
	rpcModeRaft rpcMode = iota
	rpcModeForward
)

const (
	forwardDialTimeout  = 10 * time.Second
	forwardWriteTimeout = 10 * time.Second
)

// RaftLayer adapts Agent's shared listener into a raft.StreamLayer by
// handing off connections tagged rpcModeRaft from handleConn.
type RaftLayer struct {
	addr net.Addr

	connCh chan net.Conn

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newRaftLayer(addr net.Addr) *RaftLayer {
	return &RaftLayer{addr: addr, connCh: make(chan net.Conn), closeCh: make(chan struct{})}
}

// HandOff passes a demultiplexed connection to the layer's Accept loop.
func (l *RaftLayer) HandOff(conn net.Conn) error {
	select {
	case l.connCh <- conn:
		return nil
	case <-l.closeCh:
		return errRaftLayerClosed
	}
}

// Accept implements raft.StreamLayer.
func (l *RaftLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, errRaftLayerClosed
	}
}

// Addr implements net.Listener via raft.StreamLayer.
func (l *RaftLayer) Addr() net.Addr { return l.addr }

// Close implements raft.StreamLayer.
func (l *RaftLayer) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	return nil
}

// Dial implements raft.StreamLayer, writing the raft mode byte before
// handing the connection to raft's own wire protocol.
func (l *RaftLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	conn, err := (&net.Dialer{Timeout: timeout}).Dial("tcp", string(address))
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{byte(rpcModeRaft)}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

var errRaftLayerClosed = raftLayerClosedError{}

type raftLayerClosedError struct{}

func (raftLayerClosedError) Error() string { return "raftstore: RaftLayer closed" }

// wireResult is command's result made safe to msgpack-encode: Err is
// flattened to a kind/message pair since error is an interface.
type wireResult struct {
	Path    string
	Version uint64
	ErrKind string
	ErrMsg  string
}

func toWire(r result) wireResult {
	w := wireResult{Path: r.Path, Version: r.Version}
	if r.Err != nil {
		if pe, ok := r.Err.(*pogoerr.Error); ok {
			w.ErrKind = string(pe.Kind)
			w.ErrMsg = pe.Message
		} else {
			w.ErrKind = string(pogoerr.Internal)
			w.ErrMsg = r.Err.Error()
		}
	}
	return w
}

func fromWire(w wireResult) result {
	r := result{Path: w.Path, Version: w.Version}
	if w.ErrKind != "" {
		r.Err = pogoerr.New(pogoerr.Kind(w.ErrKind), w.ErrMsg)
	}
	return r
}

func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	return codec.NewDecoder(bytes.NewReader(body), msgpackHandle).Decode(v)
}

// forward sends cmd to the current raft leader and returns its
// result, completing the non-leader write path the teacher's agent
// left as a stubbed, commented-out connPool.Apply call.
func (a *Agent) forward(cmd command) (result, error) {
	leaderAddr := a.raft.Leader()
	if leaderAddr == "" {
		return result{}, pogoerr.New(pogoerr.CoordinationStoreUnavailable, "raftstore: no leader")
	}

	client := a.forwardClient(string(leaderAddr))
	return client.apply(cmd)
}

func (a *Agent) forwardClient(addr string) *rpcClient {
	a.rpcClientsMu.Lock()
	defer a.rpcClientsMu.Unlock()

	if c, ok := a.rpcClients[addr]; ok {
		return c
	}
	c := &rpcClient{addr: addr}
	a.rpcClients[addr] = c
	return c
}

// rpcClient dials the leader's shared listener fresh for each apply
// call. Dispatcher write volume is low (one per scheduler tick per
// admitted host) so a per-call connection is simpler than pooling and
// avoids stale-connection bookkeeping across leader changes.
type rpcClient struct {
	addr string
}

func (c *rpcClient) apply(cmd command) (result, error) {
	conn, err := net.DialTimeout("tcp", c.addr, forwardDialTimeout)
	if err != nil {
		return result{}, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "raftstore: dial leader")
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(forwardWriteTimeout))

	if _, err := conn.Write([]byte{byte(rpcModeForward)}); err != nil {
		return result{}, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "raftstore: write mode byte")
	}
	if err := writeFrame(conn, cmd); err != nil {
		return result{}, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "raftstore: write command")
	}

	var w wireResult
	if err := readFrame(conn, &w); err != nil {
		return result{}, pogoerr.Wrap(pogoerr.CoordinationStoreUnavailable, err, "raftstore: read result")
	}

	return fromWire(w), nil
}

// serveForward handles one inbound forwarded command on the leader
// side: decode, apply through raft, reply.
func (a *Agent) serveForward(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(forwardWriteTimeout))

	var cmd command
	if err := readFrame(conn, &cmd); err != nil {
		return
	}

	res, err := a.raftApply(cmd)
	if err != nil && res.Err == nil {
		res.Err = err
	}
	_ = writeFrame(conn, toWire(res))
}
