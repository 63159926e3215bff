package raftstore

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/hamba/pogo/coord"
)

// opType is a CS write operation applied through raft.
type opType uint8

// Operation types.
const (
	opCreate opType = iota
	opSet
	opDelete
	opDropSession
)

// command is the payload of a raft log entry: one CS write. Session
// identifies the store session an Ephemeral create belongs to, so a
// later dropSession can find it after a dispatcher crash.
type command struct {
	Op              opType
	Path            string
	Data            []byte
	Flags           coord.Flag
	ExpectedVersion uint64
	Session         string
}

// result is what Apply returns for a command, surfaced back to the
// caller via raft.ApplyFuture.Response().
type result struct {
	Path    string
	Version uint64
	Err     error
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeCommand(c command) ([]byte, error) {
	var buf bytes.Buffer
	err := codec.NewEncoder(&buf, msgpackHandle).Encode(c)
	return buf.Bytes(), err
}

func decodeCommand(data []byte) (command, error) {
	var c command
	err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(&c)
	return c, err
}
