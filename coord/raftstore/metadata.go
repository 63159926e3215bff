package raftstore

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/serf/serf"
)

const fleetTag = "pogo"

// dispatcherMeta is a dispatcher process's identity and addressing,
// carried as Serf member tags.
type dispatcherMeta struct {
	ID        string
	Bootstrap bool
	Expect    int
	NonVoter  bool
	RPCAddr   string
}

func (d dispatcherMeta) toTags() map[string]string {
	tags := map[string]string{
		"fleet":    fleetTag,
		"id":       d.ID,
		"rpc_addr": d.RPCAddr,
	}
	if d.Bootstrap {
		tags["bootstrap"] = "1"
	}
	if d.Expect != 0 {
		tags["expect"] = fmt.Sprintf("%d", d.Expect)
	}
	if d.NonVoter {
		tags["non_voter"] = "1"
	}
	return tags
}

// dispatcherOf reports whether m is a fleet member and, if so, its
// parsed metadata.
func dispatcherOf(m serf.Member) (*dispatcherMeta, bool) {
	if m.Tags["fleet"] != fleetTag {
		return nil, false
	}

	expect := 0
	if s, ok := m.Tags["expect"]; ok {
		expect, _ = strconv.Atoi(s)
	}
	_, bootstrap := m.Tags["bootstrap"]
	_, nonVoter := m.Tags["non_voter"]

	return &dispatcherMeta{
		ID:        m.Tags["id"],
		Bootstrap: bootstrap,
		Expect:    expect,
		NonVoter:  nonVoter,
		RPCAddr:   m.Tags["rpc_addr"],
	}, true
}
