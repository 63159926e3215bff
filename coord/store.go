// Package coord defines the Coordination Store (CS) contract: a
// hierarchical, watchable key/value service providing atomic
// create/set/delete, ephemeral and sequential nodes, and change
// notification. It is the single source of truth for job and host
// state and is what makes dispatcher failover safe.
//
// Two implementations exist: coord/memory, a single-process store used
// in unit tests, and coord/raftstore, a Raft-replicated production
// store adapted from the teacher's cluster-membership code.
package coord

import (
	"context"
	"time"
)

// Flag modifies how a node is created.
type Flag int

// Creation flags. They compose: Sequential|Ephemeral is valid.
const (
	None       Flag = 0
	Sequential Flag = 1 << iota
	Ephemeral
)

func (f Flag) has(o Flag) bool { return f&o == o }

// HasSequential reports whether the Sequential flag is set.
func (f Flag) HasSequential() bool { return f.has(Sequential) }

// HasEphemeral reports whether the Ephemeral flag is set.
func (f Flag) HasEphemeral() bool { return f.has(Ephemeral) }

// WatchKind selects what a Watch call is notified about.
type WatchKind int

// Watch kinds.
const (
	WatchData WatchKind = iota
	WatchChildren
	WatchExists
)

// Node is a single path's value and metadata.
type Node struct {
	Path    string
	Data    []byte
	Version uint64
}

// Event is delivered once to a Watch caller when the watched path
// changes (a one-shot notification, the caller re-arms by calling
// Watch again).
type Event struct {
	Kind WatchKind
	Path string
}

// Store is the set of primitives a Coordination Store backend must
// provide, per the specification's §6 contract.
type Store interface {
	// Create atomically creates path with data under the given flags.
	// When flags include Sequential, the returned path is suffixed
	// with a monotonic integer scoped to the parent, rendered by the
	// store as a zero-padded ten-digit decimal ("%010d").
	Create(ctx context.Context, path string, data []byte, flags Flag) (string, error)

	// Get returns the data and version at path.
	Get(ctx context.Context, path string) (*Node, error)

	// Set performs a compare-and-set write: it succeeds only if the
	// current version at path equals expectedVersion, returning the
	// new version on success or a pogoerr.CASConflict error otherwise.
	Set(ctx context.Context, path string, data []byte, expectedVersion uint64) (uint64, error)

	// Delete removes path if its version equals expectedVersion.
	Delete(ctx context.Context, path string, expectedVersion uint64) error

	// Children lists the immediate children of path.
	Children(ctx context.Context, path string) ([]string, error)

	// Watch delivers one notification when path changes in the given
	// way. Cancelling ctx stops the watch without delivering an event.
	Watch(ctx context.Context, path string, kind WatchKind) (<-chan Event, error)

	// SessionID identifies the session ephemeral nodes created by this
	// Store are tied to.
	SessionID() string

	// Close releases the session, dropping any ephemeral nodes it
	// owns.
	Close() error
}

// RetryConfig configures the Adapter's backoff when the Coordination
// Store reports itself unavailable. This is a distinct policy from
// CASWrite's conflict retries: a CAS conflict is resolved locally by
// re-reading and re-deciding, capped at a fixed attempt count, while a
// CoordinationStoreUnavailable condition is expected to clear on its
// own (a leader election, a network partition healing) and is worth
// waiting out rather than failing the caller over.
type RetryConfig struct {
	Base       time.Duration
	Cap        time.Duration
	MaxElapsed time.Duration
}

// DefaultRetryConfig matches the specification: base 100ms, cap 5s,
// and up to 5 minutes of patience on a CoordinationStoreUnavailable
// condition before it is surfaced to the caller (spec.md §7).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Base: 100 * time.Millisecond, Cap: 5 * time.Second, MaxElapsed: 5 * time.Minute}
}
