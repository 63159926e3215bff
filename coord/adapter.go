package coord

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/pkg/errors"

	"github.com/hamba/pogo/pogoerr"
)

// Adapter wraps a raw Store with the §4.5 adapter responsibilities:
// retries with exponential backoff on transient errors, collapsing of
// duplicate watch rearms on the same path/kind, and CAS re-read/re-decide
// on conflict.
type Adapter struct {
	store Store
	log   log.Logger
	retry RetryConfig

	mu      sync.Mutex
	inFlight map[string]<-chan Event
}

// NewAdapter wraps store with the default retry configuration.
func NewAdapter(store Store, logger log.Logger) *Adapter {
	if logger == nil {
		logger = log.Null
	}
	return &Adapter{
		store:    store,
		log:      logger,
		retry:    DefaultRetryConfig(),
		inFlight: make(map[string]<-chan Event),
	}
}

// Raw returns the underlying Store, for components (such as typed
// views) that need the full interface without retry wrapping applied
// twice.
func (a *Adapter) Raw() Store { return a.store }

// SessionID proxies the underlying store's session id.
func (a *Adapter) SessionID() string { return a.store.SessionID() }

// Close proxies the underlying store's Close.
func (a *Adapter) Close() error { return a.store.Close() }

// Create retries transient failures with backoff.
func (a *Adapter) Create(ctx context.Context, path string, data []byte, flags Flag) (string, error) {
	var out string
	err := a.withRetry(ctx, func() error {
		p, err := a.store.Create(ctx, path, data, flags)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Get retries transient failures with backoff.
func (a *Adapter) Get(ctx context.Context, path string) (*Node, error) {
	var out *Node
	err := a.withRetry(ctx, func() error {
		n, err := a.store.Get(ctx, path)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// Children retries transient failures with backoff.
func (a *Adapter) Children(ctx context.Context, path string) ([]string, error) {
	var out []string
	err := a.withRetry(ctx, func() error {
		c, err := a.store.Children(ctx, path)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Delete retries transient failures with backoff. CASConflict is not
// retried here; callers that need re-read/re-decide should use
// CASWrite.
func (a *Adapter) Delete(ctx context.Context, path string, expectedVersion uint64) error {
	return a.withRetry(ctx, func() error {
		return a.store.Delete(ctx, path, expectedVersion)
	})
}

// Watch collapses duplicate rearms: a second Watch call for the same
// path+kind while one is already outstanding reuses the same channel
// instead of registering a second watch with the backend.
func (a *Adapter) Watch(ctx context.Context, path string, kind WatchKind) (<-chan Event, error) {
	key := watchKey(path, kind)

	a.mu.Lock()
	if ch, ok := a.inFlight[key]; ok {
		a.mu.Unlock()
		return ch, nil
	}
	a.mu.Unlock()

	ch, err := a.store.Watch(ctx, path, kind)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.inFlight[key] = ch
	a.mu.Unlock()

	go func() {
		<-ch
		a.mu.Lock()
		delete(a.inFlight, key)
		a.mu.Unlock()
	}()

	return ch, nil
}

func watchKey(path string, kind WatchKind) string {
	switch kind {
	case WatchData:
		return "d:" + path
	case WatchChildren:
		return "c:" + path
	default:
		return "e:" + path
	}
}

// CASWrite performs a read/decide/write loop: decide is called with the
// current node (nil if absent) and must return the new payload; on a
// CASConflict the node is re-read and decide is invoked again, up to
// 10 attempts, after which pogoerr.Internal is returned.
func (a *Adapter) CASWrite(ctx context.Context, path string, decide func(cur *Node) ([]byte, error)) (uint64, error) {
	const maxAttempts = 10

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := a.Get(ctx, path)
		if err != nil && !pogoerr.Is(err, pogoerr.Internal) {
			return 0, err
		}

		data, err := decide(cur)
		if err != nil {
			return 0, err
		}

		var expected uint64
		if cur != nil {
			expected = cur.Version
		}

		var newVersion uint64
		if cur == nil {
			_, err = a.store.Create(ctx, path, data, None)
			if err == nil {
				newVersion = 1
			}
		} else {
			newVersion, err = a.store.Set(ctx, path, data, expected)
		}

		if err == nil {
			return newVersion, nil
		}
		if !pogoerr.Is(err, pogoerr.CASConflict) {
			return 0, err
		}

		a.log.Debug("coord: CAS conflict, re-reading and retrying", "path", path, "attempt", attempt)
	}

	return 0, pogoerr.New(pogoerr.Internal, "exceeded CAS retry attempts for "+path)
}

// withRetry is the CoordinationStoreUnavailable policy: it pauses and
// retries for up to a.retry.MaxElapsed (spec.md §7's ~5 minute replay
// window) rather than giving up after a fixed attempt count, so a
// passing leader election or network blip never fails the calling job
// operation outright. CASConflict is a different policy entirely
// (local re-read/re-decide, capped at CASWrite's own attempt count)
// and is not retried here.
func (a *Adapter) withRetry(ctx context.Context, fn func() error) error {
	backoff := a.retry.Base
	deadline := time.Now().Add(a.retry.MaxElapsed)

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !pogoerr.Is(err, pogoerr.CoordinationStoreUnavailable) {
			return err
		}
		if time.Now().After(deadline) {
			return errors.Wrap(err, "coord: coordination store still unavailable after replay window")
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		sleep := backoff/2 + jitter/2

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > a.retry.Cap {
			backoff = a.retry.Cap
		}
	}
}
