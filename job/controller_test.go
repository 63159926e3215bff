package job_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hamba/testutils/retry"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/coord/memory"
	"github.com/hamba/pogo/job"
	"github.com/hamba/pogo/namespace"
	"github.com/hamba/pogo/scheduler"
)

// fakeDispatcher reports its configured outcome (exit 0 by default)
// for every dispatched task after its configured delay, or a cancelled
// outcome if the dispatch is cancelled first, letting controller tests
// exercise the state machine without a real worker.
type fakeDispatcher struct {
	mu      sync.Mutex
	secrets map[string]string
	outcome job.Outcome
	delay   time.Duration
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{secrets: make(map[string]string), outcome: job.Outcome{ExitCode: 0}}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task job.DispatchTask) (<-chan job.Outcome, context.CancelFunc, error) {
	ch := make(chan job.Outcome, 1)
	cctx, cancel := context.WithCancel(ctx)

	go func() {
		select {
		case <-time.After(f.delay):
			ch <- f.outcome
		case <-cctx.Done():
			ch <- job.Outcome{Cancelled: true}
		}
	}()

	return ch, cancel, nil
}

func (f *fakeDispatcher) RegisterSecret(ref, secret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[ref] = secret
}

func setup(t *testing.T, dispatcher job.Dispatcher) (*job.Controller, *namespace.Registry) {
	t.Helper()

	store := memory.New("test-session")
	cs := coord.NewAdapter(store, nil)
	registry := namespace.NewRegistry(cs)

	cfg := []byte(`
hosts:
  foo01.example.com: [all]
  foo02.example.com: [all]
  foo03.example.com: [all]
`)
	if err := registry.Store(context.Background(), "example", cfg); err != nil {
		t.Fatalf("store namespace: %v", err)
	}

	sched := scheduler.New(cs, nil)
	ctrl := job.New(cs, registry, sched, dispatcher, nil)
	return ctrl, registry
}

// TestController_JobIDFormat checks the first job in an empty store
// gets jobid "p0000000001" (spec.md §8 S4).
func TestController_JobIDFormat(t *testing.T) {
	ctrl, _ := setup(t, newFakeDispatcher())

	jobID, err := ctrl.Create(context.Background(), job.Spec{
		User:      "test",
		Command:   "echo hi",
		Target:    "foo01.example.com",
		Namespace: "example",
		Concurrent: namespace.Cap{Value: 1},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if jobID != "p0000000001" {
		t.Fatalf("got jobid %q, want p0000000001", jobID)
	}
}

// TestController_RunToFinish exercises the whole job lifecycle with a
// dispatcher that always succeeds.
func TestController_RunToFinish(t *testing.T) {
	ctrl, _ := setup(t, newFakeDispatcher())
	ctx := context.Background()

	jobID, err := ctrl.Create(ctx, job.Spec{
		User:       "test",
		Command:    "echo hi",
		Target:     "foo[01-03].example.com",
		Namespace:  "example",
		Concurrent: namespace.Cap{Value: 3},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ctrl.Start(ctx, jobID); err != nil {
		t.Fatalf("start: %v", err)
	}

	retry.Run(t, func(r *retry.SubT) {
		if err := ctrl.Tick(ctx, jobID); err != nil {
			r.Fatalf("tick: %v", err)
		}
		j, hosts, err := ctrl.Snapshot(ctx, jobID)
		if err != nil {
			r.Fatalf("snapshot: %v", err)
		}
		if j.State != job.Finished {
			r.Fatalf("job state = %s, want finished", j.State)
		}
		for _, h := range hosts {
			if h.State != job.HostFinished {
				r.Fatalf("host %s state = %s, want finished", h.Hostname, h.State)
			}
		}
	})
}

// TestController_Retry resets a failed host back to waiting and lets
// it reach finished on a later attempt (spec.md §8 S6).
func TestController_Retry(t *testing.T) {
	d := newFakeDispatcher()
	d.outcome = job.Outcome{ExitCode: 1, Message: "boom"}

	ctrl, _ := setup(t, d)
	ctx := context.Background()

	jobID, err := ctrl.Create(ctx, job.Spec{
		User:       "test",
		Command:    "false",
		Target:     "foo01.example.com",
		Namespace:  "example",
		Concurrent: namespace.Cap{Value: 1},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ctrl.Start(ctx, jobID); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	d.outcome = job.Outcome{ExitCode: 0}
	if err := ctrl.Retry(ctx, jobID, []string{"foo01.example.com"}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	retry.Run(t, func(r *retry.SubT) {
		if err := ctrl.Tick(ctx, jobID); err != nil {
			r.Fatalf("tick: %v", err)
		}
		_, hosts, err := ctrl.Snapshot(ctx, jobID)
		if err != nil {
			r.Fatalf("snapshot: %v", err)
		}
		if hosts[0].State != job.HostFinished {
			r.Fatalf("host state = %s, want finished", hosts[0].State)
		}
	})
}
