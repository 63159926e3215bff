// Package pogo wires the Coordination Store, namespace registry,
// scheduler, job controller, worker pool and front-end server into one
// running dispatcher process, and drives the job controller's Tick
// loop the way the teacher's Application drove its leader routine.
package pogo

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hamba/pkg/log"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/coord/raftstore"
	"github.com/hamba/pogo/frontend"
	"github.com/hamba/pogo/job"
	"github.com/hamba/pogo/namespace"
	"github.com/hamba/pogo/scheduler"
	"github.com/hamba/pogo/worker"
)

// TickInterval is how often the dispatcher re-evaluates every
// non-terminal job's readiness and admission.
const TickInterval = 2 * time.Second

// Config configures a Dispatcher.
type Config struct {
	// Store is the Coordination Store backend: *raftstore.Store or
	// *memory.Store both satisfy coord.Store.
	Store coord.Store

	Hostname string
	Logger   log.Logger

	WorkerListener net.Listener
	TLSConfig      worker.TLSConfig
}

// Dispatcher is one fleet member: a bound CS session plus the job
// controller, worker pool and HTTP front-end it drives.
type Dispatcher struct {
	cs         *coord.Adapter
	namespaces *namespace.Registry
	sched      *scheduler.Scheduler
	ctrl       *job.Controller
	pool       *worker.Pool
	front      *frontend.Server

	log log.Logger

	workerLn net.Listener

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New assembles a Dispatcher. The returned Dispatcher does not yet
// listen for workers or serve HTTP; Run starts the worker-accept and
// tick loops, and Handler returns the HTTP handler for the caller to
// serve.
func New(cfg Config) (*Dispatcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Null
	}

	cs := coord.NewAdapter(cfg.Store, logger)
	namespaces := namespace.NewRegistry(cs)
	sched := scheduler.New(cs, logger)
	pool := worker.New(logger)
	ctrl := job.New(cs, namespaces, sched, pool, logger)
	front := frontend.New(ctrl, namespaces, pool, cfg.Hostname, logger)

	return &Dispatcher{
		cs:         cs,
		namespaces: namespaces,
		sched:      sched,
		ctrl:       ctrl,
		pool:       pool,
		front:      front,
		log:        logger,
		workerLn:   cfg.WorkerListener,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Handler returns the HTTP handler serving the dispatcher's JSON API,
// for the caller to bind to a listener.
func (d *Dispatcher) Handler() http.Handler {
	return d.front.Router()
}

// Run starts the worker-accept loop and the job-tick loop, blocking
// until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.workerLn != nil {
		d.wg.Add(1)
		go d.acceptWorkers(ctx)
	}

	d.wg.Add(1)
	go d.tickLoop(ctx)

	<-ctx.Done()
	close(d.shutdownCh)
	d.wg.Wait()

	if d.workerLn != nil {
		_ = d.workerLn.Close()
	}
	return d.cs.Close()
}

func (d *Dispatcher) acceptWorkers(ctx context.Context) {
	defer d.wg.Done()

	for {
		conn, err := d.workerLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-d.shutdownCh:
				return
			default:
				d.log.Info("pogo: worker accept failed", "error", err)
				continue
			}
		}

		// Accept serves the connection until it closes, so each worker
		// gets its own goroutine.
		go func(conn net.Conn) {
			if err := d.pool.Accept(conn); err != nil {
				d.log.Info("pogo: worker registration failed", "error", err)
			}
		}(conn)
	}
}

// tickLoop re-evaluates every non-terminal job on a fixed interval,
// mirroring the teacher's printNodes leader routine's ticker shape but
// driving job admission instead of a status printout.
func (d *Dispatcher) tickLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			d.tickAll(ctx)
		}
	}
}

func (d *Dispatcher) tickAll(ctx context.Context) {
	ids, err := d.ctrl.ListJobIDs(ctx)
	if err != nil {
		d.log.Info("pogo: list job ids for tick failed", "error", err)
		return
	}

	for _, id := range ids {
		j, _, err := d.ctrl.Snapshot(ctx, id)
		if err != nil || j == nil || j.State.IsTerminal() {
			continue
		}
		if err := d.ctrl.Tick(ctx, id); err != nil {
			d.log.Info("pogo: tick failed", "jobid", id, "error", err)
		}
	}
}

// NewRaftCoordStore builds a coord.Store backed by the Raft-replicated
// production backend, starting or rejoining the fleet per cfg.
func NewRaftCoordStore(cfg *raftstore.Config) (coord.Store, *raftstore.Agent, error) {
	agent, err := raftstore.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return raftstore.NewStore(agent), agent, nil
}
