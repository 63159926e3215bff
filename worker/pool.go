// Package worker maintains persistent TLS sessions to worker
// processes and offers a dispatch(task) → future<result> primitive
// with fair selection, health tracking and reconnection (spec.md
// §4.4).
package worker

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hamba/pkg/log"

	"github.com/hamba/pogo/job"
	"github.com/hamba/pogo/pogoerr"
)

// ReconnectGrace is the window within which a reconnecting worker
// resumes its session identity instead of losing in-flight tasks.
const ReconnectGrace = 30 * time.Second

type conn struct {
	mu sync.Mutex
	c  net.Conn
}

func (c *conn) write(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.c, env)
}

type pendingReq struct {
	hostname string
	results  chan job.Outcome
}

type workerConn struct {
	mu sync.Mutex

	id       string
	capacity int
	conn     *conn
	inFlight map[string]string // reqID -> hostname
	lastUsed time.Time

	graceUntil time.Time // non-zero while in reconnect grace
}

func (w *workerConn) inGrace(now time.Time) bool {
	return !w.graceUntil.IsZero() && now.Before(w.graceUntil)
}

func (w *workerConn) ratio() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.capacity <= 0 {
		return 1
	}
	return float64(len(w.inFlight)) / float64(w.capacity)
}

// Pool is the Worker Pool: the dispatcher's connection to its worker
// fleet, implementing job.Dispatcher.
type Pool struct {
	log log.Logger

	mu       sync.Mutex
	workers  map[string]*workerConn
	pending  map[string]*pendingReq
	secrets  map[string]string
	graceJob map[string]*time.Timer
}

// New returns an empty Pool.
func New(logger log.Logger) *Pool {
	if logger == nil {
		logger = log.Null
	}
	return &Pool{
		log:      logger,
		workers:  make(map[string]*workerConn),
		pending:  make(map[string]*pendingReq),
		secrets:  make(map[string]string),
		graceJob: make(map[string]*time.Timer),
	}
}

// Accept registers a new connection, reads its HELLO handshake, and
// starts the read loop that demultiplexes subsequent frames. It blocks
// until the connection closes.
func (p *Pool) Accept(c net.Conn) error {
	defer c.Close()

	env, err := ReadFrame(c)
	if err != nil {
		return pogoerr.Wrap(pogoerr.WorkerLost, err, "worker: read hello")
	}
	if env.Type != MsgHello {
		return pogoerr.Newf(pogoerr.Internal, "worker: expected HELLO, got %s", env.Type)
	}

	var hello HelloPayload
	if err := unmarshalPayload(env.Payload, &hello); err != nil {
		return err
	}
	if hello.Capacity <= 0 {
		hello.Capacity = 1
	}

	wc := p.register(hello.ID, hello.Capacity, c)
	defer p.release(hello.ID)

	for {
		env, err := ReadFrame(c)
		if err != nil {
			return err
		}
		p.handle(wc, env)
	}
}

func (p *Pool) register(id string, capacity int, c net.Conn) *workerConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.graceJob[id]; ok {
		t.Stop()
		delete(p.graceJob, id)
	}

	wc, existed := p.workers[id]
	if existed {
		wc.mu.Lock()
		wc.conn = &conn{c: c}
		wc.capacity = capacity
		wc.graceUntil = time.Time{}
		wc.mu.Unlock()
		return wc
	}

	wc = &workerConn{
		id:       id,
		capacity: capacity,
		conn:     &conn{c: c},
		inFlight: make(map[string]string),
		lastUsed: time.Now(),
	}
	p.workers[id] = wc
	return wc
}

// release marks a worker disconnected: it enters reconnect grace, and
// if it does not reconnect within ReconnectGrace, every in-flight task
// is surfaced to its Job Controller as failed(worker_lost).
func (p *Pool) release(id string) {
	p.mu.Lock()
	wc, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	wc.mu.Lock()
	wc.graceUntil = time.Now().Add(ReconnectGrace)
	wc.mu.Unlock()

	p.graceJob[id] = time.AfterFunc(ReconnectGrace, func() { p.expireGrace(id) })
	p.mu.Unlock()
}

func (p *Pool) expireGrace(id string) {
	p.mu.Lock()
	wc, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.workers, id)
	delete(p.graceJob, id)
	p.mu.Unlock()

	wc.mu.Lock()
	reqIDs := make([]string, 0, len(wc.inFlight))
	for r := range wc.inFlight {
		reqIDs = append(reqIDs, r)
	}
	wc.mu.Unlock()

	for _, r := range reqIDs {
		p.completeLocked(r, job.Outcome{Lost: true})
	}
}

// Dispatch implements job.Dispatcher.
func (p *Pool) Dispatch(ctx context.Context, task job.DispatchTask) (<-chan job.Outcome, context.CancelFunc, error) {
	wc := p.selectWorker()
	if wc == nil {
		return nil, nil, pogoerr.New(pogoerr.DispatchRejected, "worker: no eligible worker")
	}

	reqID := uuid.New().String()

	p.mu.Lock()
	results := make(chan job.Outcome, 1)
	p.pending[reqID] = &pendingReq{hostname: task.Hostname, results: results}
	p.mu.Unlock()

	wc.mu.Lock()
	wc.inFlight[reqID] = task.Hostname
	wc.lastUsed = time.Now()
	wc.mu.Unlock()

	payload := DispatchPayload{
		JobID:       task.JobID,
		Hostname:    task.Hostname,
		Command:     task.Command,
		RunAs:       task.RunAs,
		TimeoutSec:  int64(task.Timeout.Seconds()),
		PasswordRef: task.PasswordRef,
	}
	if err := wc.conn.write(Envelope{Type: MsgDispatch, ReqID: reqID, Payload: encodePayload(payload)}); err != nil {
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
		return nil, nil, pogoerr.Wrap(pogoerr.WorkerLost, err, "worker: send dispatch")
	}

	dctx, cancel := context.WithCancel(ctx)
	go func() {
		<-dctx.Done()
		if dctx.Err() == context.Canceled {
			_ = wc.conn.write(Envelope{Type: MsgCancel, ReqID: reqID, Payload: encodePayload(CancelPayload{ReqID: reqID})})
		}
	}()

	return results, cancel, nil
}

// RegisterSecret implements job.Dispatcher.
func (p *Pool) RegisterSecret(ref, secret string) {
	p.mu.Lock()
	p.secrets[ref] = secret
	p.mu.Unlock()
}

func (p *Pool) handle(wc *workerConn, env Envelope) {
	switch env.Type {
	case MsgResult:
		var res ResultPayload
		if err := unmarshalPayload(env.Payload, &res); err != nil {
			p.log.Info("worker: bad RESULT payload", "error", err)
			return
		}
		wc.mu.Lock()
		delete(wc.inFlight, env.ReqID)
		wc.mu.Unlock()
		p.completeLocked(env.ReqID, job.Outcome{
			ExitCode:  res.ExitCode,
			Message:   res.Message,
			Cancelled: res.Cancelled,
		})

	case MsgAck, MsgUpdate:
		// progress notifications; nothing for the pool to do beyond
		// liveness, already tracked by the read loop itself.

	case MsgFetchSecret:
		var f FetchSecretPayload
		if err := unmarshalPayload(env.Payload, &f); err != nil {
			return
		}
		p.mu.Lock()
		secret, ok := p.secrets[f.ReqID]
		delete(p.secrets, f.ReqID)
		p.mu.Unlock()
		if !ok {
			return
		}
		_ = wc.conn.write(Envelope{Type: MsgSecret, Payload: encodePayload(SecretPayload{ReqID: f.ReqID, Secret: secret})})

	case MsgPing:
		_ = wc.conn.write(Envelope{Type: MsgPong})
	}
}

func (p *Pool) completeLocked(reqID string, outcome job.Outcome) {
	p.mu.Lock()
	pr, ok := p.pending[reqID]
	if ok {
		delete(p.pending, reqID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	select {
	case pr.results <- outcome:
	default:
	}
}

// selectWorker picks the eligible worker with the lowest
// in_flight/capacity ratio, breaking ties by least-recently-used.
func (p *Pool) selectWorker() *workerConn {
	p.mu.Lock()
	candidates := make([]*workerConn, 0, len(p.workers))
	now := time.Now()
	for _, wc := range p.workers {
		if wc.inGrace(now) {
			continue
		}
		candidates = append(candidates, wc)
	}
	p.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].ratio(), candidates[j].ratio()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})
	return candidates[0]
}

// Stats summarizes the fleet for the front-end's stats() call.
type Stats struct {
	Idle int
	Busy int
}

// Stats reports idle vs. busy worker counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	now := time.Now()
	for _, wc := range p.workers {
		if wc.inGrace(now) {
			continue
		}
		wc.mu.Lock()
		busy := len(wc.inFlight) > 0
		wc.mu.Unlock()
		if busy {
			s.Busy++
		} else {
			s.Idle++
		}
	}
	return s
}

func unmarshalPayload(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return pogoerr.Wrap(pogoerr.Internal, err, "worker: unmarshal payload")
	}
	return nil
}
