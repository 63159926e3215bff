package job

import (
	"context"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/segmentio/ksuid"

	"github.com/hamba/pogo/coord"
	"github.com/hamba/pogo/namespace"
	"github.com/hamba/pogo/pogoerr"
	"github.com/hamba/pogo/scheduler"
	"github.com/hamba/pogo/target"
)

// DispatchTask is what the Controller asks a Dispatcher to run on one
// host.
type DispatchTask struct {
	JobID       string
	Hostname    string
	Command     string
	RunAs       string
	Timeout     time.Duration
	PasswordRef string
}

// Dispatcher is the subset of the Worker Pool the Controller depends
// on, accepted as a local interface so this package never imports the
// worker package (spec.md §4.4).
type Dispatcher interface {
	// Dispatch hands task to a selected worker, returning a channel
	// that receives exactly one Outcome and a cancel func that
	// requests the in-flight task be cancelled.
	Dispatch(ctx context.Context, task DispatchTask) (<-chan Outcome, context.CancelFunc, error)
	// RegisterSecret makes secret available to be fetched exactly
	// once via ref over the worker's authenticated side channel.
	RegisterSecret(ref, secret string)
}

const minAbandonWindow = time.Second

type liveJob struct {
	mu sync.Mutex

	job      *Job
	ns       *namespace.Namespace
	password string

	hosts     map[string]*Host
	order     map[string]int
	lockPaths map[string][]string

	cancel     map[string]context.CancelFunc
	hostTimer  map[string]*time.Timer
	terminated map[string]bool

	jobTimer *time.Timer
}

// Controller owns every job's lifecycle for one dispatcher process.
type Controller struct {
	cs         *coord.Adapter
	view       *view
	namespaces *namespace.Registry
	sched      *scheduler.Scheduler
	dispatcher Dispatcher
	log        log.Logger

	mu   sync.Mutex
	jobs map[string]*liveJob
}

// New returns a Controller wired to its collaborators.
func New(cs *coord.Adapter, namespaces *namespace.Registry, sched *scheduler.Scheduler, dispatcher Dispatcher, logger log.Logger) *Controller {
	if logger == nil {
		logger = log.Null
	}
	return &Controller{
		cs:         cs,
		view:       newView(cs),
		namespaces: namespaces,
		sched:      sched,
		dispatcher: dispatcher,
		log:        logger,
		jobs:       make(map[string]*liveJob),
	}
}

// Create allocates a jobid, expands the target, seeds host records as
// waiting, and persists everything but the password to the
// Coordination Store.
func (c *Controller) Create(ctx context.Context, spec Spec) (string, error) {
	ns, err := c.namespaces.Load(ctx, spec.Namespace)
	if err != nil {
		return "", err
	}

	hosts, err := target.Expand(spec.Target, ns)
	if err != nil {
		return "", err
	}

	j := &Job{
		User:       spec.User,
		RunAs:      spec.RunAs,
		Command:    spec.Command,
		Target:     spec.Target,
		Namespace:  spec.Namespace,
		Timeout:    spec.Timeout,
		JobTimeout: spec.JobTimeout,
		Concurrent: spec.Concurrent,
		State:      Gathering,
	}

	jobID, err := c.view.createJob(ctx, j)
	if err != nil {
		return "", err
	}
	j.JobID = jobID

	lj := &liveJob{
		job:        j,
		ns:         ns,
		password:   spec.Password,
		hosts:      make(map[string]*Host, len(hosts)),
		order:      make(map[string]int, len(hosts)),
		lockPaths:  make(map[string][]string),
		cancel:     make(map[string]context.CancelFunc),
		hostTimer:  make(map[string]*time.Timer),
		terminated: make(map[string]bool),
	}

	for i, h := range hosts {
		host := &Host{JobID: jobID, Hostname: h, State: HostWaiting}
		if err := c.view.createHost(ctx, host); err != nil {
			return "", err
		}
		lj.hosts[h] = host
		lj.order[h] = i
	}

	c.mu.Lock()
	c.jobs[jobID] = lj
	c.mu.Unlock()

	return jobID, nil
}

// Start marks a job pending and requests the first scheduling tick.
// It is a no-op unless the job is still Gathering.
func (c *Controller) Start(ctx context.Context, jobID string) error {
	lj, err := c.lookup(jobID)
	if err != nil {
		return err
	}

	lj.mu.Lock()
	if lj.job.State != Gathering {
		lj.mu.Unlock()
		return nil
	}
	lj.job.State = Pending
	lj.job.StartTS = time.Now()
	j := *lj.job
	lj.mu.Unlock()

	if err := c.view.putState(ctx, jobID, &j); err != nil {
		return err
	}

	lj.mu.Lock()
	lj.job.State = Running
	if lj.job.JobTimeout > 0 {
		lj.jobTimer = time.AfterFunc(lj.job.JobTimeout, func() {
			_ = c.Halt(context.Background(), jobID, HaltTimeout)
		})
	}
	lj.mu.Unlock()

	return c.Tick(ctx, jobID)
}

// Halt transitions a job to Halted and cancels every running host.
func (c *Controller) Halt(ctx context.Context, jobID string, reason HaltReason) error {
	lj, err := c.lookup(jobID)
	if err != nil {
		return err
	}

	lj.mu.Lock()
	if lj.job.State.IsTerminal() {
		lj.mu.Unlock()
		return nil
	}
	lj.job.State = Halted
	lj.job.HaltReason = reason
	j := *lj.job

	running := make([]string, 0)
	for h, host := range lj.hosts {
		if host.State == HostRunning {
			running = append(running, h)
		}
	}
	lj.mu.Unlock()

	if err := c.view.putState(ctx, jobID, &j); err != nil {
		return err
	}

	failMsg := string(reason)
	for _, h := range running {
		c.cancelHost(ctx, lj, h, failMsg)
	}
	return nil
}

// Retry resets listed hosts from a terminal-failure state back to
// waiting and requests a tick. Disallowed once the job is Finished.
func (c *Controller) Retry(ctx context.Context, jobID string, hosts []string) error {
	lj, err := c.lookup(jobID)
	if err != nil {
		return err
	}

	lj.mu.Lock()
	if lj.job.State == Finished {
		lj.mu.Unlock()
		return pogoerr.Newf(pogoerr.InvalidSpec, "job: %s already finished", jobID)
	}
	var toPersist []*Host
	for _, h := range hosts {
		host, ok := lj.hosts[h]
		if !ok {
			continue
		}
		switch host.State {
		case HostFailed, HostSkipped, HostDeadlocked:
			host.State = HostWaiting
			host.ExitCode = 0
			host.Message = ""
			host.Worker = ""
			host.StartTS = time.Time{}
			host.EndTS = time.Time{}
			delete(lj.terminated, h)
			toPersist = append(toPersist, host)
		}
	}
	lj.mu.Unlock()

	for _, host := range toPersist {
		if err := c.view.putHost(ctx, host); err != nil {
			return err
		}
	}

	return c.Tick(ctx, jobID)
}

// OnHostResult applies a worker-reported outcome to a host, then
// requests a scheduling tick.
func (c *Controller) OnHostResult(ctx context.Context, jobID, hostname string, outcome Outcome) error {
	lj, err := c.lookup(jobID)
	if err != nil {
		return err
	}

	switch {
	case outcome.Lost:
		c.finishHost(ctx, lj, hostname, HostFailed, "worker_lost", outcome.ExitCode)
	case outcome.Cancelled:
		c.finishHost(ctx, lj, hostname, HostFailed, "cancelled", outcome.ExitCode)
	case outcome.ExitCode == 0:
		c.finishHost(ctx, lj, hostname, HostFinished, outcome.Message, outcome.ExitCode)
	default:
		c.finishHost(ctx, lj, hostname, HostFailed, outcome.Message, outcome.ExitCode)
	}

	return c.Tick(ctx, jobID)
}

// Tick re-evaluates host readiness and admission, issuing zero or
// more dispatches.
func (c *Controller) Tick(ctx context.Context, jobID string) error {
	lj, err := c.lookup(jobID)
	if err != nil {
		return err
	}

	lj.mu.Lock()
	if lj.job.State.IsTerminal() {
		lj.mu.Unlock()
		return c.finalizeIfDone(ctx, lj)
	}

	var candidates []scheduler.Candidate
	runningInJob := 0
	var toPersist []*Host

	for h, host := range lj.hosts {
		switch host.State {
		case HostRunning:
			runningInJob++
		case HostWaiting:
			c.evaluateReadinessLocked(lj, h, host, &toPersist)
		}
		if host.State == HostReady {
			candidates = append(candidates, scheduler.Candidate{Hostname: h, Order: lj.order[h]})
		}
	}
	ns := lj.ns
	concurrent := lj.job.Concurrent
	lj.mu.Unlock()

	for _, host := range toPersist {
		if err := c.view.putHost(ctx, host); err != nil {
			return err
		}
	}

	if len(candidates) == 0 {
		return c.finalizeIfDone(ctx, lj)
	}

	decision, err := c.sched.Tick(ctx, ns, runningInJob, concurrent, candidates)
	if err != nil {
		return err
	}

	for _, h := range decision.Admit {
		if err := c.dispatchHost(ctx, lj, h, decision.LockPaths[h]); err != nil {
			c.log.Info("job: dispatch failed", "jobid", jobID, "host", h, "error", err)
		}
	}

	return c.finalizeIfDone(ctx, lj)
}

// evaluateReadinessLocked moves a waiting host to ready, skipped or
// deadlocked based on its sequence predecessors. Callers hold lj.mu.
func (c *Controller) evaluateReadinessLocked(lj *liveJob, hostname string, host *Host, toPersist *[]*Host) {
	preds := scheduler.Predecessors(lj.ns, hostname)
	if len(preds) == 0 {
		host.State = HostReady
		*toPersist = append(*toPersist, host)
		return
	}

	allFinished := true
	anyFailed := false
	for _, p := range preds {
		ph, ok := lj.hosts[p]
		if !ok || !ph.State.IsTerminalSuccess() {
			allFinished = false
		}
		if ok && ph.State.IsTerminal() && !ph.State.IsTerminalSuccess() {
			anyFailed = true
		}
	}

	switch {
	case allFinished:
		host.State = HostReady
		*toPersist = append(*toPersist, host)
	case anyFailed:
		switch lj.ns.OnPredecessorFailure {
		case namespace.PolicySkip:
			host.State = HostSkipped
			host.Message = "predecessor failed"
			host.EndTS = time.Now()
		case namespace.PolicyProceed:
			host.State = HostReady
		default:
			host.State = HostDeadlocked
			host.Message = "predecessor failed, no retry"
			host.EndTS = time.Now()
		}
		*toPersist = append(*toPersist, host)
	}
}

func (c *Controller) dispatchHost(ctx context.Context, lj *liveJob, hostname string, lockPaths []string) error {
	lj.mu.Lock()
	host := lj.hosts[hostname]
	ref := ksuid.New().String()
	task := DispatchTask{
		JobID:       lj.job.JobID,
		Hostname:    hostname,
		Command:     lj.job.Command,
		RunAs:       lj.job.RunAs,
		Timeout:     lj.job.Timeout,
		PasswordRef: ref,
	}
	password := lj.password
	timeout := lj.job.Timeout
	lj.lockPaths[hostname] = lockPaths
	lj.mu.Unlock()

	c.dispatcher.RegisterSecret(ref, password)

	results, cancel, err := c.dispatcher.Dispatch(ctx, task)
	if err != nil {
		return pogoerr.Wrap(pogoerr.DispatchRejected, err, "job: dispatch "+hostname)
	}

	lj.mu.Lock()
	host.State = HostRunning
	host.StartTS = time.Now()
	lj.cancel[hostname] = cancel
	if timeout > 0 {
		lj.hostTimer[hostname] = time.AfterFunc(timeout, func() {
			c.cancelHost(context.Background(), lj, hostname, "timeout")
		})
	}
	lj.mu.Unlock()

	if err := c.view.putHost(ctx, host); err != nil {
		return err
	}

	go c.awaitResult(lj, hostname, results)
	return nil
}

func (c *Controller) awaitResult(lj *liveJob, hostname string, results <-chan Outcome) {
	outcome, ok := <-results
	if !ok {
		outcome = Outcome{Lost: true}
	}
	jobID := lj.job.JobID
	_ = c.OnHostResult(context.Background(), jobID, hostname, outcome)
}

// cancelHost fires a dispatch's cancellation handle, records the host
// failed(cause) at once and arms a 2x timeout timer that requests one
// more scheduling tick.
func (c *Controller) cancelHost(ctx context.Context, lj *liveJob, hostname, cause string) {
	lj.mu.Lock()
	cancel, ok := lj.cancel[hostname]
	timeout := lj.job.Timeout
	if timeout <= 0 {
		timeout = minAbandonWindow
	}
	lj.mu.Unlock()

	if ok && cancel != nil {
		cancel()
	}

	// The host is recorded failed(cause) immediately: finishHost is
	// idempotent, so a worker RESULT racing in after this point is
	// silently dropped rather than double-counted (spec.md §8
	// property 7). For the same reason the timer's failed(abandoned)
	// call finds the host already terminal and leaves its record as
	// it is; only its Tick has an effect.
	c.finishHost(ctx, lj, hostname, HostFailed, cause, -1)

	time.AfterFunc(2*timeout, func() {
		c.finishHost(ctx, lj, hostname, HostFailed, "abandoned", -1)
		_ = c.Tick(ctx, lj.job.JobID)
	})

	_ = c.Tick(ctx, lj.job.JobID)
}

// finishHost applies a terminal transition to a host exactly once,
// releasing any namespace locks it held.
func (c *Controller) finishHost(ctx context.Context, lj *liveJob, hostname string, state HostState, message string, exitCode int) {
	lj.mu.Lock()
	if lj.terminated[hostname] {
		lj.mu.Unlock()
		return
	}
	host, ok := lj.hosts[hostname]
	if !ok || host.State.IsTerminal() {
		lj.mu.Unlock()
		return
	}
	lj.terminated[hostname] = true

	host.State = state
	host.Message = message
	host.ExitCode = exitCode
	host.EndTS = time.Now()

	if t, ok := lj.hostTimer[hostname]; ok {
		t.Stop()
		delete(lj.hostTimer, hostname)
	}
	delete(lj.cancel, hostname)
	locks := lj.lockPaths[hostname]
	delete(lj.lockPaths, hostname)
	hostCopy := *host
	lj.mu.Unlock()

	c.sched.Release(ctx, locks)
	if err := c.view.putHost(ctx, &hostCopy); err != nil {
		c.log.Info("job: persist host failed", "jobid", lj.job.JobID, "host", hostname, "error", err)
	}
}

// finalizeIfDone transitions the job to Finished once every host is
// terminal and the job was not halted.
func (c *Controller) finalizeIfDone(ctx context.Context, lj *liveJob) error {
	lj.mu.Lock()
	if lj.job.State.IsTerminal() {
		lj.mu.Unlock()
		return nil
	}

	for _, host := range lj.hosts {
		if !host.State.IsTerminal() {
			lj.mu.Unlock()
			return nil
		}
	}

	lj.job.State = Finished
	if lj.jobTimer != nil {
		lj.jobTimer.Stop()
	}
	lj.password = ""
	j := *lj.job
	lj.mu.Unlock()

	return c.view.putState(ctx, lj.job.JobID, &j)
}

func (c *Controller) lookup(jobID string) (*liveJob, error) {
	c.mu.Lock()
	lj, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return nil, pogoerr.Newf(pogoerr.Internal, "job: %s not loaded", jobID).WithJob(jobID)
	}
	return lj, nil
}
