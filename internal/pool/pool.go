// ============================================================================
// Playpool Dispatcher - Worker Pool Event Loop
// ============================================================================
//
// Package: internal/pool
// Purpose: Long-lived dispatcher that admits compile/run jobs, fans them out
// to remote workers, and tracks worker health with exponential backoff
//
// Architecture:
//   A single event-loop goroutine owns all pool state (workers, idle set,
//   backlog, RNG). Clients and background RPC tasks never touch that state;
//   they communicate through a time-ordered event queue plus a wakeup latch.
//
//   ┌────────────┐  SubmitJob/AddWorker/Status   ┌─────────────┐
//   │  Clients   │ ────────── events ──────────> │ Event loop  │
//   └────────────┘                               │ (poolState) │
//         ^                                      └──────┬──────┘
//         │ response channels                           │ spawn
//         │                                      ┌──────┴──────┐
//         └───────────────────────────────────── │ RPC tasks   │
//                        follow-up events <───── │ (dispatch,  │
//                                                │  refresh)   │
//                                                └─────────────┘
//
// Counter Discipline:
//   queuedJobs counts jobs admitted but not yet handed to a worker. It is
//   incremented on admission and decremented exactly once per job: when the
//   job is dispatched, or when it is completed synthetically because no
//   workers exist.
//
// Worker State Machine:
//   absent -> disabled(interval 0) on registration
//   disabled -> ok on a successful version probe (also schedules worker_idle)
//   ok -> disabled(1s) on any failure
//   disabled(iv) -> disabled(next(iv)) on a failed probe
//   A disabled worker always has exactly one health-related event pending.
//
// ============================================================================

package pool

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/playpool/internal/backoff"
	"github.com/ChuLiYu/playpool/internal/metrics"
	"github.com/ChuLiYu/playpool/pkg/types"
)

var log = slog.Default()

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrAtCapacity means the admission cap was reached; the client should
	// retry later.
	ErrAtCapacity = errors.New("job queue at capacity")
	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrInvalidHost means a worker host failed validation.
	ErrInvalidHost = errors.New("invalid worker host")
)

// ============================================================================
// Collaborator Interfaces
// ============================================================================

// RunnerClient is the outbound RPC surface to a worker node. Implementations
// are stateless and safe for concurrent use; both calls return an error on
// any transport, timeout, or signature failure.
type RunnerClient interface {
	Versions(ctx context.Context, addr types.WorkerAddr) ([]types.Version, error)
	Run(ctx context.Context, addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error)
}

// ============================================================================
// Pool
// ============================================================================

// Config holds the pool configuration.
type Config struct {
	Client        RunnerClient       // Worker RPC client (required)
	MaxQueuedJobs int                // Admission cap (required, > 0)
	Metrics       *metrics.Collector // Optional prometheus collector
	Seed          int64              // RNG seed for idle-worker selection; 0 means time-derived
}

// Pool dispatches jobs to a fleet of remote workers. All mutable pool state
// lives in the event-loop goroutine started by New.
type Pool struct {
	client  RunnerClient
	maxJobs int
	mtr     *metrics.Collector
	seed    int64

	queue  *eventQueue
	shared *shared

	epoch    time.Time // monotonic zero for status timestamps
	closed   atomic.Bool
	loopDone chan struct{}
}

// New constructs a pool and starts its event loop.
func New(cfg Config) (*Pool, error) {
	if cfg.Client == nil {
		return nil, errors.New("pool: RunnerClient is required")
	}
	if cfg.MaxQueuedJobs <= 0 {
		return nil, errors.New("pool: MaxQueuedJobs must be positive")
	}

	p := &Pool{
		client:   cfg.Client,
		maxJobs:  cfg.MaxQueuedJobs,
		mtr:      cfg.Metrics,
		seed:     cfg.Seed,
		queue:    newEventQueue(),
		shared:   &shared{},
		epoch:    time.Now(),
		loopDone: make(chan struct{}),
	}

	go p.run()
	return p, nil
}

// ============================================================================
// Public API
// ============================================================================

// SubmitJob admits a job and blocks until its response is available. It
// returns ErrAtCapacity when the admission cap is reached, in which case the
// caller should tell the client to retry later. A worker failure is not an error
// here: it surfaces as a response carrying RunErrBackend.
func (p *Pool) SubmitJob(ctx context.Context, req *types.RunRequest) (*types.RunResponse, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if !p.shared.tryAdmit(p.maxJobs) {
		if p.mtr != nil {
			p.mtr.RecordRejected()
		}
		return nil, ErrAtCapacity
	}

	respCh := make(chan *types.RunResponse, 1)
	j := &job{
		id:      uuid.New(),
		req:     req,
		deliver: func(r *types.RunResponse) { respCh <- r },
	}
	p.queue.push(time.Time{}, event{typ: evNewJob, job: j})

	if p.mtr != nil {
		p.mtr.RecordSubmitted()
	}
	log.Debug("Job admitted", "jobID", j.id, "version", req.Version)

	// Every admitted job is answered exactly once, even across shutdown: an
	// in-flight dispatch always delivers, the shutdown drain fails whatever
	// never reached a worker, and an admission that raced past a concurrent
	// Close is failed here once the loop is known to be gone.
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.loopDone:
		p.drainStragglers()
		select {
		case resp := <-respCh:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drainStragglers fails events that raced into the queue while the loop was
// exiting. Safe to call from any goroutine once the loop is done.
func (p *Pool) drainStragglers() {
	for _, ev := range p.queue.drain() {
		if ev.typ == evNewJob {
			p.shared.decQueued()
			go ev.job.deliver(types.BackendError())
		}
	}
}

// AddWorker registers a worker node. The host must be ASCII and the key a
// 32-byte ed25519 public key. Registration is asynchronous: the worker
// becomes available once its first version probe succeeds.
func (p *Pool) AddWorker(host string, key ed25519.PublicKey) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidHost)
	}
	for i := 0; i < len(host); i++ {
		if host[i] >= 0x80 {
			return fmt.Errorf("%w: non-ASCII byte in %q", ErrInvalidHost, host)
		}
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", ErrInvalidHost, ed25519.PublicKeySize)
	}

	p.queue.push(time.Time{}, event{typ: evAddWorker, host: host, key: key})
	return nil
}

// AvailableVersions returns the sorted, deduplicated union of all workers'
// advertised versions.
func (p *Pool) AvailableVersions() []types.Version {
	return p.shared.versionList()
}

// Status returns a consistent snapshot taken on the event loop, so the
// worker list, idle flags, and backlog-derived counters agree with each
// other.
func (p *Pool) Status(ctx context.Context) (*types.Status, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	reply := make(chan *types.Status, 1)
	p.queue.push(time.Time{}, event{typ: evStatus, reply: reply})

	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.loopDone:
		p.drainStragglers()
		select {
		case st := <-reply:
			return st, nil
		default:
			return nil, ErrPoolClosed
		}
	}
}

// Close shuts the event loop down and fails any jobs still waiting in the
// backlog with a backend error. Safe to call more than once.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		<-p.loopDone
		return
	}
	p.queue.push(time.Time{}, event{typ: evStop})
	<-p.loopDone
}

// ============================================================================
// Event Loop
// ============================================================================

// run drains the event queue in due-time order. Each iteration atomically
// inspects the head: a due event is popped and handled; a future event makes
// the loop sleep until its due time or the next wakeup, whichever is first;
// an empty queue makes it sleep on wakeup alone. now is re-read after every
// wait, so a horizon read before sleeping is never trusted afterwards.
func (p *Pool) run() {
	defer close(p.loopDone)

	st := newPoolState(p.seed)
	for {
		now := time.Now()
		ev, ok, next := p.queue.popDue(now)
		if ok {
			if ev.typ == evStop {
				p.shutdown(st)
				return
			}
			p.handle(st, now, ev)
			p.observe(st)
			continue
		}

		if next.IsZero() {
			<-p.queue.wakeup
			continue
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-p.queue.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Pool) handle(st *poolState, now time.Time, ev event) {
	switch ev.typ {
	case evAddWorker:
		p.handleAddWorker(st, now, ev.host, ev.key)
	case evNewJob:
		p.handleNewJob(st, ev.job)
	case evWorkerIdle:
		p.handleWorkerIdle(st, ev.addr)
	case evVersionRefresh:
		p.refreshVersions(ev.addr)
	case evWorkerFailed:
		p.handleWorkerFailed(st, now, ev.addr)
	case evWorkerVersions:
		p.handleWorkerVersions(st, ev.addr, ev.versions)
	case evStatus:
		p.handleStatus(st, ev.reply)
	}
}

// handleAddWorker registers a new worker in the disabled state and schedules
// its first version probe. Re-adding a known host only schedules a probe: it
// can heal a stuck worker without resetting the backoff of a live one.
func (p *Pool) handleAddWorker(st *poolState, now time.Time, host string, key ed25519.PublicKey) {
	if w, exists := st.workers[host]; exists {
		log.Warn("Worker already registered, scheduling refresh", "host", host)
		p.queue.push(time.Time{}, event{typ: evVersionRefresh, addr: w.addr})
		return
	}

	w := &workerState{
		addr:      types.WorkerAddr{Host: host, PublicKey: key},
		disabled:  true,
		lastCheck: now,
	}
	st.workers[host] = w
	log.Info("Worker registered", "host", host)
	p.queue.push(time.Time{}, event{typ: evVersionRefresh, addr: w.addr})
}

// handleNewJob routes an admitted job: synthetic failure when the pool has
// no workers at all, backlog when none are idle, otherwise dispatch to a
// uniformly random idle worker. The queued-jobs counter is decremented
// exactly when the job leaves the queue by the first or third branch; a
// backlogged job was already counted at admission.
func (p *Pool) handleNewJob(st *poolState, j *job) {
	if len(st.workers) == 0 {
		p.shared.decQueued()
		log.Warn("No workers registered, failing job", "jobID", j.id)
		if p.mtr != nil {
			p.mtr.RecordBackendError()
		}
		go j.deliver(types.BackendError())
		return
	}

	if len(st.idle) == 0 {
		st.backlog = append(st.backlog, j)
		return
	}

	addr := st.takeRandomIdle()
	p.shared.decQueued()
	p.dispatch(addr, j)
}

// handleWorkerIdle recycles a worker that finished a job or just recovered.
// A disabled worker is not eligible: its pending health check owns it. A
// worker with backlog waiting takes the oldest job immediately; otherwise it
// joins the idle set.
func (p *Pool) handleWorkerIdle(st *poolState, addr types.WorkerAddr) {
	w, exists := st.workers[addr.Host]
	if !exists {
		log.Error("Idle event for unknown worker", "host", addr.Host)
		return
	}

	if w.disabled {
		st.removeIdle(addr.Host)
		return
	}

	if j := st.popBacklog(); j != nil {
		p.shared.decQueued()
		st.removeIdle(addr.Host)
		p.dispatch(w.addr, j)
		return
	}

	st.addIdle(w.addr)
}

// handleWorkerFailed moves a worker into (or deeper into) the disabled state
// and schedules the next health check after the backoff interval.
func (p *Pool) handleWorkerFailed(st *poolState, now time.Time, addr types.WorkerAddr) {
	w, exists := st.workers[addr.Host]
	if !exists {
		log.Error("Failure event for unknown worker", "host", addr.Host)
		return
	}

	var iv time.Duration
	if !w.disabled {
		iv = backoff.Start
	} else {
		iv = backoff.Next(w.waitInterval)
	}
	w.disabled = true
	w.lastCheck = now
	w.waitInterval = iv
	st.removeIdle(addr.Host)

	log.Warn("Worker disabled", "host", addr.Host, "nextCheckIn", iv)
	p.queue.push(now.Add(iv), event{typ: evVersionRefresh, addr: addr})
}

// handleWorkerVersions records a successful version probe. A recovering
// worker is routed through a worker_idle event rather than inserted into the
// idle set here, so that backlog pickup goes through one code path.
func (p *Pool) handleWorkerVersions(st *poolState, addr types.WorkerAddr, versions []types.Version) {
	w, exists := st.workers[addr.Host]
	if !exists {
		log.Error("Versions event for unknown worker", "host", addr.Host)
		return
	}

	if w.disabled {
		p.queue.push(time.Time{}, event{typ: evWorkerIdle, addr: addr})
	}
	w.disabled = false
	w.waitInterval = 0
	w.versions = versions
	p.shared.mergeVersions(versions)

	log.Info("Worker healthy", "host", addr.Host, "versions", len(versions))
}

// handleStatus snapshots the pool with the loop quiescent and delivers the
// result without blocking the loop.
func (p *Pool) handleStatus(st *poolState, reply chan<- *types.Status) {
	snapshot := p.snapshot(st)
	go func() { reply <- snapshot }()
}

func (p *Pool) snapshot(st *poolState) *types.Status {
	hosts := make([]string, 0, len(st.workers))
	for host := range st.workers {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)

	workers := make([]types.WorkerStatus, 0, len(hosts))
	for _, host := range hosts {
		w := st.workers[host]
		ws := types.WorkerStatus{
			Addr:     w.addr,
			Versions: slices.Clone(w.versions),
			Idle:     st.isIdle(host),
		}
		if w.disabled {
			ws.Disabled = &[2]types.Timespec{
				types.TimespecFromDuration(w.lastCheck.Sub(p.epoch)),
				types.TimespecFromDuration(w.waitInterval),
			}
		}
		workers = append(workers, ws)
	}

	return &types.Status{
		Workers:          workers,
		JobQueueLength:   p.shared.queued(),
		EventQueueLength: p.queue.len(),
	}
}

// ============================================================================
// Background Tasks
// ============================================================================

// dispatch hands a job to a worker off the event loop. The RPC outcome comes
// back as a follow-up event; the user callback runs in its own goroutine so a
// slow client cannot delay worker recycling.
func (p *Pool) dispatch(addr types.WorkerAddr, j *job) {
	if p.mtr != nil {
		p.mtr.RecordDispatch()
	}
	go func() {
		start := time.Now()
		resp, err := p.client.Run(context.Background(), addr, j.req)
		if err != nil {
			log.Warn("Worker run failed", "host", addr.Host, "jobID", j.id, "error", err)
			if p.mtr != nil {
				p.mtr.RecordBackendError()
			}
			go j.deliver(types.BackendError())
			p.queue.push(time.Time{}, event{typ: evWorkerFailed, addr: addr})
			return
		}

		if p.mtr != nil {
			p.mtr.RecordCompleted(time.Since(start).Seconds())
		}
		log.Debug("Job completed", "host", addr.Host, "jobID", j.id, "duration", time.Since(start))
		go j.deliver(resp)
		p.queue.push(time.Time{}, event{typ: evWorkerIdle, addr: addr})
	}()
}

// refreshVersions probes a worker's version list off the event loop and
// reports the outcome as a follow-up event. The handler itself mutates
// nothing, which keeps the one-pending-health-event invariant trivial.
func (p *Pool) refreshVersions(addr types.WorkerAddr) {
	go func() {
		versions, err := p.client.Versions(context.Background(), addr)
		if err != nil {
			log.Debug("Version probe failed", "host", addr.Host, "error", err)
			p.queue.push(time.Time{}, event{typ: evWorkerFailed, addr: addr})
			return
		}
		p.queue.push(time.Time{}, event{typ: evWorkerVersions, addr: addr, versions: versions})
	}()
}

// ============================================================================
// Shutdown
// ============================================================================

// shutdown fails everything still queued so every admitted job sees exactly
// one callback. Pending status requests get a final snapshot.
func (p *Pool) shutdown(st *poolState) {
	for _, j := range st.backlog {
		p.shared.decQueued()
		go j.deliver(types.BackendError())
	}
	st.backlog = nil

	// Drain remaining events regardless of due time.
	for _, ev := range p.queue.drain() {
		switch ev.typ {
		case evNewJob:
			p.shared.decQueued()
			go ev.job.deliver(types.BackendError())
		case evStatus:
			snapshot := p.snapshot(st)
			reply := ev.reply
			go func() { reply <- snapshot }()
		}
	}

	log.Info("Pool stopped")
}

// observe refreshes the operational gauges after each handled event.
func (p *Pool) observe(st *poolState) {
	if p.mtr == nil {
		return
	}
	p.mtr.SetQueuedJobs(p.shared.queued())
	p.mtr.SetIdleWorkers(len(st.idle))
	p.mtr.SetEventQueueLength(p.queue.len())
}
