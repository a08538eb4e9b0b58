package pool

import (
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/playpool/pkg/types"
)

// workerState is the loop's view of one worker. A disabled worker is waiting
// on a health check; lastCheck and waitInterval drive the backoff schedule.
type workerState struct {
	addr         types.WorkerAddr
	disabled     bool
	lastCheck    time.Time
	waitInterval time.Duration
	versions     []types.Version
}

// job pairs an admitted request with its single-shot delivery callback.
// deliver is invoked exactly once, with either a real worker response or a
// synthetic backend error.
type job struct {
	id      uuid.UUID
	req     *types.RunRequest
	deliver func(*types.RunResponse)
}

// poolState is owned by the event loop goroutine. Nothing else reads or
// writes it.
type poolState struct {
	workers map[string]*workerState // keyed by host
	idle    []types.WorkerAddr      // subset of healthy workers with no job
	backlog []*job                  // FIFO of jobs waiting for a free worker
	rng     *rand.Rand
}

func newPoolState(seed int64) *poolState {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &poolState{
		workers: make(map[string]*workerState),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// takeRandomIdle removes and returns a uniformly random idle worker.
// The caller must have checked that the idle set is non-empty.
func (st *poolState) takeRandomIdle() types.WorkerAddr {
	i := st.rng.Intn(len(st.idle))
	addr := st.idle[i]
	st.idle = slices.Delete(st.idle, i, i+1)
	return addr
}

func (st *poolState) isIdle(host string) bool {
	for _, a := range st.idle {
		if a.Host == host {
			return true
		}
	}
	return false
}

// addIdle inserts addr into the idle set; a no-op if already present.
func (st *poolState) addIdle(addr types.WorkerAddr) {
	if st.isIdle(addr.Host) {
		return
	}
	st.idle = append(st.idle, addr)
}

// removeIdle removes the worker with the given host; a no-op if absent.
func (st *poolState) removeIdle(host string) {
	for i, a := range st.idle {
		if a.Host == host {
			st.idle = slices.Delete(st.idle, i, i+1)
			return
		}
	}
}

// popBacklog removes and returns the oldest backlogged job, or nil.
func (st *poolState) popBacklog() *job {
	if len(st.backlog) == 0 {
		return nil
	}
	j := st.backlog[0]
	st.backlog = st.backlog[1:]
	return j
}

// shared holds the cross-goroutine counters read by clients while the loop
// is running. Compound operations (capacity check + increment, version
// merge) hold the mutex for their full duration.
type shared struct {
	mu         sync.Mutex
	versions   []types.Version // sorted, deduplicated union across workers
	queuedJobs int             // admitted but not yet handed to a worker
}

// tryAdmit performs the linearizable capacity check: if fewer than max jobs
// are queued, the counter is incremented and admission succeeds.
func (s *shared) tryAdmit(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queuedJobs >= max {
		return false
	}
	s.queuedJobs++
	return true
}

// decQueued marks one admitted job as handed off (or synthetically failed).
func (s *shared) decQueued() {
	s.mu.Lock()
	s.queuedJobs--
	s.mu.Unlock()
}

func (s *shared) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedJobs
}

// mergeVersions folds a worker's advertised versions into the shared union,
// keeping it sorted and strictly increasing.
func (s *shared) mergeVersions(versions []types.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := append(slices.Clone(s.versions), versions...)
	slices.Sort(merged)
	s.versions = slices.Compact(merged)
}

// versionList returns a copy of the current union.
func (s *shared) versionList() []types.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.versions)
}
