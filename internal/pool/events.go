package pool

import (
	"crypto/ed25519"

	"github.com/ChuLiYu/playpool/pkg/types"
)

// eventType discriminates the events driving the pool loop.
type eventType int

const (
	evAddWorker      eventType = iota // Register a worker (host + key)
	evNewJob                          // An admitted job is ready for dispatch
	evWorkerIdle                      // A worker finished its job or recovered
	evVersionRefresh                  // Probe a worker's version list
	evWorkerFailed                    // A worker RPC failed
	evWorkerVersions                  // A version probe succeeded
	evStatus                          // Snapshot request
	evStop                            // Shut the loop down
)

func (t eventType) String() string {
	switch t {
	case evAddWorker:
		return "add_worker"
	case evNewJob:
		return "new_job"
	case evWorkerIdle:
		return "worker_idle"
	case evVersionRefresh:
		return "version_refresh"
	case evWorkerFailed:
		return "worker_failed"
	case evWorkerVersions:
		return "worker_versions"
	case evStatus:
		return "status"
	case evStop:
		return "stop"
	}
	return "unknown"
}

// event is a single unit of work for the loop. Only the fields relevant to
// its type are populated.
type event struct {
	typ eventType

	// evAddWorker
	host string
	key  ed25519.PublicKey

	// evWorkerIdle, evVersionRefresh, evWorkerFailed, evWorkerVersions
	addr types.WorkerAddr

	// evWorkerVersions
	versions []types.Version

	// evNewJob
	job *job

	// evStatus
	reply chan<- *types.Status
}
