package types

import "time"

// Timespec is a second/nanosecond pair used for monotonic instants and
// durations in the status document.
type Timespec struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// TimespecFromDuration splits a duration into whole seconds and the
// remaining nanoseconds.
func TimespecFromDuration(d time.Duration) Timespec {
	return Timespec{
		Sec:  int64(d / time.Second),
		Nsec: int64(d % time.Second),
	}
}

// Duration converts the pair back into a time.Duration.
func (t Timespec) Duration() time.Duration {
	return time.Duration(t.Sec)*time.Second + time.Duration(t.Nsec)
}

// WorkerStatus describes one worker in a status snapshot. Disabled is nil
// for a healthy worker; otherwise it holds the instant of the last failed
// health check (relative to pool start) and the current wait interval.
type WorkerStatus struct {
	Addr     WorkerAddr   `json:"addr"`
	Disabled *[2]Timespec `json:"disabled"`
	Versions []Version    `json:"versions"`
	Idle     bool         `json:"idle"`
}

// Status is a consistent snapshot of the pool taken on the event loop.
type Status struct {
	Workers          []WorkerStatus `json:"workers"`
	JobQueueLength   int            `json:"job_queue_length"`
	EventQueueLength int            `json:"event_queue_length"`
}
