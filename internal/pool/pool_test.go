package pool

// ============================================================================
// Pool Dispatcher Tests
// Purpose: Verify admission control, dispatch, backlog drain, health backoff,
// and shutdown behavior against a fake worker client
// ============================================================================

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/playpool/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeRunner is an in-memory RunnerClient. Version probes succeed or fail
// per host; runs are logged in arrival order and delegated to runFn.
type fakeRunner struct {
	mu           sync.Mutex
	versions     map[string][]types.Version
	failVersions map[string]bool
	runLog       []string
	runFn        func(addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		versions:     make(map[string][]types.Version),
		failVersions: make(map[string]bool),
	}
}

func (f *fakeRunner) setVersions(host string, versions ...types.Version) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[host] = versions
}

func (f *fakeRunner) setFailing(host string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failVersions[host] = failing
}

func (f *fakeRunner) runOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runLog...)
}

func (f *fakeRunner) Versions(ctx context.Context, addr types.WorkerAddr) ([]types.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failVersions[addr.Host] {
		return nil, errors.New("probe refused")
	}
	return f.versions[addr.Host], nil
}

func (f *fakeRunner) Run(ctx context.Context, addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error) {
	f.mu.Lock()
	f.runLog = append(f.runLog, req.Source)
	fn := f.runFn
	f.mu.Unlock()

	if fn != nil {
		return fn(addr, req)
	}
	return &types.RunResponse{Stdout: "ok"}, nil
}

func testKey(b byte) ed25519.PublicKey {
	key := make([]byte, ed25519.PublicKeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func newTestPool(t *testing.T, client RunnerClient, maxJobs int) *Pool {
	t.Helper()
	p, err := New(Config{Client: client, MaxQueuedJobs: maxJobs, Seed: 1})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func poolStatus(t *testing.T, p *Pool) *types.Status {
	t.Helper()
	st, err := p.Status(context.Background())
	require.NoError(t, err)
	return st
}

func submitReq(source string) *types.RunRequest {
	return &types.RunRequest{
		Command: types.CommandRun,
		Source:  source,
		Version: "9.8.1",
		Opt:     types.OptO1,
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNewValidation(t *testing.T) {
	_, err := New(Config{MaxQueuedJobs: 10})
	assert.Error(t, err, "a pool without a client is useless")

	_, err = New(Config{Client: newFakeRunner()})
	assert.Error(t, err, "a zero admission cap rejects everything")
}

// ============================================================================
// Scenarios
// ============================================================================

func TestEmptyPoolFailsJobs(t *testing.T) {
	p := newTestPool(t, newFakeRunner(), 10)

	resp, err := p.SubmitJob(context.Background(), submitReq("main = pure ()"))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.RunErrBackend, *resp.Error)

	assert.Empty(t, p.AvailableVersions())
	assert.Equal(t, 0, poolStatus(t, p).JobQueueLength)
}

func TestHappyPath(t *testing.T) {
	fake := newFakeRunner()
	fake.setVersions("w1", "9.6.3", "9.8.1")
	fake.runFn = func(addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error) {
		return &types.RunResponse{Stdout: "hello"}, nil
	}

	p := newTestPool(t, fake, 10)
	require.NoError(t, p.AddWorker("w1", testKey(1)))

	assert.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return len(st.Workers) == 1 && st.Workers[0].Disabled == nil && st.Workers[0].Idle
	}, 2*time.Second, 10*time.Millisecond, "worker should become healthy and idle")

	assert.Equal(t, []types.Version{"9.6.3", "9.8.1"}, p.AvailableVersions())

	resp, err := p.SubmitJob(context.Background(), submitReq("main = putStrLn \"hello\""))
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "hello", resp.Stdout)

	// The worker is recycled and the counter returns to zero.
	assert.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return st.JobQueueLength == 0 && st.Workers[0].Idle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackoffOnFailure(t *testing.T) {
	fake := newFakeRunner()
	fake.setFailing("w1", true)

	p := newTestPool(t, fake, 10)
	require.NoError(t, p.AddWorker("w1", testKey(1)))

	waitInterval := func() (time.Duration, bool) {
		st := poolStatus(t, p)
		if len(st.Workers) != 1 || st.Workers[0].Disabled == nil {
			return 0, false
		}
		assert.False(t, st.Workers[0].Idle, "a disabled worker must never be idle")
		return st.Workers[0].Disabled[1].Duration(), true
	}

	assert.Eventually(t, func() bool {
		iv, disabled := waitInterval()
		return disabled && iv == 1*time.Second
	}, 2*time.Second, 10*time.Millisecond, "first failure should back off by 1s")

	assert.Eventually(t, func() bool {
		iv, disabled := waitInterval()
		return disabled && iv == 1500*time.Millisecond
	}, 3*time.Second, 10*time.Millisecond, "second failure should back off by 1.5s")

	// The next probe succeeds: the worker recovers and goes idle.
	fake.setVersions("w1", "9.8.1")
	fake.setFailing("w1", false)

	assert.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return st.Workers[0].Disabled == nil && st.Workers[0].Idle
	}, 4*time.Second, 10*time.Millisecond, "worker should recover after a successful probe")
}

func TestBacklogDrain(t *testing.T) {
	fake := newFakeRunner()
	fake.setVersions("w1", "9.8.1")
	fake.runFn = func(addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error) {
		time.Sleep(10 * time.Millisecond)
		return &types.RunResponse{Stdout: "done"}, nil
	}

	p := newTestPool(t, fake, 20)
	require.NoError(t, p.AddWorker("w1", testKey(1)))

	require.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return len(st.Workers) == 1 && st.Workers[0].Idle
	}, 2*time.Second, 10*time.Millisecond)

	const jobs = 10
	var wg sync.WaitGroup
	responses := make(chan *types.RunResponse, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := p.SubmitJob(context.Background(), submitReq(fmt.Sprintf("job-%d", i)))
			assert.NoError(t, err)
			responses <- resp
		}(i)
	}
	wg.Wait()
	close(responses)

	count := 0
	for resp := range responses {
		require.NotNil(t, resp)
		assert.Nil(t, resp.Error)
		count++
	}
	assert.Equal(t, jobs, count, "every admitted job gets exactly one response")
	assert.Equal(t, 0, poolStatus(t, p).JobQueueLength)
}

func TestCapacityRejection(t *testing.T) {
	fake := newFakeRunner()
	fake.setVersions("w1", "9.8.1")

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	fake.runFn = func(addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error) {
		started <- struct{}{}
		<-release
		return &types.RunResponse{Stdout: "done"}, nil
	}

	p := newTestPool(t, fake, 2)
	require.NoError(t, p.AddWorker("w1", testKey(1)))
	require.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return len(st.Workers) == 1 && st.Workers[0].Idle
	}, 2*time.Second, 10*time.Millisecond)

	results := make(chan *types.RunResponse, 3)
	submit := func() {
		resp, err := p.SubmitJob(context.Background(), submitReq("blocked"))
		assert.NoError(t, err)
		results <- resp
	}

	// First job occupies the only worker.
	go submit()
	<-started

	// Two more fill the admission cap while the worker is busy.
	go submit()
	go submit()
	require.Eventually(t, func() bool {
		return poolStatus(t, p).JobQueueLength == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The cap is reached: the next submission is turned away synchronously.
	_, err := p.SubmitJob(context.Background(), submitReq("rejected"))
	assert.ErrorIs(t, err, ErrAtCapacity)

	close(release)
	for i := 0; i < 3; i++ {
		resp := <-results
		require.NotNil(t, resp)
		assert.Nil(t, resp.Error)
	}
}

func TestRecoveryRoutesBacklog(t *testing.T) {
	fake := newFakeRunner()
	fake.setFailing("w1", true)

	p := newTestPool(t, fake, 10)
	require.NoError(t, p.AddWorker("w1", testKey(1)))

	require.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return len(st.Workers) == 1 && st.Workers[0].Disabled != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Three jobs pile up in the backlog while the worker is down. Submissions
	// are serialized so the backlog order is known.
	results := make(chan *types.RunResponse, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			resp, err := p.SubmitJob(context.Background(), submitReq(fmt.Sprintf("job-%d", i)))
			assert.NoError(t, err)
			results <- resp
		}()
		require.Eventually(t, func() bool {
			return poolStatus(t, p).JobQueueLength == i+1
		}, 2*time.Second, 5*time.Millisecond)
	}

	// The next health check succeeds and the recovered worker drains the
	// backlog front to back.
	fake.setVersions("w1", "9.8.1")
	fake.setFailing("w1", false)

	for i := 0; i < 3; i++ {
		select {
		case resp := <-results:
			require.NotNil(t, resp)
			assert.Nil(t, resp.Error)
		case <-time.After(5 * time.Second):
			t.Fatal("backlogged job was never completed")
		}
	}

	assert.Equal(t, []string{"job-0", "job-1", "job-2"}, fake.runOrder())
	assert.Equal(t, 0, poolStatus(t, p).JobQueueLength)
}

// ============================================================================
// Worker Registration
// ============================================================================

func TestAddWorkerValidation(t *testing.T) {
	p := newTestPool(t, newFakeRunner(), 10)

	tests := []struct {
		name string
		host string
		key  ed25519.PublicKey
	}{
		{"non-ASCII host", "wörker.example.com", testKey(1)},
		{"empty host", "", testKey(1)},
		{"short key", "w1", ed25519.PublicKey(make([]byte, 16))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.AddWorker(tt.host, tt.key)
			assert.ErrorIs(t, err, ErrInvalidHost)
		})
	}
}

func TestDuplicateWorkerIsHealedNotReplaced(t *testing.T) {
	fake := newFakeRunner()
	fake.setVersions("w1", "9.8.1")

	p := newTestPool(t, fake, 10)
	require.NoError(t, p.AddWorker("w1", testKey(1)))
	require.NoError(t, p.AddWorker("w1", testKey(2)))

	assert.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return len(st.Workers) == 1 && st.Workers[0].Disabled == nil && st.Workers[0].Idle
	}, 2*time.Second, 10*time.Millisecond)

	// The original identity wins; the duplicate only triggered a refresh.
	st := poolStatus(t, p)
	assert.Equal(t, ed25519.PublicKey(testKey(1)), st.Workers[0].Addr.PublicKey)
}

func TestVersionsUnionSortedDeduplicated(t *testing.T) {
	fake := newFakeRunner()
	fake.setVersions("w1", "9.8.1", "9.6.3")
	fake.setVersions("w2", "9.6.3", "8.10.7")

	p := newTestPool(t, fake, 10)
	require.NoError(t, p.AddWorker("w1", testKey(1)))
	require.NoError(t, p.AddWorker("w2", testKey(2)))

	assert.Eventually(t, func() bool {
		versions := p.AvailableVersions()
		return len(versions) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []types.Version{"8.10.7", "9.6.3", "9.8.1"}, p.AvailableVersions())
}

// ============================================================================
// Shutdown
// ============================================================================

func TestCloseFailsBacklog(t *testing.T) {
	fake := newFakeRunner()
	fake.setVersions("w1", "9.8.1")

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	fake.runFn = func(addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error) {
		started <- struct{}{}
		<-release
		return &types.RunResponse{Stdout: "done"}, nil
	}

	p := newTestPool(t, fake, 10)
	require.NoError(t, p.AddWorker("w1", testKey(1)))
	require.Eventually(t, func() bool {
		st := poolStatus(t, p)
		return len(st.Workers) == 1 && st.Workers[0].Idle
	}, 2*time.Second, 10*time.Millisecond)

	inFlight := make(chan *types.RunResponse, 1)
	go func() {
		resp, err := p.SubmitJob(context.Background(), submitReq("in-flight"))
		assert.NoError(t, err)
		inFlight <- resp
	}()
	<-started

	backlogged := make(chan *types.RunResponse, 1)
	go func() {
		resp, err := p.SubmitJob(context.Background(), submitReq("backlogged"))
		assert.NoError(t, err)
		backlogged <- resp
	}()
	require.Eventually(t, func() bool {
		return poolStatus(t, p).JobQueueLength == 1
	}, 2*time.Second, 10*time.Millisecond)

	p.Close()

	// The backlogged job is failed, not dropped.
	select {
	case resp := <-backlogged:
		require.NotNil(t, resp.Error)
		assert.Equal(t, types.RunErrBackend, *resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("backlogged job callback never fired")
	}

	// The in-flight job still completes once its worker returns.
	close(release)
	select {
	case resp := <-inFlight:
		assert.Nil(t, resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight job callback never fired")
	}

	_, err := p.SubmitJob(context.Background(), submitReq("late"))
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.AddWorker("w2", testKey(2)), ErrPoolClosed)
}
