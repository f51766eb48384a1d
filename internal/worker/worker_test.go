package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glin-ai/glin-client/internal/errdefs"
	"github.com/glin-ai/glin-client/internal/store"
	"github.com/glin-ai/glin-client/pkg/api"
)

// stubSource plays the backend: it keeps returning the same assigned
// tasks on every poll, exactly like the real API does until a result is
// submitted.
type stubSource struct {
	mu         sync.Mutex
	tasks      []api.TaskInfo
	heartbeats []api.ProviderHeartbeat
	submits    []api.SubmitGradientRequest
}

func (s *stubSource) Tasks(ctx context.Context) ([]api.TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.TaskInfo(nil), s.tasks...), nil
}

func (s *stubSource) Heartbeat(ctx context.Context, hb api.ProviderHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, hb)
	return nil
}

func (s *stubSource) SubmitGradient(ctx context.Context, req api.SubmitGradientRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, req)
	return nil
}

func (s *stubSource) submitted() []api.SubmitGradientRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.SubmitGradientRequest(nil), s.submits...)
}

func (s *stubSource) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heartbeats)
}

func (s *stubSource) heartbeatWith(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hb := range s.heartbeats {
		for _, taskID := range hb.CurrentTasks {
			if taskID == id {
				return true
			}
		}
	}
	return false
}

// stubExecutor blocks every Execute call on release (when set) and
// tracks how many executions ran at once.
type stubExecutor struct {
	mu        sync.Mutex
	started   int
	active    int
	maxActive int
	ids       map[uuid.UUID]int
	release   chan struct{}
	err       error
}

func newStubExecutor(block bool) *stubExecutor {
	e := &stubExecutor{ids: make(map[uuid.UUID]int)}
	if block {
		e.release = make(chan struct{})
	}
	return e
}

func (e *stubExecutor) Execute(ctx context.Context, task TrainingTask) (*TrainingResult, error) {
	e.mu.Lock()
	e.started++
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.ids[task.TaskID]++
	e.mu.Unlock()

	if e.release != nil {
		<-e.release
	}

	e.mu.Lock()
	e.active--
	e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	return &TrainingResult{
		GradientCID: "QmGradient",
		Metrics:     TrainingMetrics{Loss: 0.5, Accuracy: 0.8, DurationSecs: 1},
	}, nil
}

func (e *stubExecutor) startedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *stubExecutor) distinctTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ids)
}

func (e *stubExecutor) peakConcurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}

type stubHistory struct {
	mu   sync.Mutex
	runs []store.TaskRun
}

func (h *stubHistory) RecordRun(ctx context.Context, run store.TaskRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *stubHistory) recorded() []store.TaskRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]store.TaskRun(nil), h.runs...)
}

func taskInfo() api.TaskInfo {
	return api.TaskInfo{ID: uuid.New(), Name: "round-1", ModelCID: "QmModel", DatasetURL: "ipfs://QmData"}
}

func newTestWorker(source *stubSource, executor Executor, opts Options) *Worker {
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	return New(uuid.New(), source, executor, opts)
}

func TestRepeatedPollsDispatchOnce(t *testing.T) {
	source := &stubSource{tasks: []api.TaskInfo{taskInfo()}}
	executor := newStubExecutor(true)
	history := &stubHistory{}
	w := newTestWorker(source, executor, Options{History: history})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Several poll cycles pass while the first execution is in flight.
	require.Eventually(t, func() bool { return executor.startedCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, executor.startedCount(), "an active task must never be dispatched twice")

	// Cancel first so the loop cannot re-dispatch, then let the task
	// finish inside the drain window.
	cancel()
	close(executor.release)
	require.NoError(t, <-done)

	assert.Len(t, source.submitted(), 1, "a result finished during drain is still reported")
	assert.Equal(t, 0, w.Registry().Len())

	runs := history.recorded()
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunSucceeded, runs[0].Status)
	assert.Equal(t, "QmGradient", runs[0].GradientCID)
}

func TestConcurrencyLimitDefersDispatch(t *testing.T) {
	source := &stubSource{tasks: []api.TaskInfo{taskInfo(), taskInfo()}}
	executor := newStubExecutor(true)
	w := newTestWorker(source, executor, Options{MaxConcurrentTasks: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return executor.startedCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, executor.startedCount(), "limit of one admits one task at a time")

	// Unblock everything; the deferred task is admitted on a later poll.
	close(executor.release)
	require.Eventually(t, func() bool { return executor.distinctTasks() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, executor.peakConcurrency())

	cancel()
	require.NoError(t, <-done)
}

func TestDrainWaitsForActiveTasks(t *testing.T) {
	source := &stubSource{tasks: []api.TaskInfo{taskInfo(), taskInfo()}}
	executor := newStubExecutor(true)
	w := newTestWorker(source, executor, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return executor.startedCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while tasks were still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(executor.release)
	require.NoError(t, <-done)
	assert.Len(t, source.submitted(), 2, "tasks finishing during drain still report results")
	assert.Equal(t, 0, w.Registry().Len())
}

func TestDrainTimesOutOnStuckTask(t *testing.T) {
	source := &stubSource{tasks: []api.TaskInfo{taskInfo()}}
	executor := newStubExecutor(true) // never released
	w := newTestWorker(source, executor, Options{DrainTimeout: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return executor.startedCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "drain timeout is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not give up at the timeout")
	}
	assert.Empty(t, source.submitted())
	close(executor.release)
}

func TestShutdownAbortReportsNothing(t *testing.T) {
	source := &stubSource{tasks: []api.TaskInfo{taskInfo()}}
	executor := newStubExecutor(false)
	executor.err = errdefs.ErrShutdown
	history := &stubHistory{}
	w := newTestWorker(source, executor, Options{History: history})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return executor.startedCount() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, source.submitted(), "aborted tasks must not submit results")
	assert.Empty(t, history.recorded(), "aborted tasks leave no history")
	assert.Equal(t, 0, w.Registry().Len())
}

func TestFailedExecutionIsIsolatedAndRecorded(t *testing.T) {
	info := taskInfo()
	source := &stubSource{tasks: []api.TaskInfo{info}}
	executor := newStubExecutor(false)
	executor.err = errors.New("cuda out of memory")
	history := &stubHistory{}
	w := newTestWorker(source, executor, Options{History: history})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(history.recorded()) >= 1 }, time.Second, 5*time.Millisecond)

	// The loop keeps heartbeating after a task failure.
	before := source.heartbeatCount()
	require.Eventually(t, func() bool { return source.heartbeatCount() > before }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, source.submitted())
	runs := history.recorded()
	require.NotEmpty(t, runs)
	assert.Equal(t, store.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "cuda out of memory")
	assert.Equal(t, info.ID, runs[0].TaskID)
}

func TestHeartbeatCarriesActiveSnapshot(t *testing.T) {
	info := taskInfo()
	source := &stubSource{tasks: []api.TaskInfo{info}}
	executor := newStubExecutor(true)
	w := newTestWorker(source, executor, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return source.heartbeatWith(info.ID) }, time.Second, 5*time.Millisecond,
		"a heartbeat sent while the task runs must include its id")

	cancel()
	close(executor.release)
	require.NoError(t, <-done)
}
