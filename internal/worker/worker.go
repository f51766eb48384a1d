// Package worker drives the provider's task lifecycle: polling the
// backend, executing assigned training tasks concurrently and reporting
// results and liveness.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/glin-ai/glin-client/internal/errdefs"
	"github.com/glin-ai/glin-client/internal/store"
	"github.com/glin-ai/glin-client/pkg/api"
)

// TaskSource is the backend seen from the dispatch loop.
type TaskSource interface {
	Tasks(ctx context.Context) ([]api.TaskInfo, error)
	Heartbeat(ctx context.Context, hb api.ProviderHeartbeat) error
	SubmitGradient(ctx context.Context, req api.SubmitGradientRequest) error
}

// Executor runs one training task to completion.
type Executor interface {
	Execute(ctx context.Context, task TrainingTask) (*TrainingResult, error)
}

// ResourceMonitor supplies the utilization figures sent with heartbeats.
type ResourceMonitor interface {
	CPUUsage() float32
	GPUUsage() float32
	MemoryUsage() float32
	Temperature() float32
	AvailableVRAMGb() float32
}

// History records finished executions locally. May be nil.
type History interface {
	RecordRun(ctx context.Context, run store.TaskRun) error
}

type Options struct {
	Monitor            ResourceMonitor
	History            History
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	DrainTimeout       time.Duration
	MaxConcurrentTasks int
}

// Worker is the long-lived dispatch loop. Each cycle sends a heartbeat,
// polls for assigned tasks, spawns an execution goroutine per newly
// admitted task and sleeps. Cancelling the run context starts the drain.
type Worker struct {
	providerID uuid.UUID
	source     TaskSource
	executor   Executor
	monitor    ResourceMonitor
	history    History
	registry   *Registry

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	drainTimeout      time.Duration

	running group
}

func New(providerID uuid.UUID, source TaskSource, executor Executor, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.PollInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Worker{
		providerID:        providerID,
		source:            source,
		executor:          executor,
		monitor:           opts.Monitor,
		history:           opts.History,
		registry:          NewRegistry(opts.MaxConcurrentTasks),
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		drainTimeout:      opts.DrainTimeout,
	}
}

// Registry exposes the active-task registry for status reporting.
func (w *Worker) Registry() *Registry { return w.registry }

// Run blocks until ctx is cancelled and in-flight work has drained.
// Heartbeat and poll failures are logged and the loop continues.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().Str("provider_id", w.providerID.String()).Msg("Worker started")

	var lastHeartbeat time.Time
	for {
		if ctx.Err() != nil {
			return w.drain()
		}

		// Heartbeats ride the poll cadence but honor their own interval
		// when it is longer than one cycle.
		if time.Since(lastHeartbeat) >= w.heartbeatInterval {
			lastHeartbeat = time.Now()
			if err := w.sendHeartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to send heartbeat")
			}
		}

		tasks, err := w.source.Tasks(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error().Err(err).Msg("Failed to fetch tasks")
		case err == nil && len(tasks) > 0:
			log.Info().Int("count", len(tasks)).Msg("Found assigned tasks")
			w.dispatch(ctx, tasks)
		}

		select {
		case <-ctx.Done():
			return w.drain()
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, tasks []api.TaskInfo) {
	for _, task := range tasks {
		switch w.registry.TryAdd(task.ID) {
		case AddDuplicate:
			log.Debug().Str("task_id", task.ID.String()).Msg("Task already running, skipping")
		case AddSaturated:
			log.Info().Str("task_id", task.ID.String()).Msg("Concurrency limit reached, deferring task")
		case AddOK:
			w.running.Add(1)
			go w.runTask(ctx, task)
		}
	}
}

// runTask is one execution unit. Whatever the exit path, the task id
// leaves the registry exactly once, and failures never touch the
// dispatch loop or other units.
func (w *Worker) runTask(ctx context.Context, info api.TaskInfo) {
	defer w.running.Done()
	defer w.registry.Remove(info.ID)

	log.Info().Str("task_id", info.ID.String()).Str("name", info.Name).Msg("Processing task")

	if ctx.Err() != nil {
		log.Warn().Str("task_id", info.ID.String()).Msg("Task skipped due to shutdown")
		return
	}

	task := TrainingTask{
		TaskID:     info.ID,
		ModelCID:   info.ModelCID,
		DatasetURL: info.DatasetURL,
		Config: TrainingConfig{
			Epochs:       info.Epochs,
			BatchSize:    info.BatchSize,
			LearningRate: info.LearningRate,
		},
	}

	result, err := w.executor.Execute(ctx, task)
	if err != nil {
		if errors.Is(err, errdefs.ErrShutdown) || errors.Is(err, context.Canceled) {
			log.Warn().Str("task_id", info.ID.String()).Msg("Task aborted by shutdown")
			return
		}
		log.Error().Err(err).Str("task_id", info.ID.String()).Msg("Task failed")
		w.record(store.TaskRun{
			TaskID:     info.ID,
			ProviderID: w.providerID,
			Status:     store.RunFailed,
			Error:      err.Error(),
			FinishedAt: time.Now(),
		})
		return
	}

	// Submission uses a fresh context so a result finished during the
	// drain window is still reported.
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := api.SubmitGradientRequest{
		TaskID:      info.ID,
		ProviderID:  w.providerID,
		GradientCID: result.GradientCID,
		Metrics: api.GradientMetrics{
			Loss:                 result.Metrics.Loss,
			Accuracy:             result.Metrics.Accuracy,
			TrainingDurationSecs: result.Metrics.DurationSecs,
			CompressionMethod:    "quantize",
		},
	}
	run := store.TaskRun{
		TaskID:       info.ID,
		ProviderID:   w.providerID,
		GradientCID:  result.GradientCID,
		Loss:         result.Metrics.Loss,
		Accuracy:     result.Metrics.Accuracy,
		DurationSecs: result.Metrics.DurationSecs,
		FinishedAt:   time.Now(),
	}
	if err := w.source.SubmitGradient(sctx, req); err != nil {
		log.Error().Err(err).Str("task_id", info.ID.String()).Msg("Failed to submit gradient")
		run.Status = store.RunFailed
		run.Error = err.Error()
	} else {
		run.Status = store.RunSucceeded
		log.Info().Str("task_id", info.ID.String()).Msg("Task completed")
	}
	w.record(run)
}

func (w *Worker) record(run store.TaskRun) {
	if w.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.history.RecordRun(ctx, run); err != nil {
		log.Error().Err(err).Str("task_id", run.TaskID.String()).Msg("Failed to record run history")
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) error {
	hb := api.ProviderHeartbeat{
		ProviderID:   w.providerID,
		CurrentTasks: w.registry.Snapshot(),
	}
	if w.monitor != nil {
		hb.CPUUsage = w.monitor.CPUUsage()
		hb.GPUUsage = w.monitor.GPUUsage()
		hb.MemoryUsage = w.monitor.MemoryUsage()
		hb.Temperature = w.monitor.Temperature()
		hb.AvailableVRAMGb = w.monitor.AvailableVRAMGb()
	}
	return w.source.Heartbeat(ctx, hb)
}

// drain performs a bounded join over all spawned execution goroutines.
// Hitting the timeout is not an error; the remaining count is logged and
// the process exits anyway. The registry actor is stopped on the way out.
func (w *Worker) drain() error {
	defer w.registry.Close()

	active := w.registry.Len()
	if active == 0 {
		log.Info().Msg("Worker shutdown complete")
		return nil
	}
	log.Info().Int("active", active).Dur("timeout", w.drainTimeout).Msg("Draining in-flight tasks")

	select {
	case <-w.running.WaitChan():
		log.Info().Msg("All tasks completed, worker shutdown complete")
	case <-time.After(w.drainTimeout):
		log.Warn().Int("remaining", w.registry.Len()).Msg("Drain timeout elapsed, terminating anyway")
	}
	return nil
}
