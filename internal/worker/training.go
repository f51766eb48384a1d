package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/glin-ai/glin-client/internal/errdefs"
	"github.com/glin-ai/glin-client/internal/storage"
)

// TrainingTask is one unit of training work, built from a poll response
// and discarded once its execution finishes.
type TrainingTask struct {
	TaskID     uuid.UUID
	ModelCID   string
	DatasetURL string
	Config     TrainingConfig
}

type TrainingConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
}

type TrainingMetrics struct {
	Loss         float64
	Accuracy     float64
	DurationSecs uint64
}

// LogLine is one line of subprocess output, in emission order. Stderr
// lines are tagged.
type LogLine struct {
	Text   string
	Stderr bool
}

type TrainingResult struct {
	GradientCID string
	Metrics     TrainingMetrics
	Logs        []LogLine
}

// TrainingExecutor resolves a task's inputs through the artifact cache,
// runs the external training program and uploads the produced gradient.
type TrainingExecutor struct {
	cache   *storage.Cache
	fetcher storage.Fetcher

	// Python is the interpreter (or a self-contained training binary when
	// Script is empty). GradientFile is the artifact name expected in the
	// output directory.
	Python       string
	Script       string
	GradientFile string
}

func NewTrainingExecutor(cache *storage.Cache, fetcher storage.Fetcher) *TrainingExecutor {
	python := os.Getenv("PYTHON_PATH")
	if python == "" {
		python = "python3"
	}
	script := os.Getenv("GLIN_TRAIN_SCRIPT")
	if script == "" {
		script = filepath.Join("python", "train.py")
	}
	return &TrainingExecutor{
		cache:        cache,
		fetcher:      fetcher,
		Python:       python,
		Script:       script,
		GradientFile: "gradients.pt",
	}
}

// maxLogLineBytes caps a single captured log line; longer lines abort
// capture for that stream but never stall the subprocess.
const maxLogLineBytes = 1024 * 1024

// Execute runs the five-step training pipeline: resolve model, resolve
// dataset, prepare the output directory, run the subprocess, then parse
// metrics and upload the gradient. No step is retried here; the fetcher
// carries its own retry policy.
func (e *TrainingExecutor) Execute(ctx context.Context, task TrainingTask) (*TrainingResult, error) {
	if ctx.Err() != nil {
		return nil, errdefs.ErrShutdown
	}
	if err := e.cache.Init(); err != nil {
		return nil, err
	}

	modelPath, err := e.cache.Model(ctx, task.ModelCID)
	if err != nil {
		return nil, shutdownOr(ctx, err)
	}
	datasetPath, err := e.cache.Dataset(ctx, task.DatasetURL)
	if err != nil {
		return nil, shutdownOr(ctx, err)
	}
	outputDir, err := e.cache.EnsureOutputDir(task.TaskID.String())
	if err != nil {
		return nil, err
	}

	logs, duration, err := e.runTraining(task, modelPath, datasetPath, outputDir)
	if err != nil {
		return nil, err
	}

	metrics := e.parseMetrics(task.TaskID, outputDir)
	metrics.DurationSecs = uint64(duration.Seconds())

	gradientCID, err := e.fetcher.Upload(ctx, filepath.Join(outputDir, e.GradientFile))
	if err != nil {
		return nil, shutdownOr(ctx, err)
	}

	log.Info().
		Str("task_id", task.TaskID.String()).
		Str("gradient_cid", gradientCID).
		Float64("loss", metrics.Loss).
		Dur("duration", duration).
		Msg("Training completed")

	return &TrainingResult{GradientCID: gradientCID, Metrics: metrics, Logs: logs}, nil
}

// runTraining spawns the training program and consumes both output
// streams line by line into one ordered, tagged log. Once started the
// process is never interrupted; shutdown waits for it or gives up at the
// drain timeout. Duration is wall clock around the subprocess.
func (e *TrainingExecutor) runTraining(task TrainingTask, modelPath, datasetPath, outputDir string) ([]LogLine, time.Duration, error) {
	args := []string{}
	if e.Script != "" {
		if _, err := os.Stat(e.Script); err != nil {
			return nil, 0, &errdefs.ProcessError{Err: err}
		}
		args = append(args, e.Script)
	}
	args = append(args,
		"--model", modelPath,
		"--dataset", datasetPath,
		"--output", outputDir,
		"--epochs", strconv.Itoa(task.Config.Epochs),
		"--batch-size", strconv.Itoa(task.Config.BatchSize),
		"--learning-rate", strconv.FormatFloat(task.Config.LearningRate, 'g', -1, 64),
	)

	cmd := exec.Command(e.Python, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, &errdefs.ProcessError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, 0, &errdefs.ProcessError{Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, 0, &errdefs.ProcessError{Err: err}
	}

	var mu sync.Mutex
	var logs []LogLine
	var wg sync.WaitGroup
	consume := func(r io.Reader, isStderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			if isStderr {
				log.Warn().Str("task_id", task.TaskID.String()).Msg("[training] " + line)
			} else {
				log.Info().Str("task_id", task.TaskID.String()).Msg("[training] " + line)
			}
			mu.Lock()
			logs = append(logs, LogLine{Text: line, Stderr: isStderr})
			mu.Unlock()
		}
		// The pipe must be drained to EOF regardless: an undrained pipe
		// blocks the subprocess on its next write and Wait never returns.
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Str("task_id", task.TaskID.String()).Msg("Stopped consuming training output, draining remainder")
			_, _ = io.Copy(io.Discard, r)
		}
	}
	wg.Add(2)
	go consume(stdout, false)
	go consume(stderr, true)
	wg.Wait()

	err = cmd.Wait()
	duration := time.Since(start)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return logs, duration, &errdefs.ProcessError{ExitCode: exitErr.ExitCode()}
		}
		return logs, duration, &errdefs.ProcessError{Err: err}
	}
	return logs, duration, nil
}

// parseMetrics reads metrics.json from the output directory. A missing or
// malformed file degrades to zero-valued metrics rather than failing the
// task.
func (e *TrainingExecutor) parseMetrics(taskID uuid.UUID, outputDir string) TrainingMetrics {
	content, err := os.ReadFile(filepath.Join(outputDir, "metrics.json"))
	if err != nil {
		log.Warn().Str("task_id", taskID.String()).Msg("No metrics.json produced, reporting zero metrics")
		return TrainingMetrics{}
	}
	var parsed struct {
		Loss     float64 `json:"loss"`
		Accuracy float64 `json:"accuracy"`
	}
	if err := json.Unmarshal(content, &parsed); err != nil {
		log.Warn().Err(err).Str("task_id", taskID.String()).Msg("Malformed metrics.json, reporting zero metrics")
		return TrainingMetrics{}
	}
	return TrainingMetrics{Loss: parsed.Loss, Accuracy: parsed.Accuracy}
}

// shutdownOr maps cancellation seen by a network call onto the shutdown
// abort so callers report nothing upstream for it.
func shutdownOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errdefs.ErrShutdown
	}
	return err
}
