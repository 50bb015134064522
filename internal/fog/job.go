package fog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultWaitTimeout  = 5 * time.Minute
	submitTimeout       = 10 * time.Second
	maxFetchFailures    = 3
)

// TaskSource hands out tasks and accepts their results.
type TaskSource interface {
	FetchTask(ctx context.Context) (*Task, error)
	SubmitResult(ctx context.Context, result Result) error
}

// Executor runs a single workflow on a machine it may share with a user.
type Executor interface {
	// Idle reports whether the machine has no work of its own queued.
	Idle(ctx context.Context) (bool, error)
	Execute(ctx context.Context, workflow json.RawMessage) (*Output, error)
}

// Options tunes a Worker.
type Options struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
	Logger       *slog.Logger
}

// Worker pulls tasks from the task center and renders them on ComfyUI until
// its context is cancelled. It is the job the controller keeps alive inside
// an open window.
type Worker struct {
	source   TaskSource
	executor Executor
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker builds a worker. A nil source makes every run fail immediately,
// which surfaces a missing task center URL as a failed task record.
func NewWorker(source TaskSource, executor Executor, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		source:   source,
		executor: executor,
		opts:     opts,
		logger:   logger.With("component", "fog"),
		now:      time.Now,
	}
}

// Run processes tasks until ctx is cancelled. No task is fetched while
// ComfyUI is busy with other prompts. Failures of individual tasks are
// reported to the task center and do not end the run; repeated failures to
// reach the task center do.
func (w *Worker) Run(ctx context.Context) error {
	if w.source == nil {
		return fmt.Errorf("task center is not configured")
	}
	if w.executor == nil {
		return fmt.Errorf("comfy is not configured")
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		idle, err := w.executor.Idle(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Warn("comfy queue check failed", "error", err)
		case !idle:
			w.logger.Debug("comfy busy, not fetching")
		}
		if !idle {
			if err := w.wait(ctx); err != nil {
				return err
			}
			continue
		}

		task, err := w.source.FetchTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			w.logger.Warn("fetch task failed", "error", err, "consecutive", failures)
			if failures >= maxFetchFailures {
				return fmt.Errorf("task center unreachable after %d attempts: %w", failures, err)
			}
			if err := w.wait(ctx); err != nil {
				return err
			}
			continue
		}
		failures = 0

		if task == nil {
			if err := w.wait(ctx); err != nil {
				return err
			}
			continue
		}

		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	logger := w.logger.With("fog_task_id", task.ID)
	logger.Info("processing task")
	started := w.now()

	execCtx, cancel := context.WithTimeout(ctx, w.opts.WaitTimeout)
	output, err := w.executor.Execute(execCtx, task.Workflow)
	cancel()

	result := Result{
		TaskID:      task.ID,
		CompletedAt: w.now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		logger.Warn("task failed", "error", err, "duration", w.now().Sub(started))
	} else {
		result.Status = "completed"
		result.Output = output
		logger.Info("task completed", "images", len(output.Images), "duration", w.now().Sub(started))
	}

	// The result is still delivered when the window closes mid-task.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()
	if err := w.source.SubmitResult(submitCtx, result); err != nil {
		logger.Error("submit result failed", "error", err)
	}
}

func (w *Worker) wait(ctx context.Context) error {
	t := time.NewTimer(w.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
