package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is the background work the runner keeps alive while a window is open.
// Run must return once ctx is cancelled.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// TaskHandle identifies one run started by a Runner.
type TaskHandle struct {
	id        string
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	stopRequested bool
	err           error
}

// ID returns the identifier of the run.
func (h *TaskHandle) ID() string { return h.id }

// StartedAt returns the time the run was launched.
func (h *TaskHandle) StartedAt() time.Time { return h.startedAt }

// Err returns the job's error once the run has ended.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the job returns.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

func (h *TaskHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Runner owns at most one running job at a time. It only does lifecycle
// bookkeeping; the work itself belongs to the Job.
type Runner struct {
	job    Job
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active *TaskHandle
}

// NewRunner creates a runner for job.
func NewRunner(job Job, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		job:    job,
		logger: logger,
		now:    time.Now,
	}
}

// Start launches the job unless one is already active, in which case the
// existing handle is returned.
func (r *Runner) Start(ctx context.Context) *TaskHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && !r.active.finished() {
		return r.active
	}

	jobCtx, cancel := context.WithCancel(ctx)
	h := &TaskHandle{
		id:        NewID(),
		startedAt: r.now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.active = h

	go func() {
		defer close(h.done)
		defer cancel()
		err := r.runJob(jobCtx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	r.logger.Info("fog task started", "task_id", h.id)
	return h
}

func (r *Runner) runJob(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return r.job.Run(ctx)
}

// Stop asks the job behind h to exit. It does not wait; the terminal state
// shows up through Poll. Stopping a finished or nil handle is a no-op.
func (r *Runner) Stop(h *TaskHandle) {
	if h == nil || h.finished() {
		return
	}
	h.mu.Lock()
	already := h.stopRequested
	h.stopRequested = true
	h.mu.Unlock()
	if already {
		return
	}
	r.logger.Info("stopping fog task", "task_id", h.id)
	h.cancel()
}

// Poll reports the state of the run without blocking.
func (r *Runner) Poll(h *TaskHandle) Outcome {
	if h == nil {
		return OutcomeCompleted
	}
	if !h.finished() {
		return OutcomeRunning
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.err == nil:
		return OutcomeCompleted
	case h.stopRequested && errors.Is(h.err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// Active returns the handle of the running job, if any.
func (r *Runner) Active() *TaskHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.finished() {
		return nil
	}
	return r.active
}
