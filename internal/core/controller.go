package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTickInterval matches the cadence polling clients expect.
const DefaultTickInterval = 5 * time.Second

const connectedTimeout = 3 * time.Second

// ErrTickInProgress is returned by Tick when a previous tick has not finished.
var ErrTickInProgress = errors.New("tick already in progress")

// Store abstracts the persistence layer used by the controller.
type Store interface {
	LoadConfig(ctx context.Context) (Config, bool, error)
	SaveConfig(ctx context.Context, cfg Config) error

	InsertRecord(ctx context.Context, rec TaskRecord) error
	FinishRecord(ctx context.Context, rec TaskRecord) error
	// ListRecords returns up to limit records, newest first.
	ListRecords(ctx context.Context, limit int) ([]TaskRecord, error)
	PruneRecords(ctx context.Context, keep int) error
	ClearRecords(ctx context.Context) error
}

// Notifier delivers operator alerts for failed runs.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// StatusProvider reports the reachability of the remote side of the job.
// Connected is called on every Status request and must honour ctx.
type StatusProvider interface {
	Connected(ctx context.Context) bool
}

// Observer receives controller events, typically for metrics.
type Observer interface {
	TickEvaluated(want bool, state State)
	TickSkipped()
	TickFailed()
	RunStarted()
	RunFinished(outcome Outcome, duration time.Duration)
	ConfigChanged(cfg Config)
}

// ControllerOptions configures a Controller. Zero values pick defaults.
type ControllerOptions struct {
	Interval time.Duration
	Location *time.Location
	Store    Store
	Notifier Notifier
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
	// StatusProvider fills Status.Connected when set.
	StatusProvider StatusProvider
}

// Controller starts and stops the fog task according to the configured
// windows. It re-evaluates once per tick; a config change therefore takes
// effect at the next tick, so the worst-case reaction latency is one tick
// interval.
type Controller struct {
	runner   *Runner
	history  *History
	store    Store
	notifier Notifier
	observer Observer
	provider StatusProvider
	logger   *slog.Logger
	location *time.Location
	interval time.Duration
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	stateMu  sync.Mutex
	state    State
	handle   *TaskHandle
	recordID string
	// lastFailure is the error of the previous run while runs keep failing.
	lastFailure *string

	ticking atomic.Bool

	cron    *cron.Cron
	entryID cron.EntryID
	started atomic.Bool

	ctx context.Context
}

// NewController wires a controller around runner and history. The initial
// config is disabled with no windows until Restore or SetConfig says otherwise.
func NewController(runner *Runner, history *History, opts ControllerOptions) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if history == nil {
		history = NewHistory(DefaultHistorySize)
	}
	cl := cronLogger{logger: opts.Logger}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Controller{
		runner:   runner,
		history:  history,
		store:    opts.Store,
		notifier: opts.Notifier,
		observer: opts.Observer,
		provider: opts.StatusProvider,
		logger:   opts.Logger,
		location: opts.Location,
		interval: opts.Interval,
		now:      opts.Now,
		cfg:      Config{Windows: []TimeWindow{}},
		state:    StateIdle,
		cron:     c,
	}
}

// Restore loads the persisted config and history. Records left running by a
// previous process are closed as failed.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	cfg, ok, err := c.store.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if ok {
		if err := cfg.Validate(); err != nil {
			c.logger.Warn("stored config is invalid, keeping defaults", "err", err)
		} else {
			if cfg.Windows == nil {
				cfg.Windows = []TimeWindow{}
			}
			c.cfgMu.Lock()
			c.cfg = cfg
			c.cfgMu.Unlock()
			c.observer.ConfigChanged(cfg)
		}
	}

	records, err := c.store.ListRecords(ctx, c.history.Limit())
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	now := c.now().UTC()
	ordered := make([]TaskRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !rec.Outcome.Terminal() {
			ended := now
			rec.EndedAt = &ended
			rec.Outcome = OutcomeFailed
			rec.Error = "interrupted by restart"
			if err := c.store.FinishRecord(ctx, rec); err != nil {
				c.logger.Warn("close interrupted record", "task_id", rec.ID, "err", err)
			}
		}
		ordered = append(ordered, rec)
	}
	c.history.Load(ordered)
	c.logger.Info("controller state restored", "enabled", cfg.Enabled, "windows", len(cfg.Windows), "history", len(ordered))
	return nil
}

// Start begins the tick loop. ctx bounds the jobs the runner launches.
func (c *Controller) Start(ctx context.Context) {
	c.ctx = ctx
	job := cron.FuncJob(func() {
		if err := c.Tick(c.now()); err != nil && !errors.Is(err, ErrTickInProgress) {
			c.logger.Error("tick failed", "err", err)
		}
	})
	c.entryID = c.cron.Schedule(cron.Every(c.interval), job)
	c.cron.Start()
	c.started.Store(true)
	c.logger.Info("controller started", "interval", c.interval)
}

// Stop halts the tick loop and the active task. It waits for the task to
// exit until ctx is done and records the run as finished.
func (c *Controller) Stop(ctx context.Context) error {
	if c.started.CompareAndSwap(true, false) {
		select {
		case <-c.cron.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.stateMu.Lock()
	h := c.handle
	c.stateMu.Unlock()
	if h == nil {
		return nil
	}
	c.runner.Stop(h)
	select {
	case <-h.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.handle == h {
		c.finishRunLocked(c.now(), c.runner.Poll(h))
	}
	return nil
}

// Tick runs one evaluation cycle at now. Overlapping calls are rejected with
// ErrTickInProgress; faults are returned and leave the controller usable.
func (c *Controller) Tick(now time.Time) (err error) {
	if !c.ticking.CompareAndSwap(false, true) {
		c.observer.TickSkipped()
		c.logger.Warn("tick skipped, previous tick still running")
		return ErrTickInProgress
	}
	defer c.ticking.Store(false)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: tick panicked: %v", ErrInternal, p)
		}
		if err != nil {
			c.observer.TickFailed()
		}
	}()

	cfg := c.Config()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: corrupt schedule: %v", ErrInternal, err)
	}
	want := ShouldRun(TimeOfDayOf(now, c.location), cfg)

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	defer func() { c.observer.TickEvaluated(want, c.state) }()

	switch c.state {
	case StateIdle:
		if want {
			c.startRunLocked(now)
		}
	case StateRunning:
		if outcome := c.runner.Poll(c.handle); outcome.Terminal() {
			c.finishRunLocked(now, outcome)
			return nil
		}
		if !want {
			c.runner.Stop(c.handle)
			c.state = StateStopping
			c.logger.Info("outside schedule, stopping fog task", "task_id", c.recordID)
		}
	case StateStopping:
		if outcome := c.runner.Poll(c.handle); outcome.Terminal() {
			c.finishRunLocked(now, outcome)
		}
	}
	return nil
}

func (c *Controller) startRunLocked(now time.Time) {
	h := c.runner.Start(c.ctxOrBackground())
	rec := TaskRecord{
		ID:        h.ID(),
		StartedAt: now.UTC(),
		Outcome:   OutcomeRunning,
	}
	c.history.Append(rec)
	c.handle = h
	c.recordID = rec.ID
	c.state = StateRunning
	c.observer.RunStarted()

	if c.store != nil {
		ctx := c.ctxOrBackground()
		if err := c.store.InsertRecord(ctx, rec); err != nil {
			c.logger.Warn("persist task record", "task_id", rec.ID, "err", err)
		}
		if err := c.store.PruneRecords(ctx, c.history.Limit()); err != nil {
			c.logger.Warn("prune task records", "err", err)
		}
	}
}

func (c *Controller) finishRunLocked(now time.Time, outcome Outcome) {
	var errMsg string
	if outcome == OutcomeFailed {
		if err := c.handle.Err(); err != nil {
			errMsg = err.Error()
		}
	}
	rec, err := c.history.Finish(c.recordID, outcome, now.UTC(), errMsg)
	if err != nil {
		c.logger.Warn("close task record", "task_id", c.recordID, "err", err)
	} else {
		c.observer.RunFinished(outcome, rec.EndedAt.Sub(rec.StartedAt))
		if c.store != nil {
			if err := c.store.FinishRecord(c.ctxOrBackground(), rec); err != nil {
				c.logger.Warn("persist task record", "task_id", rec.ID, "err", err)
			}
		}
	}

	if outcome == OutcomeFailed {
		c.logger.Error("fog task failed", "task_id", c.recordID, "err", errMsg)
		// Repeats of the same failure are logged but not pushed again.
		if c.lastFailure == nil || *c.lastFailure != errMsg {
			c.notifyFailure(c.recordID, errMsg)
		}
		c.lastFailure = &errMsg
	} else {
		c.logger.Info("fog task ended", "task_id", c.recordID, "outcome", outcome)
		c.lastFailure = nil
	}
	c.handle = nil
	c.recordID = ""
	c.state = StateIdle
}

func (c *Controller) notifyFailure(id, errMsg string) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctxOrBackground(), 10*time.Second)
		defer cancel()
		body := fmt.Sprintf("run %s failed: %s", id, errMsg)
		if err := c.notifier.Send(ctx, "fog task failed", body); err != nil {
			c.logger.Warn("send failure notification", "task_id", id, "err", err)
		}
	}()
}

// Config returns a copy of the current configuration.
func (c *Controller) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg.Clone()
}

// SetConfig merges patch into the stored config, persists it and returns the
// result. Validation and persistence are all-or-nothing: on error the
// previous config stays in place. The new config is picked up by the next
// tick; no evaluation is forced here.
func (c *Controller) SetConfig(ctx context.Context, patch ConfigPatch) (Config, error) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	next := c.cfg.Clone()
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.Windows != nil {
		next.Windows = append([]TimeWindow{}, (*patch.Windows)...)
	}
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	if c.store == nil {
		return Config{}, fmt.Errorf("%w: no config store", ErrUnavailable)
	}
	if err := c.store.SaveConfig(ctx, next); err != nil {
		return Config{}, fmt.Errorf("%w: persist config: %v", ErrUnavailable, err)
	}
	c.cfg = next
	c.observer.ConfigChanged(next)
	c.logger.Info("config updated", "enabled", next.Enabled, "windows", len(next.Windows))
	for _, w := range next.Warnings() {
		c.logger.Warn("config warning", "warning", w)
	}
	return next.Clone(), nil
}

// Status assembles the merged view for polling clients. historyLimit bounds
// the history snapshot.
func (c *Controller) Status(historyLimit int) Status {
	cfg := c.Config()

	c.stateMu.Lock()
	state := c.state
	recordID := c.recordID
	c.stateMu.Unlock()

	st := Status{
		Enabled:  cfg.Enabled,
		State:    state,
		Schedule: cfg.Windows,
		History:  c.history.Snapshot(historyLimit),
	}
	if st.Schedule == nil {
		st.Schedule = []TimeWindow{}
	}
	if recordID != "" {
		if rec, ok := c.history.Get(recordID); ok {
			st.CurrentTask = &rec
		}
	} else if rec, ok := c.history.Latest(); ok {
		st.CurrentTask = &rec
	}
	if c.provider != nil {
		ctx, cancel := context.WithTimeout(c.ctxOrBackground(), connectedTimeout)
		connected := c.provider.Connected(ctx)
		cancel()
		st.Connected = &connected
	}
	if c.started.Load() {
		if next := c.cron.Entry(c.entryID).Next; !next.IsZero() {
			st.NextTick = &next
		}
	}
	return st
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// History returns up to limit records, newest first.
func (c *Controller) History(limit int) []TaskRecord {
	return c.history.Snapshot(limit)
}

// HistoryWithOutcome returns up to limit records with the given outcome,
// newest first.
func (c *Controller) HistoryWithOutcome(limit int, outcome Outcome) []TaskRecord {
	return c.history.SnapshotOutcome(limit, outcome)
}

// HistoryLimit returns the bound on retained records.
func (c *Controller) HistoryLimit() int {
	return c.history.Limit()
}

// ClearHistory drops finished records from memory and storage. It holds the
// state lock so a tick cannot close the running record between the two.
func (c *Controller) ClearHistory(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.store != nil {
		if err := c.store.ClearRecords(ctx); err != nil {
			return fmt.Errorf("%w: clear history: %v", ErrUnavailable, err)
		}
	}
	c.history.Clear()
	c.logger.Info("history cleared")
	return nil
}

// Interval returns the tick interval.
func (c *Controller) Interval() time.Duration {
	return c.interval
}

func (c *Controller) ctxOrBackground() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

type nopObserver struct{}

func (nopObserver) TickEvaluated(bool, State)          {}
func (nopObserver) TickSkipped()                       {}
func (nopObserver) TickFailed()                        {}
func (nopObserver) RunStarted()                        {}
func (nopObserver) RunFinished(Outcome, time.Duration) {}
func (nopObserver) ConfigChanged(Config)               {}
