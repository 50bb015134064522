package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	cfg     *Config
	records []TaskRecord // oldest first
	saveErr error
}

func (m *memStore) LoadConfig(context.Context) (Config, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		return Config{}, false, nil
	}
	return m.cfg.Clone(), true, nil
}

func (m *memStore) SaveConfig(_ context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	c := cfg.Clone()
	m.cfg = &c
	return nil
}

func (m *memStore) InsertRecord(_ context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec.clone())
	return nil
}

func (m *memStore) FinishRecord(_ context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == rec.ID {
			m.records[i] = rec.clone()
			return nil
		}
	}
	return errors.New("not found")
}

func (m *memStore) ListRecords(_ context.Context, limit int) ([]TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i].clone())
	}
	return out, nil
}

func (m *memStore) PruneRecords(_ context.Context, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if over := len(m.records) - keep; over > 0 {
		m.records = m.records[over:]
	}
	return nil
}

func (m *memStore) ClearRecords(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []TaskRecord
	for _, rec := range m.records {
		if !rec.Outcome.Terminal() {
			kept = append(kept, rec)
		}
	}
	m.records = kept
	return nil
}

func (m *memStore) snapshot() []TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskRecord(nil), m.records...)
}

type fakeNotifier struct {
	sent chan string
}

func (f *fakeNotifier) Send(_ context.Context, title, body string) error {
	f.sent <- title + ": " + body
	return nil
}

type panicObserver struct {
	nopObserver
}

func (panicObserver) TickEvaluated(bool, State) { panic("observer exploded") }

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC)
}

func boolPtr(v bool) *bool { return &v }

// lastHandle returns the most recent handle even after its job has exited.
func lastHandle(r *Runner) *TaskHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func windowsPtr(ws ...TimeWindow) *[]TimeWindow { return &ws }

// gracefulJob returns nil once stopped, as a job that drains cleanly would.
func gracefulJob() Job {
	return JobFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
}

func newTestController(t *testing.T, job Job, store Store, opts ...func(*ControllerOptions)) (*Controller, *Runner) {
	t.Helper()
	runner := NewRunner(job, discardLogger())
	o := ControllerOptions{
		Store:    store,
		Location: time.UTC,
		Logger:   discardLogger(),
		Now:      func() time.Time { return at(12, 0) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	c := NewController(runner, NewHistory(10), o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c, runner
}

func enableWindow(t *testing.T, c *Controller, start, end string) {
	t.Helper()
	_, err := c.SetConfig(context.Background(), ConfigPatch{
		Enabled: boolPtr(true),
		Windows: windowsPtr(mustWindow(t, start, end)),
	})
	require.NoError(t, err)
}

func TestControllerFullCycle(t *testing.T) {
	store := &memStore{}
	c, runner := newTestController(t, gracefulJob(), store)
	enableWindow(t, c, "09:00", "17:00")

	require.NoError(t, c.Tick(at(8, 0)))
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, c.History(0))

	require.NoError(t, c.Tick(at(10, 0)))
	assert.Equal(t, StateRunning, c.State())
	h := runner.Active()
	require.NotNil(t, h)

	require.NoError(t, c.Tick(at(11, 0)))
	assert.Equal(t, StateRunning, c.State())
	assert.Same(t, h, runner.Active())

	require.NoError(t, c.Tick(at(17, 0)))
	assert.Equal(t, StateStopping, c.State())
	waitDone(t, h)

	require.NoError(t, c.Tick(at(17, 1)))
	assert.Equal(t, StateIdle, c.State())

	hist := c.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeCompleted, hist[0].Outcome)
	assert.Equal(t, at(10, 0), hist[0].StartedAt)
	require.NotNil(t, hist[0].EndedAt)
	assert.Equal(t, at(17, 1), *hist[0].EndedAt)

	persisted := store.snapshot()
	require.Len(t, persisted, 1)
	assert.Equal(t, OutcomeCompleted, persisted[0].Outcome)
}

func TestControllerDisableTakesEffectOnNextTick(t *testing.T) {
	c, runner := newTestController(t, gracefulJob(), &memStore{})
	enableWindow(t, c, "00:00", "23:59")

	require.NoError(t, c.Tick(at(12, 0)))
	require.Equal(t, StateRunning, c.State())
	h := runner.Active()

	_, err := c.SetConfig(context.Background(), ConfigPatch{Enabled: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, OutcomeRunning, runner.Poll(h))

	require.NoError(t, c.Tick(at(12, 0)))
	assert.Equal(t, StateStopping, c.State())
	waitDone(t, h)
}

func TestControllerFailedRunReturnsToIdleAndRestarts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	job := JobFunc(func(ctx context.Context) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return errors.New("task center unreachable")
		}
		<-ctx.Done()
		return nil
	})
	notifier := &fakeNotifier{sent: make(chan string, 1)}
	c, runner := newTestController(t, job, &memStore{}, func(o *ControllerOptions) {
		o.Notifier = notifier
	})
	enableWindow(t, c, "00:00", "23:59")

	require.NoError(t, c.Tick(at(12, 0)))
	waitDone(t, lastHandle(runner))

	require.NoError(t, c.Tick(at(12, 1)))
	assert.Equal(t, StateIdle, c.State())
	hist := c.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeFailed, hist[0].Outcome)
	assert.Equal(t, "task center unreachable", hist[0].Error)

	select {
	case msg := <-notifier.sent:
		assert.Contains(t, msg, "task center unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("no failure notification")
	}

	require.NoError(t, c.Tick(at(12, 2)))
	assert.Equal(t, StateRunning, c.State())
	assert.Len(t, c.History(0), 2)
}

func TestControllerStartIsNotDuplicated(t *testing.T) {
	c, runner := newTestController(t, gracefulJob(), &memStore{})
	enableWindow(t, c, "00:00", "23:59")

	require.NoError(t, c.Tick(at(12, 0)))
	h := runner.Active()
	assert.Same(t, h, runner.Start(context.Background()))

	require.NoError(t, c.Tick(at(12, 1)))
	require.NoError(t, c.Tick(at(12, 2)))
	assert.Len(t, c.History(0), 1)
}

func TestControllerSetConfigValidation(t *testing.T) {
	store := &memStore{}
	c, _ := newTestController(t, gracefulJob(), store)
	enableWindow(t, c, "09:00", "17:00")
	before := c.Config()

	_, err := ParseWindow("25:99", "06:00")
	require.ErrorIs(t, err, ErrValidation)

	_, err = c.SetConfig(context.Background(), ConfigPatch{
		Enabled: boolPtr(false),
		Windows: windowsPtr(TimeWindow{Start: 25*60 + 99, End: 6 * 60}),
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "validation", Kind(err))
	assert.Equal(t, before, c.Config())

	stored, ok, err := store.LoadConfig(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, stored)
}

func TestControllerSetConfigPartialUpdate(t *testing.T) {
	c, _ := newTestController(t, gracefulJob(), &memStore{})
	enableWindow(t, c, "22:00", "06:00")

	cfg, err := c.SetConfig(context.Background(), ConfigPatch{Enabled: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	require.Len(t, cfg.Windows, 1)
	assert.Equal(t, "22:00-06:00", cfg.Windows[0].String())

	cfg, err = c.SetConfig(context.Background(), ConfigPatch{Windows: windowsPtr()})
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Empty(t, cfg.Windows)
}

func TestControllerSetConfigUnavailable(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	c, _ := newTestController(t, gracefulJob(), store)

	_, err := c.SetConfig(context.Background(), ConfigPatch{Enabled: boolPtr(true)})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, c.Config().Enabled)

	bare, _ := newTestController(t, gracefulJob(), nil)
	_, err = bare.SetConfig(context.Background(), ConfigPatch{Enabled: boolPtr(true)})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "unavailable", Kind(err))
}

func TestControllerTickNotReentered(t *testing.T) {
	c, _ := newTestController(t, gracefulJob(), &memStore{})
	c.ticking.Store(true)
	require.ErrorIs(t, c.Tick(at(12, 0)), ErrTickInProgress)
	c.ticking.Store(false)
	require.NoError(t, c.Tick(at(12, 0)))
}

func TestControllerSurvivesBadTicks(t *testing.T) {
	c, _ := newTestController(t, gracefulJob(), &memStore{})

	c.cfgMu.Lock()
	c.cfg = Config{Enabled: true, Windows: []TimeWindow{{Start: -5, End: 60}}}
	c.cfgMu.Unlock()
	err := c.Tick(at(12, 0))
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, StateIdle, c.State())

	c.cfgMu.Lock()
	c.cfg = Config{Enabled: false}
	c.cfgMu.Unlock()
	require.NoError(t, c.Tick(at(12, 1)))
}

func TestControllerRecoversFromPanickingTick(t *testing.T) {
	c, _ := newTestController(t, gracefulJob(), &memStore{}, func(o *ControllerOptions) {
		o.Observer = panicObserver{}
	})

	err := c.Tick(at(12, 0))
	require.ErrorIs(t, err, ErrInternal)
	assert.Contains(t, err.Error(), "observer exploded")

	// The guard and the state lock must both be released.
	assert.False(t, c.ticking.Load())
	assert.Equal(t, StateIdle, c.State())
}

func TestControllerStatus(t *testing.T) {
	c, _ := newTestController(t, gracefulJob(), &memStore{})
	enableWindow(t, c, "09:00", "17:00")

	st := c.Status(20)
	assert.True(t, st.Enabled)
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.CurrentTask)
	require.Len(t, st.Schedule, 1)
	assert.Empty(t, st.History)

	require.NoError(t, c.Tick(at(10, 0)))
	st = c.Status(20)
	assert.Equal(t, StateRunning, st.State)
	require.NotNil(t, st.CurrentTask)
	assert.Equal(t, OutcomeRunning, st.CurrentTask.Outcome)
	require.Len(t, st.History, 1)
}

func TestControllerRestore(t *testing.T) {
	ended := at(9, 0)
	store := &memStore{
		cfg: &Config{Enabled: true, Windows: []TimeWindow{{Start: 60, End: 120}}},
		records: []TaskRecord{
			{ID: "old", StartedAt: at(8, 0), EndedAt: &ended, Outcome: OutcomeCompleted},
			{ID: "crashed", StartedAt: at(10, 0), Outcome: OutcomeRunning},
		},
	}
	c, _ := newTestController(t, gracefulJob(), store)
	require.NoError(t, c.Restore(context.Background()))

	cfg := c.Config()
	assert.True(t, cfg.Enabled)
	require.Len(t, cfg.Windows, 1)

	hist := c.History(0)
	require.Len(t, hist, 2)
	assert.Equal(t, "crashed", hist[0].ID)
	assert.Equal(t, OutcomeFailed, hist[0].Outcome)
	assert.Equal(t, "interrupted by restart", hist[0].Error)
	assert.Equal(t, "old", hist[1].ID)

	persisted := store.snapshot()
	assert.Equal(t, OutcomeFailed, persisted[1].Outcome)
}

func TestControllerStopCancelsActiveRun(t *testing.T) {
	c, _ := newTestController(t, blockingJob(), &memStore{})
	enableWindow(t, c, "00:00", "23:59")
	require.NoError(t, c.Tick(at(12, 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, StateIdle, c.State())
	hist := c.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeCancelled, hist[0].Outcome)
}

func TestControllerClearHistory(t *testing.T) {
	store := &memStore{}
	c, runner := newTestController(t, gracefulJob(), store)
	enableWindow(t, c, "00:00", "23:59")

	require.NoError(t, c.Tick(at(12, 0)))
	h := runner.Active()
	runner.Stop(h)
	waitDone(t, h)
	require.NoError(t, c.Tick(at(12, 1)))
	require.NoError(t, c.Tick(at(12, 2)))
	require.Len(t, c.History(0), 2)

	require.NoError(t, c.ClearHistory(context.Background()))
	hist := c.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeRunning, hist[0].Outcome)
	assert.Len(t, store.snapshot(), 1)
}

func TestControllerStartAndStopLoop(t *testing.T) {
	c, _ := newTestController(t, gracefulJob(), &memStore{}, func(o *ControllerOptions) {
		o.Interval = time.Second
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	require.Eventually(t, func() bool {
		return c.Status(1).NextTick != nil
	}, 2*time.Second, 20*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, c.Stop(stopCtx))
}

// hookStore runs afterClear once the records are gone from storage.
type hookStore struct {
	*memStore
	afterClear func()
}

func (s *hookStore) ClearRecords(ctx context.Context) error {
	if err := s.memStore.ClearRecords(ctx); err != nil {
		return err
	}
	if s.afterClear != nil {
		s.afterClear()
	}
	return nil
}

func TestControllerClearHistoryIsAtomicWithTick(t *testing.T) {
	mem := &memStore{}
	store := &hookStore{memStore: mem}
	c, runner := newTestController(t, gracefulJob(), store)
	enableWindow(t, c, "00:00", "23:59")

	require.NoError(t, c.Tick(at(12, 0)))
	h := runner.Active()
	runner.Stop(h)
	waitDone(t, h)

	// A tick that fires while the clear is in flight would close the
	// running record between the storage and memory steps.
	tickErr := make(chan error, 1)
	store.afterClear = func() {
		go func() { tickErr <- c.Tick(at(12, 1)) }()
		require.Eventually(t, c.ticking.Load, time.Second, time.Millisecond)
	}
	require.NoError(t, c.ClearHistory(context.Background()))
	require.NoError(t, <-tickErr)

	inMemory := c.History(0)
	persisted := mem.snapshot()
	require.Len(t, inMemory, 1)
	require.Len(t, persisted, 1)
	assert.Equal(t, inMemory[0].ID, persisted[0].ID)
	assert.Equal(t, OutcomeCompleted, inMemory[0].Outcome)
	assert.Equal(t, OutcomeCompleted, persisted[0].Outcome)

	restarted, _ := newTestController(t, gracefulJob(), mem)
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Equal(t, inMemory, restarted.History(0))
}

func TestControllerNotifiesOnlyNewFailures(t *testing.T) {
	var mu sync.Mutex
	errs := []string{"no task center", "no task center", "comfy down", "", "comfy down"}
	job := JobFunc(func(ctx context.Context) error {
		mu.Lock()
		msg := errs[0]
		errs = errs[1:]
		mu.Unlock()
		if msg == "" {
			return nil
		}
		return errors.New(msg)
	})
	notifier := &fakeNotifier{sent: make(chan string, 10)}
	c, runner := newTestController(t, job, &memStore{}, func(o *ControllerOptions) {
		o.Notifier = notifier
	})
	enableWindow(t, c, "00:00", "23:59")

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Tick(at(12, 2*i)))
		waitDone(t, lastHandle(runner))
		require.NoError(t, c.Tick(at(12, 2*i+1)))
		require.Equal(t, StateIdle, c.State())
	}

	var got []string
	for len(got) < 3 {
		select {
		case msg := <-notifier.sent:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 3 notifications, got %v", got)
		}
	}
	select {
	case msg := <-notifier.sent:
		t.Fatalf("unexpected notification %q", msg)
	case <-time.After(100 * time.Millisecond):
	}

	joined := strings.Join(got, "\n")
	assert.Equal(t, 1, strings.Count(joined, "no task center"))
	assert.Equal(t, 2, strings.Count(joined, "comfy down"))
}

type stateRecorder struct {
	nopObserver
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) TickEvaluated(_ bool, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func TestControllerReportsStateAfterTransition(t *testing.T) {
	rec := &stateRecorder{}
	c, runner := newTestController(t, gracefulJob(), &memStore{}, func(o *ControllerOptions) {
		o.Observer = rec
	})
	enableWindow(t, c, "09:00", "10:00")

	require.NoError(t, c.Tick(at(9, 0)))
	require.NoError(t, c.Tick(at(11, 0)))
	waitDone(t, lastHandle(runner))
	require.NoError(t, c.Tick(at(11, 1)))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateStopping, StateIdle}, rec.states)
}

type fakeProvider struct{ connected bool }

func (p fakeProvider) Connected(ctx context.Context) bool {
	_, hasDeadline := ctx.Deadline()
	return p.connected && hasDeadline
}

func TestControllerStatusConnected(t *testing.T) {
	c, _ := newTestController(t, gracefulJob(), &memStore{})
	assert.Nil(t, c.Status(1).Connected)

	for _, want := range []bool{true, false} {
		c, _ := newTestController(t, gracefulJob(), &memStore{}, func(o *ControllerOptions) {
			o.StatusProvider = fakeProvider{connected: want}
		})
		st := c.Status(1)
		require.NotNil(t, st.Connected)
		assert.Equal(t, want, *st.Connected)
	}
}
