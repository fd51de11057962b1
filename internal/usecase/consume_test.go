package usecase

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"testing"
	"time"

	"fileq/internal/config"
	"fileq/internal/domain"
	"fileq/internal/events"
	"fileq/internal/queue"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBackend struct {
	mu         sync.Mutex
	checks     int
	reconnects int
	// fail decides whether the n-th check (1-based) fails.
	fail func(n int) bool
}

func (b *fakeBackend) Check(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checks++
	if b.fail != nil && b.fail(b.checks) {
		return errors.New("connection refused")
	}
	return nil
}

func (b *fakeBackend) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects++
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.TaskEvent
}

func (r *recorder) handle(ctx context.Context, ev events.TaskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		ids = append(ids, ev.ID)
	}
	return ids
}

func newManager(t *testing.T, dir string, workers int, clock *fakeClock) *queue.Manager {
	t.Helper()
	var opts []queue.Option
	if clock != nil {
		opts = append(opts, queue.WithClock(clock.Now))
	}
	m, err := queue.New(config.Queue{Path: dir, Workers: workers}, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newConsumer(m *queue.Manager, bus *events.Bus) Consumer {
	return Consumer{
		Q:            m,
		Bus:          bus,
		Lifetime:     time.Hour,
		TaskTimeout:  time.Minute,
		IdleInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
}

func TestRunDispatchesTaskOnce(t *testing.T) {
	m := newManager(t, t.TempDir(), 3, nil)
	_, err := m.AddTask(domain.Task{Type: "rebuild", ID: "proj-7", Data: map[string]any{"reason": "manual"}})
	require.NoError(t, err)

	counts, err := m.TaskCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Current)

	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.HandleTask("rebuild", rec.handle)

	var lifecycle []events.WorkerEventName
	for _, name := range []events.WorkerEventName{events.WorkerStartup, events.WorkerLoop, events.WorkerShutdown} {
		bus.HandleWorker(name, func(ctx context.Context, ev events.WorkerEvent) {
			lifecycle = append(lifecycle, ev.Name)
		})
	}

	stats, err := newConsumer(m, bus).Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Equal(t, StopRetired, stats.Reason)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 1, stats.Slot)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, "proj-7", ev.ID)
	assert.Equal(t, "rebuild", ev.Type)
	assert.Equal(t, map[string]any{"reason": "manual"}, ev.Data)

	assert.Equal(t, []events.WorkerEventName{
		events.WorkerStartup, events.WorkerLoop, events.WorkerLoop, events.WorkerShutdown,
	}, lifecycle)

	counts, err = m.TaskCounts()
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Current)
	assert.Equal(t, 0, m.WorkerCount(), "slot is released on stop")
}

func TestConcurrentWorkersDispatchEachTaskOnce(t *testing.T) {
	dir := t.TempDir()
	producer := newManager(t, dir, 3, nil)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		_, err := producer.AddTask(domain.Task{Type: "ping", ID: id})
		require.NoError(t, err)
	}

	rec := &recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		m := newManager(t, dir, 3, nil)
		bus := events.NewBus(zerolog.Nop())
		bus.HandleTask("ping", rec.handle)
		c := newConsumer(m, bus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Run(context.Background(), RunOptions{Retire: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "5"}, rec.ids())
}

func TestFutureTaskWaitsForItsTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := newManager(t, t.TempDir(), 1, clock)
	_, err := m.AddTask(domain.Task{Type: "later", ID: "x", ScheduledTime: clock.Now().Add(60 * time.Second)})
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.HandleTask("later", rec.handle)
	c := newConsumer(m, bus)
	c.Clock = clock.Now

	stats, err := c.Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Zero(t, stats.Dispatched)

	clock.Advance(61 * time.Second)
	stats, err = c.Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, []string{"x"}, rec.ids())
}

func TestRunWithoutFreeSlot(t *testing.T) {
	dir := t.TempDir()
	holder := newManager(t, dir, 1, nil)
	_, ok := holder.GetWorkerSlot()
	require.True(t, ok)

	m := newManager(t, dir, 1, nil)
	_, err := m.AddTask(domain.Task{Type: "ping", ID: "1"})
	require.NoError(t, err)

	stats, err := newConsumer(m, events.NewBus(zerolog.Nop())).Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Equal(t, StopNoSlot, stats.Reason)
	assert.Zero(t, stats.Dispatched)

	counts, err := m.TaskCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Current)
}

func TestPreflightFailureAtStartup(t *testing.T) {
	m := newManager(t, t.TempDir(), 1, nil)
	_, err := m.AddTask(domain.Task{Type: "ping", ID: "1"})
	require.NoError(t, err)

	backend := &fakeBackend{fail: func(int) bool { return true }}
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.HandleTask("ping", rec.handle)
	started := false
	bus.HandleWorker(events.WorkerStartup, func(ctx context.Context, ev events.WorkerEvent) { started = true })

	c := newConsumer(m, bus)
	c.Preflight = Preflight{Backend: backend, Logger: zerolog.Nop()}

	stats, err := c.Run(context.Background(), RunOptions{Retire: true})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, StopPreflightFailed, stats.Reason)
	assert.Empty(t, rec.ids())
	assert.False(t, started)
	assert.Equal(t, 2, backend.checks, "one retry after reconnecting")
	assert.Equal(t, 1, backend.reconnects)
	assert.Equal(t, 0, m.WorkerCount())

	counts, err := m.TaskCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Current)
}

func TestPreflightFailureRequeuesGrabbedTask(t *testing.T) {
	m := newManager(t, t.TempDir(), 1, nil)
	scheduled := time.Now().Add(-time.Minute)
	_, err := m.AddTask(domain.Task{Type: "change", ID: "42", Data: map[string]any{"user": "bob"}, ScheduledTime: scheduled})
	require.NoError(t, err)

	// startup check passes, every later check fails
	backend := &fakeBackend{fail: func(n int) bool { return n > 1 }}
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.HandleTask("change", rec.handle)

	c := newConsumer(m, bus)
	c.Preflight = Preflight{Backend: backend, Logger: zerolog.Nop()}

	stats, err := c.Run(context.Background(), RunOptions{Retire: true})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, StopPreflightFailed, stats.Reason)
	assert.Empty(t, rec.ids(), "task must not reach a handler")

	tasks, err := m.Tasks(domain.FilterAll)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "change", tasks[0].Type)
	assert.Equal(t, "42", tasks[0].ID)
	assert.Equal(t, map[string]any{"user": "bob"}, tasks[0].Data)
}

func TestTaskWithoutIDIsNeverGrabbed(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1, nil)
	const blank = "000000000000001.0000.0"
	require.NoError(t, os.WriteFile(filepath.Join(dir, blank), []byte("rebuild,\n"), 0o664))
	_, err := m.AddTask(domain.Task{Type: "rebuild", ID: "42", ScheduledTime: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	backend := &fakeBackend{fail: func(n int) bool { return n > 1 }}
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.HandleTask("rebuild", rec.handle)

	c := newConsumer(m, bus)
	c.Preflight = Preflight{Backend: backend, Logger: zerolog.Nop()}

	_, err = c.Run(context.Background(), RunOptions{Retire: true})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, domain.ErrInvalidTask)
	assert.Empty(t, rec.ids())

	assert.FileExists(t, filepath.Join(dir, "corrupt", blank))
	tasks, err := m.Tasks(domain.FilterAll)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "42", tasks[0].ID)
}

func TestStartupLogListsTaskTypes(t *testing.T) {
	m := newManager(t, t.TempDir(), 1, nil)
	bus := events.NewBus(zerolog.Nop())
	bus.HandleTask("rebuild", func(ctx context.Context, ev events.TaskEvent) error { return nil })

	var out bytes.Buffer
	c := newConsumer(m, bus)
	c.Logger = zerolog.New(&out)

	_, err := c.Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"task_types":["rebuild"]`)
}

func TestPreflightRecoversAfterReconnect(t *testing.T) {
	m := newManager(t, t.TempDir(), 1, nil)
	_, err := m.AddTask(domain.Task{Type: "ping", ID: "1"})
	require.NoError(t, err)

	backend := &fakeBackend{fail: func(n int) bool { return n == 2 }}
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.HandleTask("ping", rec.handle)

	c := newConsumer(m, bus)
	c.Preflight = Preflight{Backend: backend, Logger: zerolog.Nop()}

	stats, err := c.Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 1, backend.reconnects)
}

func TestConfigChangeStopsWorker(t *testing.T) {
	m := newManager(t, t.TempDir(), 1, nil)
	_, err := m.AddTask(domain.Task{Type: "ping", ID: "1"})
	require.NoError(t, err)

	calls := 0
	bus := events.NewBus(zerolog.Nop())
	rec := &recorder{}
	bus.HandleTask("ping", rec.handle)

	c := newConsumer(m, bus)
	c.Preflight = Preflight{
		Fingerprint: func() (string, error) {
			calls++
			if calls == 1 {
				return "v1", nil
			}
			return "v2", nil
		},
		Logger: zerolog.Nop(),
	}

	stats, err := c.Run(context.Background(), RunOptions{Retire: true})
	assert.ErrorIs(t, err, domain.ErrConfigChanged)
	assert.Equal(t, StopPreflightFailed, stats.Reason)
	assert.Empty(t, rec.ids())

	counts, err := m.TaskCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Current)
}

func TestRevokedSlotStopsBeforeNextTask(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, 1, nil)
	admin := newManager(t, dir, 1, nil)
	for _, id := range []string{"1", "2"} {
		_, err := m.AddTask(domain.Task{Type: "ping", ID: id})
		require.NoError(t, err)
	}

	rec := &recorder{}
	bus := events.NewBus(zerolog.Nop())
	bus.HandleTask("ping", func(ctx context.Context, ev events.TaskEvent) error {
		admin.RestartWorkers()
		return rec.handle(ctx, ev)
	})

	stats, err := newConsumer(m, bus).Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Equal(t, StopSlotRevoked, stats.Reason)
	assert.Equal(t, []string{"1"}, rec.ids())

	counts, err := m.TaskCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Current)
}

func TestLifetimeStopsWorker(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := newManager(t, t.TempDir(), 1, clock)
	for _, id := range []string{"1", "2"} {
		_, err := m.AddTask(domain.Task{Type: "slow", ID: id})
		require.NoError(t, err)
	}

	rec := &recorder{}
	bus := events.NewBus(zerolog.Nop())
	bus.HandleTask("slow", func(ctx context.Context, ev events.TaskEvent) error {
		clock.Advance(11 * time.Minute)
		return rec.handle(ctx, ev)
	})

	c := newConsumer(m, bus)
	c.Clock = clock.Now
	c.Lifetime = 10 * time.Minute

	stats, err := c.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StopLifetime, stats.Reason)
	assert.Equal(t, []string{"1"}, rec.ids())
}

func TestIdleWorkerStopsOnCancel(t *testing.T) {
	m := newManager(t, t.TempDir(), 1, nil)
	rec := &recorder{}
	bus := events.NewBus(zerolog.Nop())
	bus.HandleTask("ping", rec.handle)

	loops := make(chan struct{}, 100)
	bus.HandleWorker(events.WorkerLoop, func(ctx context.Context, ev events.WorkerEvent) {
		select {
		case loops <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RunStats, 1)
	go func() {
		stats, err := newConsumer(m, bus).Run(ctx, RunOptions{})
		assert.NoError(t, err)
		done <- stats
	}()

	// the idle worker picks up a task added while it polls
	<-loops
	_, err := m.AddTask(domain.Task{Type: "ping", ID: "late"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case stats := <-done:
		assert.Equal(t, StopCancelled, stats.Reason)
		assert.Equal(t, 1, stats.Dispatched)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestHandlerGetsTaskDeadline(t *testing.T) {
	m := newManager(t, t.TempDir(), 1, nil)
	_, err := m.AddTask(domain.Task{Type: "ping", ID: "1"})
	require.NoError(t, err)

	var deadline time.Time
	bus := events.NewBus(zerolog.Nop())
	bus.HandleTask("ping", func(ctx context.Context, ev events.TaskEvent) error {
		deadline, _ = ctx.Deadline()
		return errors.New("handler failure does not stop the worker")
	})

	c := newConsumer(m, bus)
	c.TaskTimeout = 30 * time.Minute
	before := time.Now()
	stats, err := c.Run(context.Background(), RunOptions{Retire: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	assert.WithinDuration(t, before.Add(30*time.Minute), deadline, time.Minute)
}

func TestApplyMemoryLimit(t *testing.T) {
	orig := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(orig) })

	debug.SetMemoryLimit(math.MaxInt64)
	applyMemoryLimit(1<<30, zerolog.Nop())
	assert.Equal(t, int64(math.MaxInt64), debug.SetMemoryLimit(-1), "unlimited stays unlimited")

	debug.SetMemoryLimit(1 << 40)
	applyMemoryLimit(1<<30, zerolog.Nop())
	assert.Equal(t, int64(1<<40), debug.SetMemoryLimit(-1), "a larger limit is kept")

	debug.SetMemoryLimit(1 << 29)
	applyMemoryLimit(1<<30, zerolog.Nop())
	assert.Equal(t, int64(1<<30), debug.SetMemoryLimit(-1))

	applyMemoryLimit(-1, zerolog.Nop())
	assert.Equal(t, int64(1<<30), debug.SetMemoryLimit(-1))
}
