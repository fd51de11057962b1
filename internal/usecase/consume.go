package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"fileq/internal/domain"
	"fileq/internal/events"
	"fileq/internal/ports"

	"github.com/rs/zerolog"
)

type State string

const (
	StateStarting    State = "starting"
	StatePreflight   State = "preflight"
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

type StopReason string

const (
	StopNoSlot          StopReason = "no-slot"
	StopLifetime        StopReason = "lifetime"
	StopRetired         StopReason = "retired"
	StopSlotRevoked     StopReason = "slot-revoked"
	StopPreflightFailed StopReason = "preflight-failed"
	StopCancelled       StopReason = "cancelled"
	StopFatal           StopReason = "fatal"
)

type RunOptions struct {
	// Retire stops the worker as soon as the queue has no eligible task.
	Retire bool
	Debug  bool
}

type RunStats struct {
	Slot       int
	Dispatched int
	Reason     StopReason
	Started    time.Time
	Stopped    time.Time
}

// Consumer runs one worker: it holds a slot, grabs tasks one at a time and raises a
// task event for each of them until it retires.
type Consumer struct {
	Q            ports.Queue
	Bus          *events.Bus
	Preflight    Preflight
	Lifetime     time.Duration
	TaskTimeout  time.Duration
	IdleInterval time.Duration
	// MemoryLimit in bytes; values <= 0 leave the runtime limit alone.
	MemoryLimit int64
	Logger      zerolog.Logger
	Clock       ports.Clock
}

type run struct {
	c      Consumer
	opts   RunOptions
	logger zerolog.Logger
	state  State
	stats  RunStats
}

func (r *run) enter(s State) {
	r.logger.Debug().Str("from", string(r.state)).Str("to", string(s)).Msg("worker state")
	r.state = s
}

func (c Consumer) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Run executes a single worker run. A nil error with StopNoSlot means another worker
// already covers every slot. Errors are fatal conditions: preflight failures, a task
// file that cannot be removed, or a task that could not be put back.
func (c Consumer) Run(ctx context.Context, opts RunOptions) (RunStats, error) {
	r := &run{c: c, opts: opts, logger: c.Logger, state: StateStarting}
	r.stats.Started = c.now()

	slot, ok := c.Q.GetWorkerSlot()
	if !ok {
		r.logger.Debug().Msg("no free worker slot")
		r.stats.Reason = StopNoSlot
		r.stats.Stopped = c.now()
		return r.stats, nil
	}
	r.stats.Slot = slot
	r.logger = r.logger.With().Int("slot", slot).Logger()
	defer func() {
		c.Q.ReleaseWorkerSlot(slot, false)
		r.enter(StateStopped)
		r.stats.Stopped = c.now()
		r.logger.Info().
			Str("reason", string(r.stats.Reason)).
			Int("dispatched", r.stats.Dispatched).
			Msg("worker stopped")
	}()

	applyMemoryLimit(c.MemoryLimit, r.logger)

	r.enter(StatePreflight)
	fingerprint, err := c.Preflight.Start(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("worker preflight failed")
		r.stats.Reason = StopPreflightFailed
		return r.stats, err
	}

	ev := events.WorkerEvent{
		Slot:      slot,
		StartTime: r.stats.Started,
		Retire:    opts.Retire,
		Debug:     opts.Debug,
	}
	r.emit(ctx, ev, events.WorkerStartup)
	defer r.emit(context.WithoutCancel(ctx), ev, events.WorkerShutdown)
	started := r.logger.Info().Bool("retire", opts.Retire)
	if c.Bus != nil {
		started = started.Strs("task_types", c.Bus.TaskTypes())
	}
	started.Msg("worker started")

	for {
		if reason, stop := r.shouldStop(ctx); stop {
			r.enter(StateStopping)
			r.stats.Reason = reason
			return r.stats, nil
		}

		r.emit(ctx, ev, events.WorkerLoop)

		task, err := c.Q.GrabTask()
		if err != nil {
			r.enter(StateStopping)
			r.logger.Error().Err(err).Msg("unable to consume task")
			r.stats.Reason = StopFatal
			return r.stats, err
		}

		if task == nil {
			r.enter(StateIdle)
			if opts.Retire {
				r.enter(StateStopping)
				r.stats.Reason = StopRetired
				return r.stats, nil
			}
			select {
			case <-ctx.Done():
			case <-time.After(c.IdleInterval):
			}
			continue
		}

		r.enter(StatePreflight)
		if err := c.Preflight.Check(ctx, fingerprint); err != nil {
			r.enter(StateStopping)
			r.stats.Reason = StopPreflightFailed
			r.logger.Error().Err(err).Str("type", task.Type).Str("id", task.ID).Msg("preflight failed, putting task back")
			if rerr := r.requeue(task); rerr != nil {
				return r.stats, errors.Join(err, rerr)
			}
			return r.stats, err
		}

		r.enter(StateDispatching)
		r.dispatch(ctx, slot, task)
		r.stats.Dispatched++
	}
}

func (r *run) shouldStop(ctx context.Context) (StopReason, bool) {
	if ctx.Err() != nil {
		return StopCancelled, true
	}
	if r.c.Lifetime > 0 && r.c.now().Sub(r.stats.Started) >= r.c.Lifetime {
		return StopLifetime, true
	}
	if !r.c.Q.HasWorkerSlot(r.stats.Slot) {
		r.logger.Warn().Msg("worker slot was revoked")
		return StopSlotRevoked, true
	}
	return "", false
}

func (r *run) emit(ctx context.Context, ev events.WorkerEvent, name events.WorkerEventName) {
	if r.c.Bus == nil {
		return
	}
	ev.Name = name
	r.c.Bus.EmitWorker(r.logger.WithContext(ctx), ev)
}

func (r *run) dispatch(ctx context.Context, slot int, task *domain.Task) {
	if r.c.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.c.TaskTimeout)
		defer cancel()
	}
	logger := r.logger.With().
		Str("event", events.TaskEventName(task.Type)).
		Str("id", task.ID).
		Logger()
	ctx = logger.WithContext(ctx)

	start := time.Now()
	handled := 0
	if r.c.Bus != nil {
		handled = r.c.Bus.DispatchTask(ctx, events.TaskEvent{
			ID:            task.ID,
			Type:          task.Type,
			ScheduledTime: task.ScheduledTime,
			Data:          task.Data,
			Slot:          slot,
		})
	}
	logger.Debug().
		Int("handlers", handled).
		Dur("elapsed", time.Since(start)).
		Msg("task dispatched")
}

// requeue puts a grabbed task back into the store untouched.
func (r *run) requeue(task *domain.Task) error {
	t := domain.Task{
		Type:          task.Type,
		ID:            task.ID,
		Data:          task.Data,
		ScheduledTime: task.ScheduledTime,
		Hash:          task.Hash,
	}
	if _, err := r.c.Q.AddTask(t); err != nil {
		r.logger.Error().
			Err(err).
			Str("type", task.Type).
			Str("id", task.ID).
			Interface("data", task.Data).
			Msg("unable to put task back, task lost")
		return fmt.Errorf("requeue task %s/%s: %w", task.Type, task.ID, err)
	}
	return nil
}

// applyMemoryLimit raises the runtime soft memory limit to limit, unless the current
// limit is already larger or unlimited.
func applyMemoryLimit(limit int64, logger zerolog.Logger) {
	if limit <= 0 {
		return
	}
	current := debug.SetMemoryLimit(-1)
	if current == math.MaxInt64 || current >= limit {
		return
	}
	debug.SetMemoryLimit(limit)
	logger.Debug().Int64("from", current).Int64("to", limit).Msg("raised memory limit")
}
