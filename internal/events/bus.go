package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TaskEventPrefix is prepended to a task type to form its event name.
const TaskEventPrefix = "task."

// TaskEventName returns the event raised when a task of taskType is dispatched.
func TaskEventName(taskType string) string {
	return TaskEventPrefix + taskType
}

type WorkerEventName string

const (
	WorkerStartup  WorkerEventName = "worker.startup"
	WorkerLoop     WorkerEventName = "worker.loop"
	WorkerShutdown WorkerEventName = "worker.shutdown"
)

// TaskEvent carries a grabbed task to its handlers.
type TaskEvent struct {
	ID            string
	Type          string
	ScheduledTime time.Time
	Data          map[string]any
	Slot          int
}

type TaskHandler func(ctx context.Context, ev TaskEvent) error

type WorkerEvent struct {
	Name      WorkerEventName
	Slot      int
	StartTime time.Time
	Retire    bool
	Debug     bool
}

type WorkerHandler func(ctx context.Context, ev WorkerEvent)

// Bus is a typed registry of task and worker lifecycle handlers. Handlers run
// synchronously in registration order.
type Bus struct {
	mu     sync.RWMutex
	tasks  map[string][]TaskHandler
	worker map[WorkerEventName][]WorkerHandler
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		tasks:  make(map[string][]TaskHandler),
		worker: make(map[WorkerEventName][]WorkerHandler),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

func (b *Bus) HandleTask(taskType string, h TaskHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[taskType] = append(b.tasks[taskType], h)
}

func (b *Bus) HandleWorker(name WorkerEventName, h WorkerHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.worker[name] = append(b.worker[name], h)
}

// TaskTypes lists the task types with at least one handler.
func (b *Bus) TaskTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.tasks))
	for t := range b.tasks {
		types = append(types, t)
	}
	return types
}

// DispatchTask invokes every handler registered for ev.Type and returns how many ran.
// Handler errors and panics are logged; they never stop the remaining handlers.
func (b *Bus) DispatchTask(ctx context.Context, ev TaskEvent) int {
	b.mu.RLock()
	handlers := make([]TaskHandler, len(b.tasks[ev.Type]))
	copy(handlers, b.tasks[ev.Type])
	b.mu.RUnlock()

	event := TaskEventName(ev.Type)
	if len(handlers) == 0 {
		b.logger.Warn().Str("event", event).Str("id", ev.ID).Msg("no handlers registered for task")
		return 0
	}

	for i, h := range handlers {
		if err := callTask(ctx, h, ev); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event).
				Str("id", ev.ID).
				Int("handler_index", i).
				Msg("task handler failed")
		}
	}
	return len(handlers)
}

func callTask(ctx context.Context, h TaskHandler, ev TaskEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (b *Bus) EmitWorker(ctx context.Context, ev WorkerEvent) {
	b.mu.RLock()
	handlers := make([]WorkerHandler, len(b.worker[ev.Name]))
	copy(handlers, b.worker[ev.Name])
	b.mu.RUnlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().
						Str("event", string(ev.Name)).
						Int("handler_index", i).
						Msgf("worker handler panicked: %v", r)
				}
			}()
			h(ctx, ev)
		}()
	}
}
