package usecase

import (
	"fmt"
	"maps"
	"time"

	"fileq/internal/domain"
	"fileq/internal/events"
	"fileq/internal/ports"
	"fileq/pkg/backoff"

	"github.com/spf13/cast"
)

// Data keys written by Retry.
const (
	AttemptsKey  = "attempts"
	LastErrorKey = "last_error"
)

// Enqueuer schedules tasks and implements the retry convention: the core never retries
// on its own, handlers call Retry to schedule a follow-up task with a later time.
type Enqueuer struct {
	Q           ports.Producer
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxAttempts caps Retry; zero means unlimited.
	MaxAttempts int
	Clock       ports.Clock
}

func (e Enqueuer) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e Enqueuer) Now(t domain.Task) (string, error) {
	t.ScheduledTime = e.now()
	return e.Q.AddTask(t)
}

func (e Enqueuer) At(t domain.Task, runAt time.Time) (string, error) {
	t.ScheduledTime = runAt
	return e.Q.AddTask(t)
}

func (e Enqueuer) In(t domain.Task, delay time.Duration) (string, error) {
	return e.At(t, e.now().Add(delay))
}

// Debounce schedules t after delay under hash, replacing any task still pending for the
// same hash, so repeated requests for one context collapse into a single task.
func (e Enqueuer) Debounce(t domain.Task, hash string, delay time.Duration) (string, error) {
	if _, err := e.Q.DeleteTasksByHash(hash); err != nil {
		return "", fmt.Errorf("cancel pending %s tasks: %w", hash, err)
	}
	t.ScheduledTime = e.now().Add(delay)
	return e.Q.AddTaskWithHash(t, hash)
}

// Once schedules t under hash unless a task with that hash is already pending.
func (e Enqueuer) Once(t domain.Task, hash string, delay time.Duration) (string, bool, error) {
	pending, err := e.Q.HasTaskWithHash(hash)
	if err != nil || pending {
		return "", false, err
	}
	t.ScheduledTime = e.now().Add(delay)
	path, err := e.Q.AddTaskWithHash(t, hash)
	return path, err == nil, err
}

// Retry schedules the task behind ev again with an incremented attempt counter and an
// exponential backoff delay. It returns false once MaxAttempts is reached.
func (e Enqueuer) Retry(ev events.TaskEvent, cause error) (bool, error) {
	attempts := cast.ToInt(ev.Data[AttemptsKey]) + 1
	if e.MaxAttempts > 0 && attempts >= e.MaxAttempts {
		return false, nil
	}

	data := make(map[string]any, len(ev.Data)+2)
	maps.Copy(data, ev.Data)
	data[AttemptsKey] = attempts
	if cause != nil {
		data[LastErrorKey] = cause.Error()
	}

	delay := backoff.ExponentialJitter(e.BaseBackoff, e.MaxBackoff, attempts)
	_, err := e.In(domain.Task{Type: ev.Type, ID: ev.ID, Data: data}, delay)
	if err != nil {
		return false, fmt.Errorf("retry %s/%s: %w", ev.Type, ev.ID, err)
	}
	return true, nil
}
