package ports

import (
	"context"
	"time"

	"fileq/internal/domain"
)

// Producer is what task producers and handlers need to schedule work.
type Producer interface {
	AddTask(t domain.Task) (string, error)
	AddTaskWithHash(t domain.Task, hash string) (string, error)
	HasTaskWithHash(hash string) (bool, error)
	DeleteTasksByHash(hash string) ([]string, error)
}

// Queue is the surface a worker run needs.
type Queue interface {
	Producer
	GrabTask() (*domain.Task, error)
	GetWorkerSlot() (int, bool)
	HasWorkerSlot(slot int) bool
	ReleaseWorkerSlot(slot int, force bool) bool
}

// Backend is the system task handlers depend on. The worker preflight checks it before
// every task.
type Backend interface {
	// Check verifies connectivity and, for replicated backends, waits until replicas
	// have caught up so handlers never observe stale reads.
	Check(ctx context.Context) error
	// Reconnect drops the current connection and opens a fresh one.
	Reconnect(ctx context.Context) error
}

// Clock lets tests control time.
type Clock func() time.Time
