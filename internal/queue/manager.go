package queue

import (
	"fmt"
	"path/filepath"
	"time"

	"fileq/internal/config"
	"fileq/internal/domain"
	"fileq/internal/infra/filestore"
	"fileq/internal/ports"

	"github.com/rs/zerolog"
)

var _ ports.Queue = (*Manager)(nil)

const (
	workersDir      = "workers"
	tokensDir       = "tokens"
	diagnosticsFile = "trigger.json"
)

// Manager is the queue facade: task store, worker slots, submission tokens and trigger
// diagnostics, all rooted in one directory.
type Manager struct {
	cfg    config.Queue
	now    ports.Clock
	logger zerolog.Logger

	store  *filestore.Store
	slots  *filestore.Slots
	tokens *filestore.Tokens
	diag   *filestore.Diagnostics
}

type Option func(*Manager)

func WithClock(now ports.Clock) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func New(cfg config.Queue, opts ...Option) (*Manager, error) {
	m := &Manager{cfg: cfg, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Workers < 1 {
		m.cfg.Workers = 3
	}
	if m.cfg.TriggerStaleAfter <= 0 {
		m.cfg.TriggerStaleAfter = 10 * time.Minute
	}

	var err error
	m.store, err = filestore.NewStore(cfg.Path,
		filestore.WithClock(m.now),
		filestore.WithLogger(m.logger.With().Str("component", "store").Logger()),
	)
	if err != nil {
		return nil, err
	}
	m.slots, err = filestore.NewSlots(filepath.Join(cfg.Path, workersDir), m.cfg.Workers,
		m.logger.With().Str("component", "slots").Logger())
	if err != nil {
		return nil, err
	}
	m.tokens, err = filestore.NewTokens(filepath.Join(cfg.Path, tokensDir))
	if err != nil {
		return nil, err
	}
	m.diag = filestore.NewDiagnostics(filepath.Join(cfg.Path, diagnosticsFile))
	return m, nil
}

func (m *Manager) Config() config.Queue { return m.cfg }

// AddTask schedules t. A zero ScheduledTime means now.
func (m *Manager) AddTask(t domain.Task) (string, error) {
	return m.store.Enqueue(t)
}

// AddTaskWithHash schedules t under a correlation hash so that it can later be found or
// cancelled with HasTaskWithHash and DeleteTasksByHash.
func (m *Manager) AddTaskWithHash(t domain.Task, hash string) (string, error) {
	t.Hash = hash
	return m.store.Enqueue(t)
}

// AddRawTask schedules a task whose payload bytes are stored verbatim.
func (m *Manager) AddRawTask(taskType, id string, payload []byte, at time.Time) (string, error) {
	return m.store.EnqueueRaw(taskType, id, payload, at)
}

func (m *Manager) GrabTask() (*domain.Task, error) {
	return m.store.Dequeue()
}

func (m *Manager) GetWorkerSlot() (int, bool) {
	return m.slots.Acquire()
}

func (m *Manager) HasWorkerSlot(slot int) bool {
	return m.slots.Has(slot)
}

func (m *Manager) ReleaseWorkerSlot(slot int, force bool) bool {
	return m.slots.Release(slot, force)
}

func (m *Manager) WorkerCount() int {
	return m.slots.CountHeld()
}

// RestartWorkers revokes every held slot; their workers stop at their next loop check.
// It returns the number of slots that were revoked.
func (m *Manager) RestartWorkers() int {
	held := m.slots.HeldSlots()
	for _, slot := range held {
		m.slots.Release(slot, true)
	}
	m.logger.Info().Ints("slots", held).Msg("worker restart requested")
	return len(held)
}

func (m *Manager) TaskCounts() (domain.TaskCounts, error) {
	return m.store.Count()
}

func (m *Manager) Tasks(filter domain.Filter) ([]domain.Task, error) {
	return m.store.List(filter)
}

func (m *Manager) TaskFiles(filter domain.Filter) ([]string, error) {
	return m.store.Files(filter)
}

func (m *Manager) DeleteTasksByHash(hash string) ([]string, error) {
	return m.store.DeleteByHash(hash)
}

func (m *Manager) HasTaskWithHash(hash string) (bool, error) {
	return m.store.HasHash(hash)
}

// Tokens lists the submission tokens, creating one if none exist.
func (m *Manager) Tokens() ([]string, error) {
	return m.tokens.List()
}

func (m *Manager) CreateToken() (string, error) {
	return m.tokens.Create()
}

func (m *Manager) RevokeToken(token string) error {
	return m.tokens.Revoke(token)
}

func (m *Manager) ValidToken(token string) bool {
	return m.tokens.Valid(token)
}

// RecordTriggerPing stores the outcome of the latest trigger ping.
func (m *Manager) RecordTriggerPing(pingErr error) error {
	if m.cfg.DisableTriggerDiagnostics {
		return nil
	}
	p := filestore.TriggerPing{At: m.now()}
	if pingErr != nil {
		p.Error = pingErr.Error()
	}
	if err := m.diag.Record(p); err != nil {
		return fmt.Errorf("record trigger ping: %w", err)
	}
	return nil
}

type TriggerStatus struct {
	State    filestore.TriggerState `json:"state"`
	LastPing *time.Time             `json:"last_ping,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

func (m *Manager) TriggerStatus() TriggerStatus {
	if m.cfg.DisableTriggerDiagnostics {
		return TriggerStatus{State: filestore.TriggerDisabled}
	}
	state, p := m.diag.State(m.now(), m.cfg.TriggerStaleAfter)
	st := TriggerStatus{State: state}
	if p != nil {
		if !p.At.IsZero() {
			at := p.At
			st.LastPing = &at
		}
		st.Error = p.Error
	}
	return st
}

type WorkerStatus struct {
	Active   int     `json:"active"`
	Max      int     `json:"max"`
	Lifetime float64 `json:"lifetime_seconds"`
}

type Status struct {
	Tasks   domain.TaskCounts `json:"tasks"`
	Workers WorkerStatus      `json:"workers"`
	Trigger TriggerStatus     `json:"trigger"`
}

// Status summarises the queue for observability surfaces. It never mutates the store.
func (m *Manager) Status() (Status, error) {
	counts, err := m.store.Count()
	if err != nil {
		return Status{}, fmt.Errorf("count tasks: %w", err)
	}
	return Status{
		Tasks: counts,
		Workers: WorkerStatus{
			Active:   m.slots.CountHeld(),
			Max:      m.slots.Max(),
			Lifetime: m.cfg.WorkerLifetime.Seconds(),
		},
		Trigger: m.TriggerStatus(),
	}, nil
}

// Close releases any worker slots still held by this process.
func (m *Manager) Close() {
	m.slots.Close()
}
