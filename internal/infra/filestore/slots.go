package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Slots bounds the number of concurrent workers with one lock file per slot. The OS drops
// a lock when its holder dies, so crashed workers free their slot without cleanup.
type Slots struct {
	dir    string
	max    int
	logger zerolog.Logger

	mu   sync.Mutex
	held map[int]*os.File
}

func NewSlots(dir string, max int, logger zerolog.Logger) (*Slots, error) {
	if max < 1 {
		return nil, fmt.Errorf("worker slots: max must be positive, got %d", max)
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("create worker slot directory %s: %w", dir, err)
	}
	return &Slots{dir: dir, max: max, logger: logger, held: make(map[int]*os.File)}, nil
}

func (s *Slots) Max() int { return s.max }

func (s *Slots) path(slot int) string {
	return filepath.Join(s.dir, strconv.Itoa(slot))
}

// Acquire locks the first free slot and keeps its file open until Release.
func (s *Slots) Acquire() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slot := 1; slot <= s.max; slot++ {
		if _, ok := s.held[slot]; ok {
			continue
		}
		path := s.path(slot)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
		if err != nil {
			s.logger.Error().Err(err).Str("file", path).Msg("unable to open worker slot")
			continue
		}
		locked, err := tryLock(f)
		if err != nil {
			s.logger.Error().Err(err).Str("file", path).Msg("unable to lock worker slot")
		}
		if !locked {
			f.Close()
			continue
		}
		// the file may have been force-deleted between open and lock
		if !sameFile(f, path) {
			_ = unlock(f)
			f.Close()
			continue
		}
		s.held[slot] = f
		return slot, true
	}
	return 0, false
}

// Has reports whether this process still holds slot. Deleting a slot file revokes it.
func (s *Slots) Has(slot int) bool {
	s.mu.Lock()
	f, ok := s.held[slot]
	s.mu.Unlock()
	return ok && sameFile(f, s.path(slot))
}

// Release gives up slot. With force, a slot held by another worker has its file removed
// so that worker stops at its next check; the result is then false, and true only if
// the slot turned out to be free.
func (s *Slots) Release(slot int, force bool) bool {
	s.mu.Lock()
	f, ok := s.held[slot]
	if ok {
		delete(s.held, slot)
	}
	s.mu.Unlock()

	path := s.path(slot)
	if ok {
		if force && sameFile(f, path) {
			_ = os.Remove(path)
		}
		_ = unlock(f)
		f.Close()
		return true
	}
	if !force {
		return false
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		s.logger.Error().Err(err).Str("file", path).Msg("unable to open worker slot")
		return false
	}
	defer f.Close()

	locked, _ := tryLock(f)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error().Err(err).Str("file", path).Msg("unable to delete worker slot")
	}
	if locked {
		_ = unlock(f)
	}
	return locked
}

// CountHeld returns how many slot files are currently locked by any worker.
func (s *Slots) CountHeld() int {
	return len(s.HeldSlots())
}

// HeldSlots lists the slot numbers currently locked by any worker.
func (s *Slots) HeldSlots() []int {
	var slots []int
	for slot := 1; slot <= s.max; slot++ {
		if s.Has(slot) || s.isLocked(slot) {
			slots = append(slots, slot)
		}
	}
	return slots
}

func (s *Slots) isLocked(slot int) bool {
	f, err := os.OpenFile(s.path(slot), os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	locked, err := tryLock(f)
	if err != nil {
		return false
	}
	if locked {
		_ = unlock(f)
		return false
	}
	return true
}

// Close releases every slot held by this process.
func (s *Slots) Close() {
	s.mu.Lock()
	held := make([]int, 0, len(s.held))
	for slot := range s.held {
		held = append(held, slot)
	}
	s.mu.Unlock()
	for _, slot := range held {
		s.Release(slot, false)
	}
}

func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}
