package filestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fileq/internal/domain"

	"github.com/rs/zerolog"
)

const (
	// MaxNameAttempts bounds how many file names are tried for one scheduled time.
	MaxNameAttempts = 1000

	headerLimit = domain.MaxHeaderBytes

	tempPattern = ".tmp-*"

	// A zero-length file younger than this is assumed to still be written by an outside producer.
	emptyFileGrace = time.Minute

	corruptDirName = "corrupt"
)

// Store keeps one file per task in a single directory. Consumers coordinate through
// advisory locks on the task files, so any number of processes can share a directory.
type Store struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("create task directory %s: %w", dir, err)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// Enqueue writes t as a new task file and returns its path. A zero ScheduledTime means now.
func (s *Store) Enqueue(t domain.Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	var body []byte
	if len(t.Data) > 0 {
		b, err := json.Marshal(t.Data)
		if err != nil {
			return "", fmt.Errorf("%w: encode data: %v", domain.ErrInvalidTask, err)
		}
		body = b
	}
	return s.write(t.Type, t.ID, t.Hash, body, t.ScheduledTime)
}

// EnqueueRaw writes payload verbatim after the type,id header.
func (s *Store) EnqueueRaw(taskType, id string, payload []byte, at time.Time) (string, error) {
	if err := (domain.Task{Type: taskType, ID: id}).Validate(); err != nil {
		return "", err
	}
	return s.write(taskType, id, "", payload, at)
}

func (s *Store) write(taskType, id, hash string, body []byte, at time.Time) (string, error) {
	if hash != "" && !validHash(hash) {
		return "", fmt.Errorf("%w: hash %q", domain.ErrInvalidTask, hash)
	}
	if at.IsZero() {
		at = s.now()
	}

	content := make([]byte, 0, len(taskType)+len(id)+2+len(body))
	content = append(content, taskType...)
	content = append(content, ',')
	content = append(content, id...)
	content = append(content, '\n')
	content = append(content, body...)

	// the content is complete before the task name exists, so consumers never see a
	// partial task; link fails on an existing name like O_EXCL does
	tmp, err := s.writeTemp(content)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp) }()

	for attempt := 0; attempt < MaxNameAttempts; attempt++ {
		path := filepath.Join(s.dir, formatTaskName(at, hash, attempt))
		err := os.Link(tmp, path)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("publish task file: %w", err)
		}

		s.logger.Debug().Str("file", path).Str("type", taskType).Str("id", id).Msg("task added")
		return path, nil
	}

	s.logger.Error().
		Str("type", taskType).
		Str("id", id).
		Time("scheduled", at).
		Msgf("unable to find a free task file name after %d attempts", MaxNameAttempts)
	return "", domain.ErrNameCollision
}

func (s *Store) writeTemp(content []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create task file: %w", err)
	}
	_, werr := f.Write(content)
	if err := f.Chmod(0o664); err != nil && werr == nil {
		werr = err
	}
	if err := f.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write task file: %w", werr)
	}
	return f.Name(), nil
}

// Dequeue grabs the oldest eligible task: the file is locked, read and removed so that
// exactly one caller receives it. It returns nil when nothing is eligible. The only error
// returned is a task file that cannot be removed, which callers must treat as fatal.
func (s *Store) Dequeue() (*domain.Task, error) {
	names, err := s.scan()
	if err != nil {
		s.logger.Error().Err(err).Msg("unable to list task directory")
		return nil, nil
	}

	now := s.now()
	for _, n := range names {
		if n.time().After(now) {
			break
		}
		t, err := s.take(n, now)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

func (s *Store) take(n taskName, now time.Time) (*domain.Task, error) {
	path := filepath.Join(s.dir, n.name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		// consumed by someone else since the listing
		return nil, nil
	}
	defer f.Close()

	locked, err := tryLock(f)
	if err != nil {
		s.logger.Error().Err(err).Str("file", path).Msg("unable to lock task file")
		return nil, nil
	}
	if !locked {
		return nil, nil
	}
	defer func() { _ = unlock(f) }()

	held, err := f.Stat()
	if err != nil {
		return nil, nil
	}
	onDisk, err := os.Stat(path)
	if err != nil || !os.SameFile(held, onDisk) {
		return nil, nil
	}
	if held.Size() == 0 && now.Sub(held.ModTime()) < emptyFileGrace {
		return nil, nil
	}

	t, perr := s.decode(f, n)
	if perr != nil {
		s.logger.Error().Err(perr).Str("file", path).Msg("skipping corrupt task")
		if err := s.deadLetter(path, n.name); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUndeletableTask, path, err)
	}
	return t, nil
}

// deadLetter moves a corrupt task out of the queue, falling back to removal.
func (s *Store) deadLetter(path, name string) error {
	dir := filepath.Join(s.dir, corruptDirName)
	if err := os.MkdirAll(dir, 0o775); err == nil {
		if err := os.Rename(path, filepath.Join(dir, name)); err == nil {
			return nil
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrUndeletableTask, path, err)
	}
	return nil
}

// Parse reads the task stored at path without consuming it.
func (s *Store) Parse(path string) (*domain.Task, error) {
	n, ok := parseTaskName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a task file name", domain.ErrCorruptTask, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()

	t, err := s.decode(f, n)
	if err != nil {
		return nil, err
	}
	t.SourceFile = path
	return t, nil
}

func (s *Store) decode(r io.Reader, n taskName) (*domain.Task, error) {
	br := bufio.NewReaderSize(r, headerLimit)
	line, err := br.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, fmt.Errorf("%w: header exceeds %d bytes", domain.ErrCorruptTask, headerLimit)
	case err != nil && !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("read task header: %w", err)
	}

	header := strings.TrimRight(string(line), "\r\n")
	taskType, id, _ := strings.Cut(header, ",")
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return nil, fmt.Errorf("%w: missing type", domain.ErrCorruptTask)
	}

	t := &domain.Task{
		Type:          taskType,
		ID:            strings.TrimSpace(id),
		ScheduledTime: n.time(),
		Hash:          n.hash,
		SourceFile:    filepath.Join(s.dir, n.name),
	}

	// anything Enqueue would refuse cannot be put back after a failed preflight
	if err := (domain.Task{Type: t.Type, ID: t.ID}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptTask, err)
	}

	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read task data: %w", err)
	}
	rest = bytes.TrimSpace(rest)
	if len(rest) > 0 {
		var data map[string]any
		if err := json.Unmarshal(rest, &data); err != nil {
			return nil, fmt.Errorf("%w: invalid data: %v", domain.ErrCorruptTask, err)
		}
		t.Data = data
	}
	return t, nil
}

func (s *Store) scan() ([]taskName, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]taskName, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseTaskName(e.Name()); ok {
			names = append(names, n)
		}
	}
	sortTaskNames(names)
	return names, nil
}

// Files returns the paths of task files matching filter, oldest first.
func (s *Store) Files(filter domain.Filter) ([]string, error) {
	names, err := s.scan()
	if err != nil {
		return nil, err
	}
	now := s.now()
	files := make([]string, 0, len(names))
	for _, n := range names {
		if filter.Match(n.time(), now) {
			files = append(files, filepath.Join(s.dir, n.name))
		}
	}
	return files, nil
}

// List parses the tasks matching filter. Unreadable or corrupt files are logged and left out.
func (s *Store) List(filter domain.Filter) ([]domain.Task, error) {
	files, err := s.Files(filter)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(files))
	for _, file := range files {
		t, err := s.Parse(file)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn().Err(err).Str("file", file).Msg("unable to read task")
			}
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func (s *Store) Count() (domain.TaskCounts, error) {
	names, err := s.scan()
	if err != nil {
		return domain.TaskCounts{}, err
	}
	now := s.now()
	var c domain.TaskCounts
	for _, n := range names {
		if n.time().After(now) {
			c.Future++
		} else {
			c.Current++
		}
	}
	c.Total = c.Current + c.Future
	return c, nil
}

// DeleteByHash removes every task carrying hash and returns the removed paths. Files
// that are locked by a consumer are left alone.
func (s *Store) DeleteByHash(hash string) ([]string, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: hash %q", domain.ErrInvalidTask, hash)
	}
	names, err := s.scan()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, n := range names {
		if n.hash != hash {
			continue
		}
		path := filepath.Join(s.dir, n.name)
		if s.removeLocked(path) {
			deleted = append(deleted, path)
		}
	}
	return deleted, nil
}

func (s *Store) removeLocked(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	if locked, _ := tryLock(f); !locked {
		return false
	}
	defer func() { _ = unlock(f) }()
	if err := os.Remove(path); err != nil {
		s.logger.Warn().Err(err).Str("file", path).Msg("unable to delete task")
		return false
	}
	return true
}

func (s *Store) HasHash(hash string) (bool, error) {
	if !validHash(hash) {
		return false, fmt.Errorf("%w: hash %q", domain.ErrInvalidTask, hash)
	}
	names, err := s.scan()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n.hash == hash {
			return true, nil
		}
	}
	return false, nil
}
