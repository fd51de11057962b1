package domain

import (
	"fmt"
	"strings"
	"time"
)

type Task struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	Data          map[string]any `json:"data,omitempty"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	Hash          string         `json:"hash,omitempty"`
	SourceFile    string         `json:"source_file,omitempty"`
}

// MaxHeaderBytes bounds the "type,id" header line of a task file, newline included.
const MaxHeaderBytes = 1024

// Validate checks the fields a task needs before it can be written to the store.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if strings.ContainsAny(t.Type, ",\r\n") {
		return fmt.Errorf("%w: type %q contains a comma or newline", ErrInvalidTask, t.Type)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if strings.ContainsAny(t.ID, "\r\n") {
		return fmt.Errorf("%w: id contains a newline", ErrInvalidTask)
	}
	if n := len(t.Type) + len(t.ID) + 2; n > MaxHeaderBytes {
		return fmt.Errorf("%w: header of %d bytes exceeds %d", ErrInvalidTask, n, MaxHeaderBytes)
	}
	return nil
}

type Filter string

const (
	FilterAll     Filter = "all"
	FilterCurrent Filter = "current"
	FilterFuture  Filter = "future"
)

func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(s)) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterCurrent:
		return FilterCurrent, nil
	case FilterFuture:
		return FilterFuture, nil
	}
	return "", fmt.Errorf("unknown task filter %q", s)
}

// Match reports whether a task scheduled at ts passes the filter at now.
func (f Filter) Match(ts, now time.Time) bool {
	switch f {
	case FilterCurrent:
		return !ts.After(now)
	case FilterFuture:
		return ts.After(now)
	}
	return true
}

type TaskCounts struct {
	Current int `json:"current"`
	Future  int `json:"future"`
	Total   int `json:"total"`
}
