package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

type TriggerState string

const (
	TriggerDisabled TriggerState = "disabled"
	TriggerAbsent   TriggerState = "absent"
	TriggerStale    TriggerState = "stale"
	TriggerErroring TriggerState = "erroring"
	TriggerOK       TriggerState = "ok"
)

// TriggerPing is the last ping received from the external worker trigger.
type TriggerPing struct {
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type Diagnostics struct {
	path string
}

func NewDiagnostics(path string) *Diagnostics {
	return &Diagnostics{path: path}
}

func (d *Diagnostics) Record(p TriggerPing) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".trigger-*")
	if err != nil {
		return fmt.Errorf("record trigger ping: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("record trigger ping: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("record trigger ping: %w", err)
	}
	return os.Rename(tmp.Name(), d.path)
}

// Last returns the most recent ping, or nil if none was ever recorded.
func (d *Diagnostics) Last() (*TriggerPing, error) {
	b, err := os.ReadFile(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p TriggerPing
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode trigger ping: %w", err)
	}
	return &p, nil
}

// State classifies the last ping relative to now.
func (d *Diagnostics) State(now time.Time, staleAfter time.Duration) (TriggerState, *TriggerPing) {
	p, err := d.Last()
	if err != nil {
		return TriggerErroring, &TriggerPing{Error: err.Error()}
	}
	switch {
	case p == nil:
		return TriggerAbsent, nil
	case p.Error != "":
		return TriggerErroring, p
	case now.Sub(p.At) > staleAfter:
		return TriggerStale, p
	}
	return TriggerOK, p
}
