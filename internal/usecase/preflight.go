package usecase

import (
	"context"
	"fmt"

	"fileq/internal/domain"
	"fileq/internal/ports"

	"github.com/rs/zerolog"
)

// Preflight guards every task a worker processes: the configuration must be the one the
// worker started with and the backend must be reachable.
type Preflight struct {
	// Fingerprint identifies the persisted configuration. Nil skips the check.
	Fingerprint func() (string, error)
	// Backend is checked once, reconnected and checked again on failure. Nil skips it.
	Backend ports.Backend
	Logger  zerolog.Logger
}

// Start captures the configuration fingerprint a worker run is pinned to and verifies
// the backend.
func (p Preflight) Start(ctx context.Context) (string, error) {
	fp, err := p.fingerprint()
	if err != nil {
		return "", err
	}
	if err := p.checkBackend(ctx); err != nil {
		return "", err
	}
	return fp, nil
}

// Check verifies that nothing changed since Start returned want.
func (p Preflight) Check(ctx context.Context, want string) error {
	fp, err := p.fingerprint()
	if err != nil {
		return err
	}
	if fp != want {
		return fmt.Errorf("%w: fingerprint %s, started with %s", domain.ErrConfigChanged, fp, want)
	}
	return p.checkBackend(ctx)
}

func (p Preflight) fingerprint() (string, error) {
	if p.Fingerprint == nil {
		return "", nil
	}
	fp, err := p.Fingerprint()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrConfigChanged, err)
	}
	return fp, nil
}

func (p Preflight) checkBackend(ctx context.Context) error {
	if p.Backend == nil {
		return nil
	}
	err := p.Backend.Check(ctx)
	if err == nil {
		return nil
	}

	p.Logger.Warn().Err(err).Msg("backend check failed, reconnecting")
	if rerr := p.Backend.Reconnect(ctx); rerr != nil {
		return fmt.Errorf("%w: reconnect: %v (after %v)", domain.ErrBackendUnavailable, rerr, err)
	}
	if err := p.Backend.Check(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}
