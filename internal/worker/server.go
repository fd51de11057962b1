package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fileq/internal/config"
	"fileq/internal/events"
	"fileq/internal/infra/redisq"
	"fileq/internal/queue"
	"fileq/internal/usecase"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

// DemoFailType is a task type whose handler fails until it has been retried twice.
const DemoFailType = "demo.fail"

var errSimulated = errors.New("simulated failure")

type Config struct {
	Retire      bool
	Debug       bool
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

// Runtime holds everything a worker run needs. The API keeps one for the lifetime of
// the process and starts runs from it on request.
type Runtime struct {
	Cfg         *config.Config
	Manager     *queue.Manager
	Backend     *redisq.Client
	Bus         *events.Bus
	Enqueuer    usecase.Enqueuer
	Fingerprint func() (string, error)
	Logger      zerolog.Logger
}

func NewRuntime(cfg *config.Config, wc Config, logger zerolog.Logger) (*Runtime, error) {
	m, err := queue.New(cfg.Queue, queue.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Cfg:     cfg,
		Manager: m,
		Bus:     events.NewBus(logger),
		Enqueuer: usecase.Enqueuer{
			Q:           m,
			BaseBackoff: wc.BaseBackoff,
			MaxBackoff:  wc.MaxBackoff,
			MaxAttempts: wc.MaxAttempts,
		},
		Fingerprint: func() (string, error) { return config.Fingerprint(config.File()) },
		Logger:      logger,
	}
	if cfg.Redis.Addr != "" {
		rt.Backend = redisq.New(cfg.Redis)
	}
	return rt, nil
}

// Consumer builds a consumer logging to logger.
func (rt *Runtime) Consumer(logger zerolog.Logger) usecase.Consumer {
	limit, err := rt.Cfg.Queue.MemoryLimit()
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring invalid worker memory limit")
		limit = -1
	}
	pf := usecase.Preflight{Fingerprint: rt.Fingerprint, Logger: logger}
	if rt.Backend != nil {
		pf.Backend = rt.Backend
	}
	return usecase.Consumer{
		Q:            rt.Manager,
		Bus:          rt.Bus,
		Preflight:    pf,
		Lifetime:     rt.Cfg.Queue.WorkerLifetime,
		TaskTimeout:  rt.Cfg.Queue.WorkerTaskTimeout,
		IdleInterval: rt.Cfg.Queue.WorkerIdleInterval,
		MemoryLimit:  limit,
		Logger:       logger,
	}
}

// RunOnce executes a single worker run.
func (rt *Runtime) RunOnce(ctx context.Context, opts usecase.RunOptions, logger zerolog.Logger) (usecase.RunStats, error) {
	return rt.Consumer(logger).Run(ctx, opts)
}

func (rt *Runtime) Close() {
	rt.Manager.Close()
	if rt.Backend != nil {
		if err := rt.Backend.Close(); err != nil {
			rt.Logger.Debug().Err(err).Msg("closing redis")
		}
	}
}

// RegisterDefaultHandlers installs the handlers every worker process carries.
func RegisterDefaultHandlers(rt *Runtime) {
	rt.Bus.HandleTask(rt.Cfg.Queue.PingType, func(ctx context.Context, ev events.TaskEvent) error {
		log.Ctx(ctx).Debug().Msg("pong")
		return nil
	})

	rt.Bus.HandleTask(DemoFailType, func(ctx context.Context, ev events.TaskEvent) error {
		if cast.ToInt(ev.Data[usecase.AttemptsKey]) < 2 {
			retried, err := rt.Enqueuer.Retry(ev, errSimulated)
			if err != nil {
				return err
			}
			if !retried {
				return errSimulated
			}
			log.Ctx(ctx).Info().Msg("task failed, retry scheduled")
			return nil
		}
		log.Ctx(ctx).Info().Msgf("processed task %s type=%s", ev.ID, ev.Type)
		return nil
	})

	if rt.Backend != nil && rt.Cfg.Redis.Keepalive > 0 {
		rt.Bus.HandleWorker(events.WorkerLoop, rt.Backend.Keepalive(rt.Cfg.Redis.Keepalive))
	}
}

// Run executes one worker run in the foreground until it retires or the process is
// signalled.
func Run(wc Config) error {
	appCfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := NewRuntime(appCfg, wc, log.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	RegisterDefaultHandlers(rt)

	stats, err := rt.RunOnce(ctx, usecase.RunOptions{Retire: wc.Retire, Debug: wc.Debug}, log.Logger)
	if err != nil {
		return err
	}
	if stats.Reason == usecase.StopNoSlot {
		log.Info().Msg("all worker slots are taken")
	}
	return nil
}
