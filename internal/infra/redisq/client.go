package redisq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fileq/internal/config"
	"fileq/internal/events"
	"fileq/internal/ports"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ ports.Backend = (*Client)(nil)

// Client is the Redis connection task handlers share. Workers check it before every
// task and force a fresh connection when the check fails.
type Client struct {
	Cfg config.Redis

	mu       sync.RWMutex
	rdb      *redis.Client
	lastPing time.Time
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	return &Client{Cfg: cfg, rdb: newRedis(cfg)}
}

func newRedis(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Rdb returns the current connection. It changes after Reconnect.
func (c *Client) Rdb() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

// Check pings the server and, with replicas configured, waits until they acknowledged
// all previous writes.
func (c *Client) Check(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()

	if c.Cfg.Replicas <= 0 {
		return nil
	}
	n, err := c.Rdb().Wait(ctx, c.Cfg.Replicas, c.Cfg.WaitTimeout).Result()
	if err != nil {
		return fmt.Errorf("redis wait for replicas: %w", err)
	}
	if n < int64(c.Cfg.Replicas) {
		return fmt.Errorf("redis replication lag: %d of %d replicas in sync", n, c.Cfg.Replicas)
	}
	return nil
}

func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	old := c.rdb
	c.rdb = newRedis(c.Cfg)
	c.mu.Unlock()

	if err := old.Close(); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("closing stale redis connection")
	}
	return nil
}

// Keepalive returns a worker loop handler that pings the server when it has been idle
// for longer than interval, so long idle workers do not hold dead connections.
func (c *Client) Keepalive(interval time.Duration) events.WorkerHandler {
	return func(ctx context.Context, ev events.WorkerEvent) {
		c.mu.RLock()
		due := time.Since(c.lastPing) >= interval
		c.mu.RUnlock()
		if !due {
			return
		}
		if err := c.Check(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("redis keepalive failed")
		}
	}
}

func (c *Client) Close() error {
	return c.Rdb().Close()
}
