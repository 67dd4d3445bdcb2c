// Package cache implements the cache-aside data plane (C1): a Redis client
// wrapped in a circuit breaker, with pipelined batch reads/writes and the
// list primitives the write-behind queue (C2) builds on.
//
// Grounded on original_source/bot/cache/client.py. The circuit breaker
// threshold (3 consecutive failures) matches the Python original; the open
// duration (5s, not the original's 30s) follows spec.md, which supersedes
// original_source where the two disagree.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	circuitFailureThreshold = 3
	circuitOpenDuration     = 5 * time.Second
	poolSize                = 20
	dialTimeout             = 5 * time.Second
	ioTimeout               = 5 * time.Second
)

// circuitState mirrors the half-open single-probe semantics of the Python client.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrCircuitOpen is returned without touching Redis while the breaker is open.
var ErrCircuitOpen = errors.New("cache: circuit breaker open")

// OnStateChange is invoked whenever the breaker transitions, primarily so the
// caller can publish a bus event / increment a metric.
type OnStateChange func(from, to string)

// Client wraps a redis.Client with a circuit breaker.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
	onState OnStateChange

	mu            sync.Mutex
	state         circuitState
	failureCount  int
	openedAt      time.Time
	halfOpenInUse bool
}

// Config controls construction of the Redis connection.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// readRedisPassword mirrors _read_redis_password: prefer a secret file, fall
// back to the REDIS_PASSWORD env var.
func readRedisPassword() string {
	if b, err := os.ReadFile("/run/secrets/redis_password"); err == nil {
		return strings.TrimSpace(string(b))
	}
	return os.Getenv("REDIS_PASSWORD")
}

// ConfigFromEnv builds a Config from REDIS_HOST/REDIS_PORT/REDIS_DB and the
// secret-file-or-env password, matching get_redis_url in the original.
func ConfigFromEnv() Config {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6379
	if raw := os.Getenv("REDIS_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			db = v
		}
	}
	return Config{Host: host, Port: port, DB: db, Password: readRedisPassword()}
}

// sanitizedAddr is safe to log: no credentials.
func (c Config) sanitizedAddr() string {
	return fmt.Sprintf("%s:%d/%d", c.Host, c.Port, c.DB)
}

// New creates a Client with a bounded pool and 5s timeouts, matching
// ConnectionPool.from_url(max_connections=20, socket_timeout=5.0, socket_connect_timeout=5.0).
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:           cfg.DB,
		Password:     cfg.Password,
		PoolSize:     poolSize,
		DialTimeout:  dialTimeout,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	})
	logger.Info("cache client configured", "addr", cfg.sanitizedAddr())
	return &Client{rdb: rdb, logger: logger, state: circuitClosed}
}

// OnStateChange registers a callback for circuit transitions (bus/metrics hook).
func (c *Client) SetOnStateChange(fn OnStateChange) { c.onState = fn }

// State returns the current breaker state, for get_circuit_breaker_state()-style observability.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// allow reports whether a call should proceed, and if so whether it is the
// single half-open probe.
func (c *Client) allow() (proceed bool, isProbe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case circuitClosed:
		return true, false
	case circuitOpen:
		if time.Since(c.openedAt) < circuitOpenDuration {
			return false, false
		}
		c.transition(circuitHalfOpen)
		c.halfOpenInUse = true
		return true, true
	case circuitHalfOpen:
		if c.halfOpenInUse {
			// another probe already in flight; treat as still open for this caller
			return false, false
		}
		c.halfOpenInUse = true
		return true, true
	}
	return true, false
}

func (c *Client) recordResult(isProbe bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isProbe {
		c.halfOpenInUse = false
	}

	if err == nil {
		if c.state != circuitClosed {
			c.transition(circuitClosed)
		}
		c.failureCount = 0
		return
	}

	c.failureCount++
	if c.state == circuitHalfOpen {
		c.transition(circuitOpen)
		c.openedAt = time.Now()
		return
	}
	if c.failureCount >= circuitFailureThreshold && c.state == circuitClosed {
		c.transition(circuitOpen)
		c.openedAt = time.Now()
	}
}

// transition must be called with c.mu held.
func (c *Client) transition(to circuitState) {
	from := c.state
	c.state = to
	if from == to {
		return
	}
	c.logger.Warn("cache circuit breaker transition", "from", from.String(), "to", to.String())
	if c.onState != nil {
		c.onState(from.String(), to.String())
	}
}

// do runs fn through the breaker, recording success/failure.
func (c *Client) do(ctx context.Context, fn func(context.Context) error) error {
	proceed, isProbe := c.allow()
	if !proceed {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	c.recordResult(isProbe, err)
	return err
}

// Get returns the value for key, or "", false if missing. ErrCircuitOpen is
// returned (not a miss) when the breaker is open — callers must fail open
// per spec's cache-miss-no-session rule, not treat it as a real miss.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// SetWithTTL stores value at key with the given expiry.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, key).Err()
	})
}

// RPush appends values to a list (used by the write-behind queue).
func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	return c.do(ctx, func(ctx context.Context) error {
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		return c.rdb.RPush(ctx, key, args...).Err()
	})
}

// LPop pops up to count items from the head of a list.
func (c *Client) LPop(ctx context.Context, key string, count int) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.LPopCount(ctx, key, count).Result()
		if errors.Is(err, redis.Nil) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// LLen returns the length of a list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// MultiGet pipelines GETs for several keys in one round trip, matching
// get_user_context_batch's use of redis.pipeline(transaction=False).
func (c *Client) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	err := c.do(ctx, func(ctx context.Context) error {
		pipe := c.rdb.Pipeline()
		cmds := make(map[string]*redis.StringCmd, len(keys))
		for _, k := range keys {
			cmds[k] = pipe.Get(ctx, k)
		}
		_, err := pipe.Exec(ctx)
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		for k, cmd := range cmds {
			v, err := cmd.Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	return out, err
}

// MultiSetEntry is one key/value/ttl tuple for MultiSet.
type MultiSetEntry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// MultiSet pipelines SETEX for several keys in one round trip, matching
// set_user_context_batch.
func (c *Client) MultiSet(ctx context.Context, entries []MultiSetEntry) error {
	return c.do(ctx, func(ctx context.Context) error {
		pipe := c.rdb.Pipeline()
		for _, e := range entries {
			pipe.Set(ctx, e.Key, e.Value, e.TTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
