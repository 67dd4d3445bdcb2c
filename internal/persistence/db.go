// Package persistence implements the durable data plane (C2's flush target):
// a pgx/pgxpool-backed store for users, threads, messages, files, tool calls,
// and the balance/payment ledger. The teacher's sqlite task store used a
// single file on disk; this domain's multi-writer, multi-process deployment
// needs a real connection pool, so this package is grounded instead on
// nevindra-oasis/store/postgres (the only other pack repo built on
// jackc/pgx/v5): externally-owned *pgxpool.Pool injected via New, idempotent
// CREATE TABLE IF NOT EXISTS migrations run from Init, $N placeholders, and
// ON CONFLICT upserts.
package persistence

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the pool's connection string. Password is read from a
// mounted secret file first, falling back to an env var, matching the
// cache package's readRedisPassword convention.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	PoolMax  int32
}

// ConfigFromEnv builds a Config from DATABASE_HOST/DATABASE_PORT/
// DATABASE_NAME/DATABASE_USER and a postgres_password secret file or
// DATABASE_PASSWORD env var.
func ConfigFromEnv() Config {
	host := os.Getenv("DATABASE_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 5432
	if raw := os.Getenv("DATABASE_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	name := os.Getenv("DATABASE_NAME")
	if name == "" {
		name = "tokenbroker"
	}
	user := os.Getenv("DATABASE_USER")
	if user == "" {
		user = "tokenbroker"
	}
	return Config{
		Host:     host,
		Port:     port,
		Database: name,
		User:     user,
		Password: readDatabasePassword(),
		PoolMax:  20,
	}
}

func readDatabasePassword() string {
	if b, err := os.ReadFile("/run/secrets/postgres_password"); err == nil {
		return strings.TrimSpace(string(b))
	}
	return os.Getenv("DATABASE_PASSWORD")
}

func (c Config) connString() string {
	max := c.PoolMax
	if max <= 0 {
		max = 20
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Database, max)
}

// sanitizedAddr is safe to log: no credentials.
func (c Config) sanitizedAddr() string {
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}

// DB wraps a pgxpool.Pool with the repositories built on top of it.
type DB struct {
	pool *pgxpool.Pool

	Users      *UserRepo
	Threads    *ThreadRepo
	Messages   *MessageRepo
	Files      *FileRepo
	ToolCalls  *ToolCallRepo
	Payments   *PaymentRepo
}

// Open creates a pool for cfg and wires the repositories around it. The
// caller owns the returned DB and must call Close.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	pool, err := pgxpool.New(ctx, cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("persistence: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping %s: %w", cfg.sanitizedAddr(), err)
	}
	db := &DB{pool: pool}
	db.Users = &UserRepo{pool: pool}
	db.Threads = &ThreadRepo{pool: pool}
	db.Messages = &MessageRepo{pool: pool}
	db.Files = &FileRepo{pool: pool}
	db.ToolCalls = &ToolCallRepo{pool: pool}
	db.Payments = &PaymentRepo{pool: pool}
	return db, nil
}

// Close releases the pool. Safe to call once after Open succeeds.
func (db *DB) Close() {
	db.pool.Close()
}

// Pool exposes the underlying pool for the sink and any cross-repository
// transactions (e.g. ChargeUser's balance+ledger atomic update).
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}
