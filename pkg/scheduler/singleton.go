package scheduler

import (
	"context"
	"crypto/md5"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketlens/core/pkg/logger"
)

// SingletonGuard enforces a single scheduler instance per database using
// a PostgreSQL advisory lock. The lock is session-scoped, so the guard
// pins one pool connection for the lifetime of the process; if the
// process dies the session closes and the lock frees itself.
type SingletonGuard struct {
	pool   *pgxpool.Pool
	name   string
	conn   *pgxpool.Conn
	logger *logger.Logger
}

// NewSingletonGuard creates a guard for the named lock.
func NewSingletonGuard(pool *pgxpool.Pool, name string) *SingletonGuard {
	return &SingletonGuard{
		pool:   pool,
		name:   name,
		logger: logger.New("singleton-guard"),
	}
}

// generateLockID creates a consistent numeric lock ID from the guard
// name. PostgreSQL advisory locks require int64 keys.
func generateLockID(name string) int64 {
	hash := md5.Sum([]byte(name))

	lockID := int64(0)
	for i := 0; i < 8; i++ {
		lockID = lockID<<8 + int64(hash[i])
	}
	if lockID < 0 {
		lockID = -lockID
	}
	return lockID
}

// Acquire attempts to take the lock without blocking. Returns false when
// another instance already holds it.
func (g *SingletonGuard) Acquire(ctx context.Context) (bool, error) {
	lockID := generateLockID(g.name)

	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for lock %s: %w", g.name, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		g.logger.Error().
			Err(err).
			Str("lock_name", g.name).
			Int64("lock_id", lockID).
			Str("action", "acquire_lock_failed").
			Msg("Failed to acquire advisory lock")
		return false, fmt.Errorf("failed to acquire lock %s: %w", g.name, err)
	}

	if !acquired {
		conn.Release()
		g.logger.Warn().
			Str("lock_name", g.name).
			Int64("lock_id", lockID).
			Str("action", "lock_already_held").
			Msg("Lock already held by another instance")
		return false, nil
	}

	g.conn = conn
	g.logger.Info().
		Str("lock_name", g.name).
		Int64("lock_id", lockID).
		Str("action", "lock_acquired").
		Msg("Acquired advisory lock")
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool. Safe to
// call when the lock was never acquired.
func (g *SingletonGuard) Release(ctx context.Context) error {
	if g.conn == nil {
		return nil
	}
	lockID := generateLockID(g.name)

	var released bool
	err := g.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", lockID).Scan(&released)
	g.conn.Release()
	g.conn = nil

	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", g.name, err)
	}
	if !released {
		g.logger.Warn().
			Str("lock_name", g.name).
			Int64("lock_id", lockID).
			Str("action", "lock_not_held").
			Msg("Attempted to release lock that was not held")
	} else {
		g.logger.Info().
			Str("lock_name", g.name).
			Int64("lock_id", lockID).
			Str("action", "lock_released").
			Msg("Released advisory lock")
	}
	return nil
}
