package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	sqlCreateSeen = `
        CREATE TABLE IF NOT EXISTS relay_seen_messages (
            key TEXT PRIMARY KEY,
            first_seen TIMESTAMPTZ NOT NULL
        );
    `
	sqlMarkSeen = `
        INSERT INTO relay_seen_messages (key, first_seen)
        VALUES ($1, $2)
        ON CONFLICT (key) DO NOTHING;
    `
	sqlPruneSeen = `
        DELETE FROM relay_seen_messages WHERE first_seen < $1;
    `
)

// SeenStore is a PostgreSQL ledger of message keys that were already relayed.
// It lets deduplication survive restarts and be shared between replicas.
type SeenStore struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// Open connects to url and returns a store that owns the pool.
func Open(ctx context.Context, url string, connectTimeout time.Duration, logger *zap.Logger) (*SeenStore, error) {
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*SeenStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SeenStore{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the ledger table if it does not exist.
func (s *SeenStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateSeen); err != nil {
		return fmt.Errorf("failed to create seen-messages table: %w", err)
	}
	return nil
}

// MarkSeen records key and reports whether this is its first sighting.
func (s *SeenStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlMarkSeen, key, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record message key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Prune forgets keys first seen more than olderThan ago.
func (s *SeenStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UTC()
	tag, err := s.pool.Exec(ctx, sqlPruneSeen, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune message keys: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Debug("Pruned seen message keys.", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (s *SeenStore) Close() {
	s.pool.Close()
}
