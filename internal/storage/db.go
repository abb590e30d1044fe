package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// ErrNotConnected is returned by operations on a closed store.
var ErrNotConnected = errors.New("database is not connected")

// PostgresStore is the event store and whitelist provider backed by
// PostgreSQL.
type PostgresStore struct {
	Pool *pgxpool.Pool

	// Bloom holds every stored id; a negative test skips the duplicate lookup.
	Bloom      *bloom.BloomFilter
	bloomMu    sync.RWMutex
	bloomReady bool

	state   DBState
	stateMu sync.RWMutex
	now     func() time.Time
}

var _ domain.EventStore = (*PostgresStore)(nil)

// poolConfig sizes the pool from database.max_conns, or from the expected
// number of WebSocket connections when it is zero.
func poolConfig(dbURI string, maxConns, maxWSConnections int) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	var poolMax, poolMin int32
	var scaleType string
	switch {
	case maxConns > 0:
		poolMax, poolMin, scaleType = int32(maxConns), int32(max(1, maxConns/4)), "configured"
	case maxWSConnections <= 200:
		poolMax, poolMin, scaleType = constants.DBPoolSmallMaxConns, constants.DBPoolSmallMinConns, "small"
	case maxWSConnections <= 2000:
		poolMax, poolMin, scaleType = constants.DBPoolMediumMaxConns, constants.DBPoolMediumMinConns, "medium"
	default:
		poolMax, poolMin, scaleType = constants.DBPoolLargeMaxConns, constants.DBPoolLargeMinConns, "large"
	}

	config.MaxConns = poolMax
	config.MinConns = poolMin
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured",
		zap.String("scale_type", scaleType),
		zap.Int("max_ws_connections", maxWSConnections),
		zap.Int32("db_max_conns", poolMax),
		zap.Int32("db_min_conns", poolMin))
	return config, nil
}

// OpenPostgres connects with retries, applies the schema and loads the
// bloom filter.
func OpenPostgres(ctx context.Context, dbURI string, maxConns, maxWSConnections int) (*PostgresStore, error) {
	config, err := poolConfig(dbURI, maxConns, maxWSConnections)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{state: DBStateConnecting, now: time.Now}
	backoff := constants.DBRetryDelay * time.Second
	for attempt := 1; attempt <= constants.MaxDBRetries; attempt++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				s.Pool = pool
				break
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if s.Pool == nil {
		s.setState(DBStateClosed)
		return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", constants.MaxDBRetries, err)
	}

	s.setState(DBStateConnected)
	s.Bloom = bloom.NewWithEstimates(1_000_000, 0.01)
	logger.Info("DB connected", zap.Int32("db_max_connections", s.Pool.Stat().MaxConns()))

	if err := s.InitializeSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.RebuildBloomFilter(ctx); err != nil {
		logger.Warn("Bloom filter rebuild failed, duplicate checks will hit the database", zap.Error(err))
	}
	return s, nil
}

func (s *PostgresStore) setState(st DBState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// isConnected checks if the database is in a connected state
func (s *PostgresStore) isConnected() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state == DBStateConnected
}

// Close closes the database connection
func (s *PostgresStore) Close() {
	s.stateMu.Lock()
	if s.state == DBStateDisconnecting || s.state == DBStateClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = DBStateDisconnecting
	s.stateMu.Unlock()

	if s.Pool != nil {
		s.Pool.Close()
	}
	s.setState(DBStateClosed)
	logger.Debug("Database connection closed")
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	if !s.isConnected() {
		return ErrNotConnected
	}
	return s.Pool.Ping(ctx)
}

// RebuildBloomFilter loads every stored id into the bloom filter.
func (s *PostgresStore) RebuildBloomFilter(ctx context.Context) error {
	if !s.isConnected() {
		return ErrNotConnected
	}

	rows, err := s.Pool.Query(ctx, `SELECT id FROM events`)
	if err != nil {
		return fmt.Errorf("failed to fetch event IDs: %w", err)
	}
	defer rows.Close()

	s.bloomMu.Lock()
	defer s.bloomMu.Unlock()
	s.Bloom.ClearAll()
	s.bloomReady = false

	count := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan event ID: %w", err)
		}
		s.Bloom.AddString(id)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error scanning rows: %w", err)
	}

	s.bloomReady = true
	logger.Info("Bloom filter rebuilt", zap.Int("total_events", count))
	return nil
}

func (s *PostgresStore) maybeStored(id string) bool {
	s.bloomMu.RLock()
	defer s.bloomMu.RUnlock()
	return !s.bloomReady || s.Bloom.TestString(id)
}

func (s *PostgresStore) markStored(id string) {
	s.bloomMu.Lock()
	s.Bloom.AddString(id)
	s.bloomMu.Unlock()
}

// Stats returns database connection pool statistics
func (s *PostgresStore) Stats() DatabaseStats {
	if s.Pool == nil {
		return DatabaseStats{}
	}
	stat := s.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int `json:"open_connections"`
	InUse              int `json:"in_use"`
	Idle               int `json:"idle"`
	MaxOpenConnections int `json:"max_open_connections"`
}

// PoolUsage reports acquired and maximum pool connections.
func (s *PostgresStore) PoolUsage() (inUse, max int) {
	st := s.Stats()
	return st.InUse, st.MaxOpenConnections
}
