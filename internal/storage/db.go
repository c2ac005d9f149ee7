package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

// DB is the CockroachDB/PostgreSQL peer store.
type DB struct {
	Pool         *pgxpool.Pool
	state        DBState
	stateMu      sync.RWMutex
	errors       chan error
	errorCount   int32
	errorCountMu sync.RWMutex
}

// createPool sizes the pool. maxConns == 0 picks a size from the expected
// number of peers.
func createPool(ctx context.Context, dbURI string, maxConns, expectedPeers int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	var maxC, minC int32
	var scaleType string
	switch {
	case maxConns > 0:
		maxC, minC, scaleType = int32(maxConns), int32(max(1, maxConns/4)), "configured"
	case expectedPeers <= 10_000:
		maxC, minC, scaleType = constants.DBPoolSmallMaxConns, constants.DBPoolSmallMinConns, "small"
	case expectedPeers <= 100_000:
		maxC, minC, scaleType = constants.DBPoolMediumMaxConns, constants.DBPoolMediumMinConns, "medium"
	default:
		maxC, minC, scaleType = constants.DBPoolLargeMaxConns, constants.DBPoolLargeMinConns, "large"
	}

	config.MaxConns = maxC
	config.MinConns = minC
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	config.HealthCheckPeriod = 30 * time.Second

	logger.Info("Database connection pool configured",
		zap.String("scale_type", scaleType),
		zap.Int32("db_max_conns", maxC),
		zap.Int32("db_min_conns", minC))

	return pgxpool.NewWithConfig(ctx, config)
}

// InitDB connects with exponential backoff and creates the schema.
func InitDB(ctx context.Context, dbURI string, maxConns int) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := constants.DBRetryDelay
	attempts := 0

	db := &DB{
		state:  DBStateConnecting,
		errors: make(chan error, 100),
	}

	for i := 0; i < constants.MaxDBRetries; i++ {
		attempts++
		pool, err = createPool(ctx, dbURI, maxConns, 0)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.setState(DBStateConnected)

				stat := pool.Stat()
				logger.Info("✅ DB Connected Successfully",
					zap.Int("attempts", attempts),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				metrics.DBConnections.WithLabelValues("success").Inc()

				if err := db.InitializeSchema(ctx); err != nil {
					_ = db.Close()
					return nil, err
				}
				return db, nil
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		metrics.DBConnections.WithLabelValues("failure").Inc()

		select {
		case <-ctx.Done():
			db.setState(DBStateClosed)
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	db.setState(DBStateClosed)
	metrics.DBErrors.WithLabelValues("connection_failed").Inc()
	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", attempts, err)
}

// Close closes the pool. Safe to call more than once.
func (db *DB) Close() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool == nil {
		return fmt.Errorf("database pool is nil")
	}
	db.Pool.Close()
	db.setState(DBStateClosed)
	logger.Debug("Database connection closed")
	metrics.DBConnections.WithLabelValues("closed").Inc()
	return nil
}

// executeBatch runs batch inside a single transaction.
func (db *DB) executeBatch(ctx context.Context, batch *pgx.Batch) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		db.recordError(fmt.Errorf("failed to start transaction: %w", err))
		metrics.DBErrors.WithLabelValues("transaction_start_failed").Inc()
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		db.recordError(fmt.Errorf("batch execution failed: %w", err))
		metrics.DBErrors.WithLabelValues("batch_execution_failed").Inc()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		db.recordError(fmt.Errorf("transaction commit failed: %w", err))
		metrics.DBErrors.WithLabelValues("transaction_commit_failed").Inc()
		return err
	}

	metrics.DBOperations.WithLabelValues("batch_success").Inc()
	return nil
}

// executeCommand handles INSERT, UPDATE, DELETE commands and reports the
// number of affected rows.
func (db *DB) executeCommand(ctx context.Context, op, query string, args ...any) (int64, error) {
	if !db.isConnected() {
		return 0, fmt.Errorf("database is not connected")
	}

	logger.Debug("Executing command", zap.String("op", op))

	tag, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		db.recordError(fmt.Errorf("%s failed: %w", op, err))
		metrics.DBErrors.WithLabelValues(op).Inc()
		return 0, err
	}
	metrics.DBOperations.WithLabelValues(op).Inc()
	return tag.RowsAffected(), nil
}

func (db *DB) setState(s DBState) {
	db.stateMu.Lock()
	db.state = s
	db.stateMu.Unlock()
}

// isConnected checks if the database is in a connected state
func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// recordError records an error in the database service
func (db *DB) recordError(err error) {
	db.errorCountMu.Lock()
	db.errorCount++
	count := db.errorCount
	db.errorCountMu.Unlock()

	select {
	case db.errors <- err:
	default:
		logger.Error("Database error (channel full)",
			zap.Error(err),
			zap.Int32("error_count", count))
	}
}

// executeWithRetry retries f on statement timeouts, deadlocks and
// CockroachDB serialization restarts.
func (db *DB) executeWithRetry(ctx context.Context, f func(context.Context) error) error {
	retries := 3
	var lastErr error

	for i := 0; i < retries; i++ {
		err := f(ctx)
		if err == nil {
			return nil
		}

		msg := err.Error()
		if strings.Contains(msg, "statement timeout") ||
			strings.Contains(msg, "deadlock") ||
			strings.Contains(msg, "restart transaction") {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<i) * 100 * time.Millisecond):
			}
			continue
		}
		return err
	}

	return fmt.Errorf("operation failed after %d retries: %w", retries, lastErr)
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}

	stat := db.Pool.Stat()
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
