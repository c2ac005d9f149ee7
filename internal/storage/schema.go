package storage

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/Shugur-Network/peergate/internal/logger"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaDDL string

// requiredColumns lists, per table, the columns the queries in peers.go rely
// on. A table created by an older build fails verification instead of
// failing the first sync.
var requiredColumns = map[string][]string{
	"peers": {
		"id", "address", "pubkey_fingerprint", "registered_at", "last_heartbeat",
		"heartbeat_count", "previous_ids", "id_changed_at", "is_deleted", "deleted_at",
		"is_banned", "banned_at", "banned_by", "ban_reason",
	},
	"runtime_config": {"key", "value", "updated_at"},
	"audit_log":      {"id", "at", "actor", "action", "peer_id", "detail", "instance"},
}

// InitializeSchema applies the embedded DDL and verifies the result.
func (db *DB) InitializeSchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	if _, err := db.Pool.Exec(ctx, schemaDDL); err != nil {
		logger.Error("Failed to apply peer store schema", zap.Error(err))
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	logger.Info("✅ Peer store schema applied")
	return db.VerifySchema(ctx)
}

// VerifySchema checks that every table exists with the columns peergate
// reads and writes.
func (db *DB) VerifySchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	for table, want := range requiredColumns {
		rows, err := db.Pool.Query(ctx,
			`SELECT column_name FROM information_schema.columns
			 WHERE table_schema = current_schema() AND table_name = $1`, table)
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}
		have := make(map[string]bool)
		for rows.Next() {
			var col string
			if err := rows.Scan(&col); err != nil {
				rows.Close()
				return fmt.Errorf("failed to inspect table %s: %w", table, err)
			}
			have[col] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}

		if len(have) == 0 {
			return fmt.Errorf("required table %s does not exist", table)
		}
		for _, col := range want {
			if !have[col] {
				return fmt.Errorf("table %s is missing column %s", table, col)
			}
		}
		logger.Debug("✅ Table verified", zap.String("table", table), zap.Int("columns", len(have)))
	}
	return nil
}
