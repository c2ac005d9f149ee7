// Package sqlite is the single-node PeerStore backed by a pure-Go SQLite
// driver. WAL mode keeps admin reads from blocking the sync writer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/metrics"
)

var _ domain.PeerStore = (*DB)(nil)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database file at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	metrics.DBConnections.WithLabelValues("success").Inc()
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	metrics.DBConnections.WithLabelValues("closed").Inc()
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			id                 TEXT PRIMARY KEY,
			address            TEXT NOT NULL DEFAULT '',
			pubkey_fingerprint TEXT NOT NULL DEFAULT '',
			registered_at      INTEGER NOT NULL,
			last_heartbeat     INTEGER NOT NULL,
			heartbeat_count    INTEGER NOT NULL DEFAULT 0,
			previous_ids       TEXT NOT NULL DEFAULT '[]',
			id_changed_at      INTEGER,
			is_deleted         BOOLEAN NOT NULL DEFAULT 0,
			deleted_at         INTEGER,
			is_banned          BOOLEAN NOT NULL DEFAULT 0,
			banned_at          INTEGER,
			banned_by          TEXT NOT NULL DEFAULT '',
			ban_reason         TEXT NOT NULL DEFAULT '',
			updated_at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_banned ON peers(is_banned)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_address ON peers(address)`,
		`CREATE TABLE IF NOT EXISTS runtime_config (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id       TEXT PRIMARY KEY,
			at       INTEGER NOT NULL,
			actor    TEXT NOT NULL DEFAULT '',
			action   TEXT NOT NULL,
			peer_id  TEXT NOT NULL DEFAULT '',
			detail   TEXT NOT NULL DEFAULT '',
			instance TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at)`,
	}
	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

/* ------------------------------------------------------------------ *
|  Peers                                                              |
* -------------------------------------------------------------------*/

// History columns only move forward, as in the Postgres statement.
const upsertPeer = `
	INSERT INTO peers (id, address, pubkey_fingerprint, registered_at, last_heartbeat,
	                   heartbeat_count, previous_ids, id_changed_at, is_deleted, deleted_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		address            = excluded.address,
		pubkey_fingerprint = excluded.pubkey_fingerprint,
		registered_at      = MIN(peers.registered_at, excluded.registered_at),
		last_heartbeat     = MAX(peers.last_heartbeat, excluded.last_heartbeat),
		heartbeat_count    = MAX(peers.heartbeat_count, excluded.heartbeat_count),
		previous_ids       = CASE
			WHEN json_array_length(excluded.previous_ids) >= json_array_length(peers.previous_ids)
			THEN excluded.previous_ids ELSE peers.previous_ids END,
		id_changed_at      = COALESCE(excluded.id_changed_at, peers.id_changed_at),
		is_deleted         = excluded.is_deleted,
		deleted_at         = excluded.deleted_at,
		updated_at         = excluded.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// LoadPeers returns every stored peer, deleted ones included.
func (d *DB) LoadPeers(ctx context.Context) ([]domain.Peer, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, address, pubkey_fingerprint, registered_at, last_heartbeat,
		       heartbeat_count, previous_ids, id_changed_at, is_deleted, deleted_at,
		       is_banned, banned_at, banned_by, ban_reason
		FROM peers`)
	if err != nil {
		return nil, fail("load_peers", err)
	}
	defer rows.Close()

	var peers []domain.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fail("load_peers", err)
		}
		peers = append(peers, p)
	}
	return peers, fail("load_peers", rows.Err())
}

func scanPeer(s scanner) (domain.Peer, error) {
	var (
		p                         domain.Peer
		registered, last          int64
		count                     int64
		prevJSON                  string
		changedAt, deletedAt, bAt sql.NullInt64
		isBanned                  bool
		bannedBy, reason          string
	)
	err := s.Scan(&p.ID, &p.Address, &p.PubkeyFingerprint, &registered, &last,
		&count, &prevJSON, &changedAt, &p.IsDeleted, &deletedAt,
		&isBanned, &bAt, &bannedBy, &reason)
	if err != nil {
		return domain.Peer{}, err
	}
	p.RegisteredAt = fromNanos(registered)
	p.LastHeartbeat = fromNanos(last)
	p.HeartbeatCount = uint64(count)
	p.IDChangedAt = fromNull(changedAt)
	p.DeletedAt = fromNull(deletedAt)
	if err := json.Unmarshal([]byte(prevJSON), &p.PreviousIDs); err != nil {
		return domain.Peer{}, fmt.Errorf("previous_ids of %s: %w", p.ID, err)
	}
	if len(p.PreviousIDs) == 0 {
		p.PreviousIDs = nil
	}
	if isBanned {
		rec := domain.BanRecord{BannedBy: bannedBy, Reason: reason}
		if t := fromNull(bAt); t != nil {
			rec.BannedAt = *t
		}
		p.Ban = &rec
	}
	return p, nil
}

func upsertArgs(p domain.Peer, now time.Time) ([]any, error) {
	prev := p.PreviousIDs
	if prev == nil {
		prev = []string{}
	}
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, err
	}
	return []any{p.ID, p.Address, p.PubkeyFingerprint, toNanos(p.RegisteredAt), toNanos(p.LastHeartbeat),
		int64(p.HeartbeatCount), string(prevJSON), toNull(p.IDChangedAt), p.IsDeleted, toNull(p.DeletedAt),
		toNanos(now)}, nil
}

// UpsertPeers writes peers in transactions of constants.SyncBatchSize rows.
func (d *DB) UpsertPeers(ctx context.Context, peers []domain.Peer) error {
	now := time.Now()
	for start := 0; start < len(peers); start += constants.SyncBatchSize {
		end := min(start+constants.SyncBatchSize, len(peers))
		err := d.inTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, upsertPeer)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, p := range peers[start:end] {
				args, err := upsertArgs(p, now)
				if err != nil {
					return err
				}
				if _, err := stmt.ExecContext(ctx, args...); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fail("upsert_peers", err)
		}
	}
	metrics.DBOperations.WithLabelValues("upsert_peers").Inc()
	return nil
}

// SetBan stores peer.Ban, inserting the peer row if needed.
func (d *DB) SetBan(ctx context.Context, peer domain.Peer) error {
	if peer.Ban == nil {
		return d.ClearBan(ctx, peer.ID)
	}
	args, err := upsertArgs(peer, time.Now())
	if err != nil {
		return fail("set_ban", err)
	}
	return fail("set_ban", d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO peers (id, address, pubkey_fingerprint, registered_at, last_heartbeat,
			                   heartbeat_count, previous_ids, id_changed_at, is_deleted, deleted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`, args...); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE peers SET is_banned = 1, banned_at = ?, banned_by = ?, ban_reason = ?, updated_at = ? WHERE id = ?`,
			toNanos(peer.Ban.BannedAt), peer.Ban.BannedBy, peer.Ban.Reason, toNanos(time.Now()), peer.ID)
		return err
	}))
}

// ClearBan clears every ban column of id in one statement.
func (d *DB) ClearBan(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE peers SET is_banned = 0, banned_at = NULL, banned_by = '', ban_reason = '', updated_at = ? WHERE id = ?`,
		toNanos(time.Now()), id)
	return fail("clear_ban", err)
}

// ListBans returns the ban record of every banned peer.
func (d *DB) ListBans(ctx context.Context) (map[string]domain.BanRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, banned_at, banned_by, ban_reason FROM peers WHERE is_banned = 1`)
	if err != nil {
		return nil, fail("list_bans", err)
	}
	defer rows.Close()

	bans := make(map[string]domain.BanRecord)
	for rows.Next() {
		var (
			id  string
			at  sql.NullInt64
			rec domain.BanRecord
		)
		if err := rows.Scan(&id, &at, &rec.BannedBy, &rec.Reason); err != nil {
			return nil, fail("list_bans", err)
		}
		if t := fromNull(at); t != nil {
			rec.BannedAt = *t
		}
		bans[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fail("list_bans", err)
	}
	return bans, nil
}

// SoftDelete persists the deleted peer.
func (d *DB) SoftDelete(ctx context.Context, peer domain.Peer) error {
	args, err := upsertArgs(peer, time.Now())
	if err != nil {
		return fail("soft_delete", err)
	}
	_, err = d.db.ExecContext(ctx, upsertPeer, args...)
	return fail("soft_delete", err)
}

// ChangeID renames the row and appends oldID to its history.
func (d *DB) ChangeID(ctx context.Context, oldID, newID string, at time.Time) error {
	var taken bool
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers WHERE id = ?`, newID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			taken = true
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE peers SET id = ?, previous_ids = json_insert(previous_ids, '$[#]', ?),
			                 id_changed_at = ?, updated_at = ?
			WHERE id = ?`, newID, oldID, toNanos(at), toNanos(time.Now()), oldID)
		return err
	})
	if err != nil {
		return fail("change_id", err)
	}
	if taken {
		return domain.ErrIDTaken
	}
	return nil
}

/* ------------------------------------------------------------------ *
|  Runtime config & audit                                             |
* -------------------------------------------------------------------*/

// LoadRuntimeConfig returns the stored runtime config rows.
func (d *DB) LoadRuntimeConfig(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, value FROM runtime_config`)
	if err != nil {
		return nil, fail("load_config", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fail("load_config", err)
		}
		kv[k] = v
	}
	return kv, fail("load_config", rows.Err())
}

// SaveRuntimeConfig upserts every key in one transaction.
func (d *DB) SaveRuntimeConfig(ctx context.Context, kv map[string]string) error {
	now := toNanos(time.Now())
	return fail("save_config", d.inTx(ctx, func(tx *sql.Tx) error {
		for k, v := range kv {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO runtime_config (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, v, now); err != nil {
				return err
			}
		}
		return nil
	}))
}

// AppendAudit inserts audit rows.
func (d *DB) AppendAudit(ctx context.Context, entries ...domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return fail("append_audit", d.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO audit_log (id, at, actor, action, peer_id, detail, instance) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.ID, toNanos(e.At), e.Actor, e.Action, e.PeerID, e.Detail, e.Instance); err != nil {
				return err
			}
		}
		return nil
	}))
}

// ListAudit returns the newest entries first.
func (d *DB) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, at, actor, action, peer_id, detail, instance FROM audit_log ORDER BY at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fail("list_audit", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e  domain.AuditEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &e.PeerID, &e.Detail, &e.Instance); err != nil {
			return nil, fail("list_audit", err)
		}
		e.At = fromNanos(at)
		out = append(out, e)
	}
	return out, fail("list_audit", rows.Err())
}

/* ------------------------------------------------------------------ *
|  Helpers                                                            |
* -------------------------------------------------------------------*/

func (d *DB) inTx(ctx context.Context, f func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// fail wraps err as StoreUnavailable and counts it. nil stays nil.
func fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrIDTaken) {
		return err
	}
	metrics.DBErrors.WithLabelValues(op).Inc()
	return domain.Unavailable(op, err)
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
