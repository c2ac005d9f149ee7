package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var _ domain.PeerStore = (*DB)(nil)

const uniqueViolation = "23505"

const selectPeers = `
	SELECT id, address, pubkey_fingerprint, registered_at, last_heartbeat,
	       heartbeat_count, previous_ids, id_changed_at, is_deleted, deleted_at,
	       is_banned, banned_at, banned_by, ban_reason
	FROM peers`

// Ban columns are never written by this statement. History columns only
// move forward: the counter never drops, previous_ids never shrinks and the
// earliest registration time is kept.
const upsertPeer = `
	INSERT INTO peers (id, address, pubkey_fingerprint, registered_at, last_heartbeat,
	                   heartbeat_count, previous_ids, id_changed_at, is_deleted, deleted_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	ON CONFLICT (id) DO UPDATE SET
		address            = excluded.address,
		pubkey_fingerprint = excluded.pubkey_fingerprint,
		registered_at      = LEAST(peers.registered_at, excluded.registered_at),
		last_heartbeat     = GREATEST(peers.last_heartbeat, excluded.last_heartbeat),
		heartbeat_count    = GREATEST(peers.heartbeat_count, excluded.heartbeat_count),
		previous_ids       = CASE
			WHEN COALESCE(array_length(excluded.previous_ids, 1), 0) >= COALESCE(array_length(peers.previous_ids, 1), 0)
			THEN excluded.previous_ids ELSE peers.previous_ids END,
		id_changed_at      = COALESCE(excluded.id_changed_at, peers.id_changed_at),
		is_deleted         = excluded.is_deleted,
		deleted_at         = excluded.deleted_at,
		updated_at         = now()`

// LoadPeers returns every stored peer, deleted ones included.
func (db *DB) LoadPeers(ctx context.Context) ([]domain.Peer, error) {
	if !db.isConnected() {
		return nil, domain.Unavailable("load_peers", fmt.Errorf("database is not connected"))
	}

	rows, err := db.Pool.Query(ctx, selectPeers)
	if err != nil {
		metrics.DBErrors.WithLabelValues("load_peers").Inc()
		return nil, domain.Unavailable("load_peers", err)
	}
	defer rows.Close()

	var peers []domain.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			logger.Warn("Row scan failed", zap.Error(err))
			continue
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("load_peers", err)
	}
	return peers, nil
}

func scanPeer(row pgx.Row) (domain.Peer, error) {
	var (
		p         domain.Peer
		count     int64
		prev      []string
		isBanned  bool
		bannedAt  *time.Time
		bannedBy  string
		banReason string
	)
	err := row.Scan(&p.ID, &p.Address, &p.PubkeyFingerprint, &p.RegisteredAt, &p.LastHeartbeat,
		&count, &prev, &p.IDChangedAt, &p.IsDeleted, &p.DeletedAt,
		&isBanned, &bannedAt, &bannedBy, &banReason)
	if err != nil {
		return domain.Peer{}, err
	}
	p.HeartbeatCount = uint64(count)
	if len(prev) > 0 {
		p.PreviousIDs = prev
	}
	if isBanned {
		rec := domain.BanRecord{BannedBy: bannedBy, Reason: banReason}
		if bannedAt != nil {
			rec.BannedAt = *bannedAt
		}
		p.Ban = &rec
	}
	return p, nil
}

func upsertArgs(p domain.Peer) []any {
	prev := p.PreviousIDs
	if prev == nil {
		prev = []string{}
	}
	return []any{p.ID, p.Address, p.PubkeyFingerprint, p.RegisteredAt, p.LastHeartbeat,
		int64(p.HeartbeatCount), prev, p.IDChangedAt, p.IsDeleted, p.DeletedAt}
}

// UpsertPeers writes peers in batches of constants.SyncBatchSize.
func (db *DB) UpsertPeers(ctx context.Context, peers []domain.Peer) error {
	for start := 0; start < len(peers); start += constants.SyncBatchSize {
		end := min(start+constants.SyncBatchSize, len(peers))
		batch := &pgx.Batch{}
		for _, p := range peers[start:end] {
			batch.Queue(upsertPeer, upsertArgs(p)...)
		}
		err := db.executeWithRetry(ctx, func(ctx context.Context) error {
			return db.executeBatch(ctx, batch)
		})
		if err != nil {
			return domain.Unavailable("upsert_peers", err)
		}
	}
	return nil
}

// SetBan stores peer.Ban, inserting the peer row if needed.
func (db *DB) SetBan(ctx context.Context, peer domain.Peer) error {
	if peer.Ban == nil {
		return db.ClearBan(ctx, peer.ID)
	}
	batch := &pgx.Batch{}
	batch.Queue(upsertPeerIfMissing, upsertArgs(peer)...)
	batch.Queue(`UPDATE peers SET is_banned = true, banned_at = $2, banned_by = $3, ban_reason = $4, updated_at = now()
		WHERE id = $1`, peer.ID, peer.Ban.BannedAt, peer.Ban.BannedBy, peer.Ban.Reason)
	return domain.Unavailable("set_ban", db.executeBatch(ctx, batch))
}

const upsertPeerIfMissing = `
	INSERT INTO peers (id, address, pubkey_fingerprint, registered_at, last_heartbeat,
	                   heartbeat_count, previous_ids, id_changed_at, is_deleted, deleted_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
	ON CONFLICT (id) DO NOTHING`

// ClearBan clears every ban column of id in one statement.
func (db *DB) ClearBan(ctx context.Context, id string) error {
	_, err := db.executeCommand(ctx, "clear_ban",
		`UPDATE peers SET is_banned = false, banned_at = NULL, banned_by = '', ban_reason = '', updated_at = now()
		WHERE id = $1`, id)
	return domain.Unavailable("clear_ban", err)
}

// ListBans returns the ban record of every banned peer.
func (db *DB) ListBans(ctx context.Context) (map[string]domain.BanRecord, error) {
	if !db.isConnected() {
		return nil, domain.Unavailable("list_bans", fmt.Errorf("database is not connected"))
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, banned_at, banned_by, ban_reason FROM peers WHERE is_banned = true`)
	if err != nil {
		metrics.DBErrors.WithLabelValues("list_bans").Inc()
		return nil, domain.Unavailable("list_bans", err)
	}
	defer rows.Close()

	bans := make(map[string]domain.BanRecord)
	for rows.Next() {
		var (
			id  string
			at  *time.Time
			rec domain.BanRecord
		)
		if err := rows.Scan(&id, &at, &rec.BannedBy, &rec.Reason); err != nil {
			return nil, domain.Unavailable("list_bans", err)
		}
		if at != nil {
			rec.BannedAt = *at
		}
		bans[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("list_bans", err)
	}
	return bans, nil
}

// SoftDelete persists the deleted peer.
func (db *DB) SoftDelete(ctx context.Context, peer domain.Peer) error {
	_, err := db.executeCommand(ctx, "soft_delete", upsertPeer, upsertArgs(peer)...)
	return domain.Unavailable("soft_delete", err)
}

// ChangeID renames the row and appends oldID to its history.
func (db *DB) ChangeID(ctx context.Context, oldID, newID string, at time.Time) error {
	_, err := db.executeCommand(ctx, "change_id",
		`UPDATE peers SET id = $2, previous_ids = array_append(previous_ids, $1), id_changed_at = $3, updated_at = now()
		WHERE id = $1`, oldID, newID, at)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrIDTaken
	}
	return domain.Unavailable("change_id", err)
}

// LoadRuntimeConfig returns the stored runtime config rows.
func (db *DB) LoadRuntimeConfig(ctx context.Context) (map[string]string, error) {
	if !db.isConnected() {
		return nil, domain.Unavailable("load_config", fmt.Errorf("database is not connected"))
	}
	rows, err := db.Pool.Query(ctx, `SELECT key, value FROM runtime_config`)
	if err != nil {
		return nil, domain.Unavailable("load_config", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, domain.Unavailable("load_config", err)
		}
		kv[k] = v
	}
	return kv, domain.Unavailable("load_config", rows.Err())
}

// SaveRuntimeConfig upserts every key in one transaction.
func (db *DB) SaveRuntimeConfig(ctx context.Context, kv map[string]string) error {
	batch := &pgx.Batch{}
	for k, v := range kv {
		batch.Queue(`INSERT INTO runtime_config (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()`, k, v)
	}
	return domain.Unavailable("save_config", db.executeBatch(ctx, batch))
}

// AppendAudit inserts audit rows.
func (db *DB) AppendAudit(ctx context.Context, entries ...domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO audit_log (id, at, actor, action, peer_id, detail, instance)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, e.ID, e.At, e.Actor, e.Action, e.PeerID, e.Detail, e.Instance)
	}
	return domain.Unavailable("append_audit", db.executeBatch(ctx, batch))
}

// ListAudit returns the newest entries first.
func (db *DB) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if !db.isConnected() {
		return nil, domain.Unavailable("list_audit", fmt.Errorf("database is not connected"))
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, at, actor, action, peer_id, detail, instance FROM audit_log ORDER BY at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, domain.Unavailable("list_audit", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &e.Action, &e.PeerID, &e.Detail, &e.Instance); err != nil {
			return nil, domain.Unavailable("list_audit", err)
		}
		out = append(out, e)
	}
	return out, domain.Unavailable("list_audit", rows.Err())
}
