package domain

import (
	"context"
	"time"
)

// PeerStore is the durable backend behind the registry, the ban cache and the
// runtime config. Implementations return errors that match ErrStoreUnavailable
// when the backend cannot be reached.
type PeerStore interface {
	// LoadPeers returns every stored peer, deleted ones included.
	LoadPeers(ctx context.Context) ([]Peer, error)
	// UpsertPeers writes liveness and lifecycle fields. Ban columns are only
	// written on insert (as "not banned") and never overwritten here.
	UpsertPeers(ctx context.Context, peers []Peer) error

	// SetBan stores peer.Ban, inserting the peer row if it does not exist yet.
	SetBan(ctx context.Context, peer Peer) error
	ClearBan(ctx context.Context, id string) error
	ListBans(ctx context.Context) (map[string]BanRecord, error)

	// SoftDelete writes the peer's deleted state, inserting the row if the
	// peer was never synced.
	SoftDelete(ctx context.Context, peer Peer) error
	// ChangeID moves the stored row to newID and records oldID in its
	// history. A missing row is not an error. An existing row for newID
	// yields ErrIDTaken.
	ChangeID(ctx context.Context, oldID, newID string, at time.Time) error

	LoadRuntimeConfig(ctx context.Context) (map[string]string, error)
	SaveRuntimeConfig(ctx context.Context, kv map[string]string) error

	AppendAudit(ctx context.Context, entries ...AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Audit actions.
const (
	AuditBan             = "ban"
	AuditUnban           = "unban"
	AuditDelete          = "delete"
	AuditChangeID        = "change_id"
	AuditConfigUpdate    = "config_update"
	AuditAdmissionDenied = "admission_denied"
)

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	PeerID   string    `json:"peer_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Instance string    `json:"instance,omitempty"`
}
