package domain

import (
	"time"
)

// HealthState is the derived liveness classification of a peer.
// States are ordered: a larger value is further along toward Offline.
type HealthState int

const (
	HealthOnline HealthState = iota
	HealthDegraded
	HealthCritical
	HealthOffline
)

var healthStateNames = [...]string{"online", "degraded", "critical", "offline"}

// String returns the lower-case name used in logs, metrics and JSON.
func (h HealthState) String() string {
	if h < HealthOnline || h > HealthOffline {
		return "unknown"
	}
	return healthStateNames[h]
}

// MarshalText lets HealthState appear as a string in JSON bodies.
func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// AllHealthStates lists every state in forward order.
func AllHealthStates() []HealthState {
	return []HealthState{HealthOnline, HealthDegraded, HealthCritical, HealthOffline}
}

// BanRecord holds the ban fields of a peer. A peer is banned exactly when it
// has a non-nil record, so the fields are always set and cleared together.
type BanRecord struct {
	BannedAt time.Time `json:"banned_at"`
	BannedBy string    `json:"banned_by"`
	Reason   string    `json:"ban_reason"`
}

// Peer is the persistent record of one registered endpoint.
type Peer struct {
	ID                string     `json:"id"`
	Address           string     `json:"address"`
	PubkeyFingerprint string     `json:"pubkey_fingerprint"`
	RegisteredAt      time.Time  `json:"registered_at"`
	LastHeartbeat     time.Time  `json:"last_heartbeat"`
	HeartbeatCount    uint64     `json:"heartbeat_count"`
	Ban               *BanRecord `json:"ban,omitempty"`
	PreviousIDs       []string   `json:"previous_ids,omitempty"`
	IDChangedAt       *time.Time `json:"id_changed_at,omitempty"`
	IsDeleted         bool       `json:"is_deleted"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// IsBanned reports whether the record carries a ban.
func (p *Peer) IsBanned() bool {
	return p.Ban != nil
}

// Clone returns a deep copy that shares no mutable state with p.
func (p *Peer) Clone() Peer {
	c := *p
	if p.Ban != nil {
		b := *p.Ban
		c.Ban = &b
	}
	if p.PreviousIDs != nil {
		c.PreviousIDs = append([]string(nil), p.PreviousIDs...)
	}
	if p.IDChangedAt != nil {
		t := *p.IDChangedAt
		c.IDChangedAt = &t
	}
	if p.DeletedAt != nil {
		t := *p.DeletedAt
		c.DeletedAt = &t
	}
	return c
}

// PeerView is a point-in-time snapshot of a peer with its derived health.
type PeerView struct {
	Peer
	Health HealthState `json:"health_state"`
}
