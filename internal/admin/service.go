// Package admin implements the status and administration operations behind
// the /admin routes: listings, counts, runtime config, bans, deletes, id
// changes and the audit trail.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Shugur-Network/peergate/internal/ban"
	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/Shugur-Network/peergate/internal/settings"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Serializer runs fn while no store sync is in flight.
// *monitor.Monitor satisfies it.
type Serializer interface {
	Exclusive(fn func() error) error
}

type inline struct{}

func (inline) Exclusive(fn func() error) error { return fn() }

// PeerStatus is one row of the admin peer listing.
type PeerStatus struct {
	ID                string             `json:"id"`
	Address           string             `json:"address"`
	PubkeyFingerprint string             `json:"pubkey_fingerprint"`
	Health            domain.HealthState `json:"health_state"`
	IsBanned          bool               `json:"is_banned"`
	BannedAt          *time.Time         `json:"banned_at,omitempty"`
	BannedBy          string             `json:"banned_by,omitempty"`
	BanReason         string             `json:"ban_reason,omitempty"`
	RegisteredAt      time.Time          `json:"registered_at"`
	LastHeartbeat     time.Time          `json:"last_heartbeat"`
	HeartbeatCount    uint64             `json:"heartbeat_count"`
	PreviousIDs       []string           `json:"previous_ids"`
	IDChangedAt       *time.Time         `json:"id_changed_at,omitempty"`
}

// Stats are the aggregate counts over live peers.
type Stats struct {
	Total    int `json:"total"`
	Online   int `json:"online"`
	Degraded int `json:"degraded"`
	Critical int `json:"critical"`
	Offline  int `json:"offline"`
	Banned   int `json:"banned"`
}

// Service implements the admin operations.
type Service struct {
	reg      *registry.Registry
	bans     *ban.Service
	settings *settings.Store
	store    domain.PeerStore
	serial   Serializer
	instance string
	timeout  time.Duration
	log      *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSerializer makes deletes and id changes wait for running syncs.
func WithSerializer(s Serializer) Option {
	return func(svc *Service) { svc.serial = s }
}

// WithInstance stamps audit rows with the node identity.
func WithInstance(id string) Option {
	return func(svc *Service) { svc.instance = id }
}

// New builds the admin service.
func New(reg *registry.Registry, bans *ban.Service, st *settings.Store, store domain.PeerStore, opts ...Option) *Service {
	s := &Service{
		reg:      reg,
		bans:     bans,
		settings: st,
		store:    store,
		serial:   inline{},
		timeout:  constants.HealthCheckTimeout,
		log:      logger.New("admin"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) status(v domain.PeerView) PeerStatus {
	ps := PeerStatus{
		ID:                v.ID,
		Address:           v.Address,
		PubkeyFingerprint: v.PubkeyFingerprint,
		Health:            v.Health,
		RegisteredAt:      v.RegisteredAt,
		LastHeartbeat:     v.LastHeartbeat,
		HeartbeatCount:    v.HeartbeatCount,
		PreviousIDs:       v.PreviousIDs,
		IDChangedAt:       v.IDChangedAt,
	}
	if ps.PreviousIDs == nil {
		ps.PreviousIDs = []string{}
	}
	if rec, ok := s.bans.Lookup(v.ID); ok {
		at := rec.BannedAt
		ps.IsBanned = true
		ps.BannedAt = &at
		ps.BannedBy = rec.BannedBy
		ps.BanReason = rec.Reason
	}
	return ps
}

// ListPeers returns every live peer sorted by id.
func (s *Service) ListPeers() []PeerStatus {
	views := s.reg.List()
	out := make([]PeerStatus, 0, len(views))
	for _, v := range views {
		out = append(out, s.status(v))
	}
	return out
}

// Peer returns the status of one live peer.
func (s *Service) Peer(id string) (PeerStatus, error) {
	v, ok := s.reg.Get(id)
	if !ok {
		return PeerStatus{}, domain.ErrNotFound
	}
	return s.status(v), nil
}

// Stats counts live peers per health state and banned live peers.
func (s *Service) Stats() Stats {
	var st Stats
	for _, v := range s.reg.List() {
		st.Total++
		switch v.Health {
		case domain.HealthOnline:
			st.Online++
		case domain.HealthDegraded:
			st.Degraded++
		case domain.HealthCritical:
			st.Critical++
		case domain.HealthOffline:
			st.Offline++
		}
		if s.bans.IsBanned(v.ID) {
			st.Banned++
		}
	}
	return st
}

// GetConfig returns the current runtime config.
func (s *Service) GetConfig() domain.RuntimeConfig {
	return s.settings.Current()
}

// UpdateConfig merges, validates, persists and publishes patch.
func (s *Service) UpdateConfig(ctx context.Context, patch domain.RuntimeConfigPatch, actor string) (domain.RuntimeConfig, error) {
	if patch.Empty() {
		return s.settings.Current(), nil
	}
	prev := s.settings.Current()
	next, err := s.settings.Update(ctx, patch, s.store)
	if err != nil {
		return next, err
	}
	s.record(ctx, actor, domain.AuditConfigUpdate, "", configDiff(prev, next))
	return next, nil
}

// Ban bans a live peer.
func (s *Service) Ban(ctx context.Context, id, reason, actor string) (PeerStatus, error) {
	reason = strings.TrimSpace(reason)
	if _, err := s.bans.Ban(ctx, id, reason, actor); err != nil {
		return PeerStatus{}, err
	}
	s.record(ctx, actor, domain.AuditBan, id, reason)
	return s.Peer(id)
}

// Unban clears a ban. Unbanning a peer that is not banned succeeds.
func (s *Service) Unban(ctx context.Context, id, actor string) error {
	_, wasBanned := s.bans.Lookup(id)
	if err := s.bans.Unban(ctx, id, actor); err != nil {
		return err
	}
	if wasBanned {
		s.record(ctx, actor, domain.AuditUnban, id, "")
	}
	return nil
}

// SoftDelete marks a peer deleted in the store and the registry. The ban, if
// any, stays attached to the id.
func (s *Service) SoftDelete(ctx context.Context, id, actor string) error {
	err := s.serial.Exclusive(func() error {
		v, ok := s.reg.Get(id)
		if !ok {
			return domain.ErrNotFound
		}
		now := s.reg.Now()
		deleted := v.Peer.Clone()
		deleted.Ban = nil
		deleted.IsDeleted = true
		deleted.DeletedAt = &now
		if err := s.store.SoftDelete(ctx, deleted); err != nil {
			return err
		}
		_, err := s.reg.SoftDelete(id)
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, domain.AuditDelete, id, "")
	return nil
}

// ChangeID renames a live peer. newID must not be used by any peer, deleted
// ones included.
func (s *Service) ChangeID(ctx context.Context, oldID, newID, actor string) (PeerStatus, error) {
	err := s.serial.Exclusive(func() error {
		release, err := s.reg.ReserveID(oldID, newID)
		if err != nil {
			return err
		}
		defer release()
		if err := s.store.ChangeID(ctx, oldID, newID, s.reg.Now()); err != nil {
			return err
		}
		if _, err := s.reg.ChangeID(oldID, newID); err != nil {
			s.revertStoreRename(ctx, oldID, newID, err)
			return err
		}
		s.bans.Rename(oldID, newID)
		return nil
	})
	if err != nil {
		return PeerStatus{}, err
	}
	s.record(ctx, actor, domain.AuditChangeID, newID, "previous_id="+oldID)
	return s.Peer(newID)
}

// revertStoreRename puts the stored row back under oldID after the registry
// refused the rename, so the store and the registry agree again.
func (s *Service) revertStoreRename(ctx context.Context, oldID, newID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.ChangeID(ctx, newID, oldID, s.reg.Now()); err != nil {
		s.log.Error("stored peer left under new id after failed rename",
			zap.String("old_id", oldID),
			zap.String("new_id", newID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// Audit returns the newest audit entries. limit is clamped to
// [1, MaxAuditLimit]; zero means the default.
func (s *Service) Audit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	switch {
	case limit <= 0:
		limit = constants.DefaultAuditLimit
	case limit > constants.MaxAuditLimit:
		limit = constants.MaxAuditLimit
	}
	return s.store.ListAudit(ctx, limit)
}

// record writes an audit row. The action already happened, so a failure is
// logged rather than returned.
func (s *Service) record(ctx context.Context, actor, action, peerID, detail string) {
	entry := domain.AuditEntry{
		ID:       uuid.NewString(),
		At:       time.Now().UTC(),
		Actor:    actor,
		Action:   action,
		PeerID:   peerID,
		Detail:   detail,
		Instance: s.instance,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn("failed to write audit entry",
			zap.String("action", action),
			zap.String("peer_id", peerID),
			zap.Error(err))
		return
	}
	s.log.Info("admin action",
		zap.String("action", action),
		zap.String("actor", actor),
		zap.String("peer_id", peerID))
}

func configDiff(prev, next domain.RuntimeConfig) string {
	before, after := prev.KeyValues(), next.KeyValues()
	var parts []string
	for _, key := range []string{
		domain.KeyPeerTimeoutSecs,
		domain.KeyHeartbeatIntervalSecs,
		domain.KeyWarningThreshold,
		domain.KeyCriticalThreshold,
		domain.KeyDBSyncIntervalSecs,
	} {
		if before[key] != after[key] {
			parts = append(parts, fmt.Sprintf("%s:%s->%s", key, before[key], after[key]))
		}
	}
	return strings.Join(parts, " ")
}
