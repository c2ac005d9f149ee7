// Package memory is a PeerStore kept entirely in process memory. It backs
// the "memory" database driver and lets tests take the store offline.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Shugur-Network/peergate/internal/domain"
)

var _ domain.PeerStore = (*Store)(nil)

var errOffline = errors.New("memory store offline")

// Store implements domain.PeerStore.
type Store struct {
	mu      sync.RWMutex
	peers   map[string]domain.Peer
	config  map[string]string
	audit   []domain.AuditEntry
	offline bool
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		peers:  make(map[string]domain.Peer),
		config: make(map[string]string),
	}
}

// SetUnavailable makes every subsequent call fail with ErrStoreUnavailable
// until it is called again with false.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	s.offline = down
	s.mu.Unlock()
}

func (s *Store) check(op string) error {
	if s.offline || s.closed {
		return domain.Unavailable(op, errOffline)
	}
	return nil
}

func (s *Store) LoadPeers(ctx context.Context) ([]domain.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("load_peers"); err != nil {
		return nil, err
	}
	out := make([]domain.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertPeers(ctx context.Context, peers []domain.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert_peers"); err != nil {
		return err
	}
	for _, p := range peers {
		s.upsertLocked(p)
	}
	return nil
}

// upsertLocked keeps the stored ban, whatever p carries, and never moves the
// history columns backward.
func (s *Store) upsertLocked(p domain.Peer) {
	next := p.Clone()
	next.Ban = nil
	if cur, ok := s.peers[p.ID]; ok {
		next.Ban = cur.Ban
		if !cur.RegisteredAt.IsZero() && cur.RegisteredAt.Before(next.RegisteredAt) {
			next.RegisteredAt = cur.RegisteredAt
		}
		if cur.LastHeartbeat.After(next.LastHeartbeat) {
			next.LastHeartbeat = cur.LastHeartbeat
		}
		next.HeartbeatCount = max(next.HeartbeatCount, cur.HeartbeatCount)
		if len(cur.PreviousIDs) > len(next.PreviousIDs) {
			next.PreviousIDs = cur.PreviousIDs
		}
		if next.IDChangedAt == nil {
			next.IDChangedAt = cur.IDChangedAt
		}
	}
	s.peers[p.ID] = next
}

func (s *Store) SetBan(ctx context.Context, peer domain.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set_ban"); err != nil {
		return err
	}
	cur, ok := s.peers[peer.ID]
	if !ok {
		cur = peer.Clone()
	}
	if peer.Ban != nil {
		b := *peer.Ban
		cur.Ban = &b
	} else {
		cur.Ban = nil
	}
	s.peers[peer.ID] = cur
	return nil
}

func (s *Store) ClearBan(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("clear_ban"); err != nil {
		return err
	}
	if cur, ok := s.peers[id]; ok {
		cur.Ban = nil
		s.peers[id] = cur
	}
	return nil
}

func (s *Store) ListBans(ctx context.Context) (map[string]domain.BanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list_bans"); err != nil {
		return nil, err
	}
	out := make(map[string]domain.BanRecord)
	for id, p := range s.peers {
		if p.Ban != nil {
			out[id] = *p.Ban
		}
	}
	return out, nil
}

func (s *Store) SoftDelete(ctx context.Context, peer domain.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("soft_delete"); err != nil {
		return err
	}
	s.upsertLocked(peer)
	return nil
}

func (s *Store) ChangeID(ctx context.Context, oldID, newID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("change_id"); err != nil {
		return err
	}
	if _, taken := s.peers[newID]; taken {
		return domain.ErrIDTaken
	}
	cur, ok := s.peers[oldID]
	if !ok {
		return nil
	}
	delete(s.peers, oldID)
	cur.ID = newID
	cur.PreviousIDs = append(append([]string(nil), cur.PreviousIDs...), oldID)
	cur.IDChangedAt = &at
	s.peers[newID] = cur
	return nil
}

func (s *Store) LoadRuntimeConfig(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("load_config"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(s.config))
	for k, v := range s.config {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SaveRuntimeConfig(ctx context.Context, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("save_config"); err != nil {
		return err
	}
	for k, v := range kv {
		s.config[k] = v
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, entries ...domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("append_audit"); err != nil {
		return err
	}
	s.audit = append(s.audit, entries...)
	return nil
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list_audit"); err != nil {
		return nil, err
	}
	limit = max(0, min(limit, len(s.audit)))
	out := make([]domain.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check("ping")
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
