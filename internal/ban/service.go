// Package ban owns ban state. Checks are served from memory; mutations go to
// the peer store first and then to the cache, so a successful Ban or Unban is
// visible to the very next IsBanned call.
//
// Fail-open: when a periodic refresh cannot reach the store, the service keeps
// serving the last-known set and logs a warning instead of rejecting traffic.
// Availability is preferred over perfect enforcement; bans issued elsewhere
// become visible once the store is reachable again.
package ban

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// PeerLookup resolves live peers. *registry.Registry satisfies it.
type PeerLookup interface {
	Get(id string) (domain.PeerView, bool)
}

// Store is the subset of domain.PeerStore the service uses.
type Store interface {
	SetBan(ctx context.Context, peer domain.Peer) error
	ClearBan(ctx context.Context, id string) error
	ListBans(ctx context.Context) (map[string]domain.BanRecord, error)
}

// Config sizes the cache and its refresh loop.
type Config struct {
	RefreshInterval time.Duration
	StoreTimeout    time.Duration
	BloomCapacity   uint
	BloomFPRate     float64
}

// Status describes cache freshness for /health.
type Status struct {
	Size         int       `json:"size"`
	LastRefresh  time.Time `json:"last_refresh"`
	LastError    string    `json:"last_error,omitempty"`
	Failures     int       `json:"consecutive_failures"`
	Degraded     bool      `json:"degraded"`
	FromSnapshot bool      `json:"from_snapshot"`
}

// Service is the ban cache.
type Service struct {
	cfg      Config
	store    Store
	peers    PeerLookup
	snapshot *Snapshot
	now      func() time.Time
	log      *zap.Logger

	mu      sync.RWMutex
	bans    map[string]domain.BanRecord
	filter  *bloom.BloomFilter
	seq     uint64
	touched map[string]uint64 // id -> seq of the last local mutation

	statusMu     sync.RWMutex
	lastRefresh  time.Time
	lastErr      error
	failures     int
	fromSnapshot bool
}

// Option configures a Service.
type Option func(*Service)

// WithSnapshot persists the ban set locally after every change.
func WithSnapshot(s *Snapshot) Option {
	return func(svc *Service) { svc.snapshot = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

// New returns an empty cache. Call Start to load it.
func New(cfg Config, store Store, peers PeerLookup, opts ...Option) *Service {
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = 100_000
	}
	if cfg.BloomFPRate <= 0 || cfg.BloomFPRate >= 1 {
		cfg.BloomFPRate = 0.01
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		peers:   peers,
		now:     time.Now,
		log:     logger.New("ban"),
		bans:    make(map[string]domain.BanRecord),
		filter:  bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFPRate),
		touched: make(map[string]uint64),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StalenessBound is the longest a ban written by another instance can go
// unnoticed while the store is reachable.
func (s *Service) StalenessBound() time.Duration {
	return s.cfg.RefreshInterval + s.cfg.StoreTimeout
}

/* ------------------------------------------------------------------ *
|  Hot path                                                           |
* -------------------------------------------------------------------*/

// IsBanned is an in-memory check; it never touches the store.
func (s *Service) IsBanned(id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.filter.TestString(id) {
		return false
	}
	_, ok := s.bans[id]
	return ok
}

// Lookup returns the ban record of id.
func (s *Service) Lookup(id string) (domain.BanRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.bans[id]
	return rec, ok
}

// List returns a copy of the ban set.
func (s *Service) List() map[string]domain.BanRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.BanRecord, len(s.bans))
	for id, rec := range s.bans {
		out[id] = rec
	}
	return out
}

// Count is the size of the ban set.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bans)
}

/* ------------------------------------------------------------------ *
|  Mutations                                                          |
* -------------------------------------------------------------------*/

// Ban records a ban for a live peer. On a store error the cache is left
// untouched and the error matches domain.ErrStoreUnavailable.
func (s *Service) Ban(ctx context.Context, id, reason, actor string) (domain.BanRecord, error) {
	view, ok := s.peers.Get(id)
	if !ok {
		return domain.BanRecord{}, domain.ErrNotFound
	}
	rec := domain.BanRecord{BannedAt: s.now().UTC(), BannedBy: actor, Reason: reason}
	peer := view.Peer.Clone()
	peer.Ban = &rec

	if err := s.store.SetBan(ctx, peer); err != nil {
		s.log.Warn("ban not applied, store write failed", zap.String("peer_id", id), zap.Error(err))
		return domain.BanRecord{}, err
	}

	s.mu.Lock()
	s.bans[id] = rec
	s.filter.AddString(id)
	s.markLocked(id)
	size := len(s.bans)
	s.mu.Unlock()

	metrics.BannedPeers.Set(float64(size))
	s.log.Info("peer banned", zap.String("peer_id", id), zap.String("by", actor), zap.String("reason", reason))
	s.persistOne(id, &rec)
	return rec, nil
}

// Unban clears the ban. Unbanning a registered peer that is not banned is a
// no-op; an id that is neither registered nor banned is NotFound.
func (s *Service) Unban(ctx context.Context, id, actor string) error {
	_, banned := s.Lookup(id)
	if !banned {
		if _, ok := s.peers.Get(id); !ok {
			return domain.ErrNotFound
		}
		return nil
	}

	if err := s.store.ClearBan(ctx, id); err != nil {
		s.log.Warn("unban not applied, store write failed", zap.String("peer_id", id), zap.Error(err))
		return err
	}

	s.mu.Lock()
	delete(s.bans, id)
	s.markLocked(id)
	size := len(s.bans)
	s.mu.Unlock()

	metrics.BannedPeers.Set(float64(size))
	s.log.Info("peer unbanned", zap.String("peer_id", id), zap.String("by", actor))
	s.persistOne(id, nil)
	return nil
}

// Rename moves a ban from oldID to newID after the store renamed the row.
func (s *Service) Rename(oldID, newID string) {
	s.mu.Lock()
	rec, ok := s.bans[oldID]
	if ok {
		delete(s.bans, oldID)
		s.bans[newID] = rec
		s.filter.AddString(newID)
		s.markLocked(oldID)
		s.markLocked(newID)
	}
	s.mu.Unlock()

	if ok {
		s.persistOne(oldID, nil)
		s.persistOne(newID, &rec)
	}
}

func (s *Service) markLocked(id string) {
	s.seq++
	s.touched[id] = s.seq
}

/* ------------------------------------------------------------------ *
|  Refresh                                                            |
* -------------------------------------------------------------------*/

// Start loads the ban set. If the store cannot be read the cache is seeded
// from the local snapshot (when configured) and the error is returned so the
// caller can log it; the service remains usable either way.
func (s *Service) Start(ctx context.Context) error {
	err := s.Refresh(ctx)
	if err == nil || s.snapshot == nil {
		return err
	}

	bans, loadErr := s.snapshot.Load()
	if loadErr != nil {
		s.log.Warn("ban snapshot partially unreadable", zap.Error(loadErr))
	}
	s.mu.Lock()
	for id, rec := range bans {
		if _, local := s.touched[id]; !local {
			s.bans[id] = rec
			s.filter.AddString(id)
		}
	}
	size := len(s.bans)
	s.mu.Unlock()

	s.statusMu.Lock()
	s.fromSnapshot = true
	s.statusMu.Unlock()

	metrics.BannedPeers.Set(float64(size))
	s.log.Warn("peer store unreachable at startup, serving bans from local snapshot",
		zap.Int("bans", size), zap.Error(err))
	return err
}

// Refresh replaces the cache with the store's ban set. Local mutations made
// while the query was in flight win over the query result. On failure the
// cache is kept as is (fail-open).
func (s *Service) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	s.mu.RLock()
	startSeq := s.seq
	s.mu.RUnlock()

	bans, err := s.store.ListBans(ctx)
	if err != nil {
		s.recordFailure(err)
		return err
	}

	s.mu.Lock()
	for id, seq := range s.touched {
		if seq <= startSeq {
			delete(s.touched, id)
			continue
		}
		if rec, ok := s.bans[id]; ok {
			bans[id] = rec
		} else {
			delete(bans, id)
		}
	}
	s.bans = bans
	s.filter = bloom.NewWithEstimates(max(s.cfg.BloomCapacity, uint(len(bans))), s.cfg.BloomFPRate)
	for id := range bans {
		s.filter.AddString(id)
	}
	size := len(bans)
	snap := make(map[string]domain.BanRecord, size)
	for id, rec := range bans {
		snap[id] = rec
	}
	s.mu.Unlock()

	s.statusMu.Lock()
	recovered := s.failures > 0
	s.lastRefresh = s.now()
	s.lastErr = nil
	s.failures = 0
	s.fromSnapshot = false
	s.statusMu.Unlock()

	metrics.BanRefreshes.WithLabelValues("success").Inc()
	metrics.BannedPeers.Set(float64(size))
	metrics.BanCacheAge.Set(0)
	if recovered {
		s.log.Info("ban cache refresh recovered", zap.Int("bans", size))
	}
	if s.snapshot != nil {
		if err := s.snapshot.Replace(snap); err != nil {
			s.log.Warn("failed to write ban snapshot", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) recordFailure(err error) {
	s.statusMu.Lock()
	s.lastErr = err
	s.failures++
	failures := s.failures
	last := s.lastRefresh
	s.statusMu.Unlock()

	metrics.BanRefreshes.WithLabelValues("failure").Inc()
	fields := []zap.Field{
		zap.Error(err),
		zap.Int("consecutive_failures", failures),
		zap.Int("cached_bans", s.Count()),
	}
	if !last.IsZero() {
		age := s.now().Sub(last)
		metrics.BanCacheAge.Set(age.Seconds())
		fields = append(fields, zap.Duration("cache_age", age))
	}
	s.log.Warn("ban cache refresh failed, serving last-known bans (fail-open)", fields...)
}

// Run refreshes every RefreshInterval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

// Status reports cache freshness. The cache is degraded while refreshes
// fail or when it was seeded from the snapshot.
func (s *Service) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := Status{
		Size:         s.Count(),
		LastRefresh:  s.lastRefresh,
		Failures:     s.failures,
		FromSnapshot: s.fromSnapshot,
		Degraded:     s.failures > 0 || s.fromSnapshot,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Service) persistOne(id string, rec *domain.BanRecord) {
	if s.snapshot == nil {
		return
	}
	var err error
	if rec == nil {
		err = s.snapshot.Delete(id)
	} else {
		err = s.snapshot.Put(id, *rec)
	}
	if err != nil {
		s.log.Warn("failed to update ban snapshot", zap.String("peer_id", id), zap.Error(fmt.Errorf("snapshot: %w", err)))
	}
}
