// Package registry is the in-memory, concurrency-safe view of every known
// peer. It never performs I/O; the monitor persists it via the dirty set.
package registry

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"go.uber.org/zap"
)

// ConfigSource supplies the current thresholds. *settings.Store satisfies it.
type ConfigSource interface {
	Current() domain.RuntimeConfig
}

type entry struct {
	peer domain.Peer
	// furthest state reached since the last heartbeat, kept by Sweep so a
	// config change cannot move a silent peer backward
	reached domain.HealthState
}

// Registry holds peers keyed by id, with reverse indexes on address.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*entry
	byAddr map[string]map[string]struct{} // host:port -> ids
	byHost map[string]map[string]struct{} // host -> ids
	dirty  map[string]struct{}
	// reserved holds ids an in-flight rename is about to take.
	reserved map[string]struct{}
	live     int

	cfg ConfigSource
	now func() time.Time
	log *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now. Tests use it to drive elapsed time.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns an empty registry reading thresholds from cfg.
func New(cfg ConfigSource, opts ...Option) *Registry {
	r := &Registry{
		peers:  make(map[string]*entry),
		byAddr: make(map[string]map[string]struct{}),
		byHost: make(map[string]map[string]struct{}),
		dirty:  make(map[string]struct{}),

		reserved: make(map[string]struct{}),
		cfg:      cfg,
		now:      time.Now,
		log:      logger.New("registry"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.now() }

// ValidateID rejects empty, oversized or whitespace-containing ids.
func ValidateID(id string) error {
	if id == "" || len(id) > constants.MaxPeerIDLength {
		return domain.ErrInvalidID
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return domain.ErrInvalidID
	}
	return nil
}

// RegisterOrTouch creates the peer on first sight (HeartbeatCount 0) or
// records a heartbeat: address and pubkey are updated, LastHeartbeat moves to
// now and HeartbeatCount increases by one. A soft-deleted id is revived with
// its counter and id history intact.
func (r *Registry) RegisterOrTouch(id, address, pubkey string) (domain.PeerView, error) {
	if err := ValidateID(id); err != nil {
		return domain.PeerView{}, err
	}
	if len(address) > constants.MaxAddressLength {
		return domain.PeerView{}, domain.ErrInvalidID
	}
	now := r.now()

	r.mu.Lock()
	if _, held := r.reserved[id]; held {
		r.mu.Unlock()
		return domain.PeerView{}, domain.ErrIDTaken
	}
	e, ok := r.peers[id]
	kind := "touch"
	if !ok || e.peer.IsDeleted {
		kind = "new"
		revived := domain.Peer{
			ID:                id,
			Address:           address,
			PubkeyFingerprint: pubkey,
			RegisteredAt:      now,
			LastHeartbeat:     now,
		}
		if ok {
			revived.HeartbeatCount = e.peer.HeartbeatCount
			revived.PreviousIDs = e.peer.PreviousIDs
			revived.IDChangedAt = e.peer.IDChangedAt
		}
		e = &entry{peer: revived}
		r.peers[id] = e
		r.indexLocked(id, address)
		r.live++
	} else {
		if e.peer.Address != address {
			r.unindexLocked(id, e.peer.Address)
			r.indexLocked(id, address)
			e.peer.Address = address
		}
		e.peer.PubkeyFingerprint = pubkey
		if now.After(e.peer.LastHeartbeat) {
			e.peer.LastHeartbeat = now
		}
		e.peer.HeartbeatCount++
	}
	e.reached = domain.HealthOnline
	r.dirty[id] = struct{}{}
	view := r.viewLocked(e, now, r.cfg.Current())
	live := r.live
	r.mu.Unlock()

	metrics.Heartbeats.WithLabelValues(kind).Inc()
	if kind == "new" {
		metrics.PeersRegistered.Set(float64(live))
		r.log.Info("peer registered", zap.String("peer_id", id), zap.String("address", address))
	}
	return view, nil
}

// Get returns a snapshot of a live peer.
func (r *Registry) Get(id string) (domain.PeerView, bool) {
	now := r.now()
	cfg := r.cfg.Current()

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok || e.peer.IsDeleted {
		return domain.PeerView{}, false
	}
	return r.viewLocked(e, now, cfg), true
}

// Exists reports whether any entry, deleted or not, uses id.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// FindByAddress resolves the live peer behind a network address. An exact
// host:port match wins over a host-only match (NAT remapped ports). Among
// several candidates the most recent LastHeartbeat wins, then the smallest id.
func (r *Registry) FindByAddress(addr string) (string, bool) {
	if addr == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.pickLocked(r.byAddr[addr]); ok {
		return id, true
	}
	return r.pickLocked(r.byHost[hostOf(addr)])
}

func (r *Registry) pickLocked(ids map[string]struct{}) (string, bool) {
	var (
		best   string
		bestAt time.Time
		found  bool
	)
	for id := range ids {
		e, ok := r.peers[id]
		if !ok || e.peer.IsDeleted {
			continue
		}
		at := e.peer.LastHeartbeat
		if !found || at.After(bestAt) || (at.Equal(bestAt) && id < best) {
			best, bestAt, found = id, at, true
		}
	}
	return best, found
}

// SoftDelete marks the peer deleted and returns the updated record.
func (r *Registry) SoftDelete(id string) (domain.Peer, error) {
	now := r.now()

	r.mu.Lock()
	e, ok := r.peers[id]
	if !ok || e.peer.IsDeleted {
		r.mu.Unlock()
		return domain.Peer{}, domain.ErrNotFound
	}
	e.peer.IsDeleted = true
	e.peer.DeletedAt = &now
	r.unindexLocked(id, e.peer.Address)
	r.dirty[id] = struct{}{}
	r.live--
	out := e.peer.Clone()
	live := r.live
	r.mu.Unlock()

	metrics.PeersRegistered.Set(float64(live))
	r.log.Info("peer soft-deleted", zap.String("peer_id", id))
	return out, nil
}

func (r *Registry) checkChangeLocked(oldID, newID string) error {
	e, ok := r.peers[oldID]
	if !ok || e.peer.IsDeleted {
		return domain.ErrNotFound
	}
	if _, taken := r.peers[newID]; taken {
		return domain.ErrIDTaken
	}
	return nil
}

// ReserveID holds newID for a rename of oldID until release is called or
// ChangeID takes it. Heartbeats for a held id are refused with ErrIDTaken,
// so the id cannot be registered between the store rename and ChangeID.
func (r *Registry) ReserveID(oldID, newID string) (release func(), err error) {
	if err := ValidateID(newID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkChangeLocked(oldID, newID); err != nil {
		return nil, err
	}
	if _, held := r.reserved[newID]; held {
		return nil, domain.ErrIDTaken
	}
	r.reserved[newID] = struct{}{}
	return func() {
		r.mu.Lock()
		delete(r.reserved, newID)
		r.mu.Unlock()
	}, nil
}

// ChangeID moves a live peer to newID, appending oldID to PreviousIDs.
func (r *Registry) ChangeID(oldID, newID string) (domain.Peer, error) {
	if err := ValidateID(newID); err != nil {
		return domain.Peer{}, err
	}
	now := r.now()

	r.mu.Lock()
	if err := r.checkChangeLocked(oldID, newID); err != nil {
		r.mu.Unlock()
		return domain.Peer{}, err
	}
	delete(r.reserved, newID)
	e := r.peers[oldID]
	delete(r.peers, oldID)
	delete(r.dirty, oldID)
	r.unindexLocked(oldID, e.peer.Address)

	e.peer.ID = newID
	e.peer.PreviousIDs = append(e.peer.PreviousIDs, oldID)
	e.peer.IDChangedAt = &now
	r.peers[newID] = e
	r.indexLocked(newID, e.peer.Address)
	r.dirty[newID] = struct{}{}
	out := e.peer.Clone()
	r.mu.Unlock()

	r.log.Info("peer id changed", zap.String("old_id", oldID), zap.String("new_id", newID))
	return out, nil
}

// List returns every live peer sorted by id.
func (r *Registry) List() []domain.PeerView {
	now := r.now()
	cfg := r.cfg.Current()

	r.mu.RLock()
	out := make([]domain.PeerView, 0, len(r.peers))
	for _, e := range r.peers {
		if !e.peer.IsDeleted {
			out = append(out, r.viewLocked(e, now, cfg))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load replaces the registry contents with peers read from the store. Ban
// fields are dropped; the ban service owns them.
func (r *Registry) Load(peers []domain.Peer) {
	r.mu.Lock()
	r.peers = make(map[string]*entry, len(peers))
	r.byAddr = make(map[string]map[string]struct{})
	r.byHost = make(map[string]map[string]struct{})
	r.dirty = make(map[string]struct{})
	r.live = 0
	for _, p := range peers {
		p = p.Clone()
		p.Ban = nil
		r.peers[p.ID] = &entry{peer: p}
		if !p.IsDeleted {
			r.indexLocked(p.ID, p.Address)
			r.live++
		}
	}
	live := r.live
	r.mu.Unlock()

	metrics.PeersRegistered.Set(float64(live))
	r.log.Info("registry loaded", zap.Int("peers", len(peers)), zap.Int("live", live))
}

// Merge folds rows read from the store into a registry that has been
// serving traffic without them, e.g. after the store was down at startup.
// Ids unknown in memory are added as loaded. For ids registered in the
// meantime the stored history is kept: the counter continues from the
// stored value, stored previous ids come first and the earlier
// registration time wins. Merged entries are marked dirty.
func (r *Registry) Merge(stored []domain.Peer) {
	r.mu.Lock()
	added, merged := 0, 0
	for _, p := range stored {
		p = p.Clone()
		p.Ban = nil
		e, ok := r.peers[p.ID]
		if !ok {
			r.peers[p.ID] = &entry{peer: p}
			if !p.IsDeleted {
				r.indexLocked(p.ID, p.Address)
				r.live++
			}
			added++
			continue
		}
		mergeHistory(&e.peer, p)
		r.dirty[p.ID] = struct{}{}
		merged++
	}
	live := r.live
	r.mu.Unlock()

	metrics.PeersRegistered.Set(float64(live))
	r.log.Info("registry reconciled with store",
		zap.Int("added", added), zap.Int("merged", merged), zap.Int("live", live))
}

// mergeHistory folds the stored row into the in-memory peer, which holds the
// newer liveness fields.
func mergeHistory(mem *domain.Peer, stored domain.Peer) {
	// Counts match what RegisterOrTouch would have produced had the row been
	// loaded: a touch of a live row adds one, a revival of a deleted row
	// does not.
	mem.HeartbeatCount += stored.HeartbeatCount
	if !stored.IsDeleted {
		mem.HeartbeatCount++
		if !stored.RegisteredAt.IsZero() && stored.RegisteredAt.Before(mem.RegisteredAt) {
			mem.RegisteredAt = stored.RegisteredAt
		}
	}
	if stored.LastHeartbeat.After(mem.LastHeartbeat) {
		mem.LastHeartbeat = stored.LastHeartbeat
	}
	if len(stored.PreviousIDs) > 0 {
		ids := append([]string(nil), stored.PreviousIDs...)
		mem.PreviousIDs = append(ids, mem.PreviousIDs...)
	}
	if mem.IDChangedAt == nil && stored.IDChangedAt != nil {
		at := *stored.IDChangedAt
		mem.IDChangedAt = &at
	}
}

// DirtySnapshot takes and clears the set of peers changed since the last
// call. The caller re-marks them with MarkDirty if persisting fails.
func (r *Registry) DirtySnapshot() []domain.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Peer, 0, len(r.dirty))
	for id := range r.dirty {
		if e, ok := r.peers[id]; ok {
			out = append(out, e.peer.Clone())
		}
	}
	r.dirty = make(map[string]struct{})
	return out
}

// MarkDirty schedules ids for the next sync.
func (r *Registry) MarkDirty(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.peers[id]; ok {
			r.dirty[id] = struct{}{}
		}
	}
}

// DirtyCount is the number of peers waiting to be synced.
func (r *Registry) DirtyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dirty)
}

// Transition is a state change observed by Sweep.
type Transition struct {
	ID   string
	From domain.HealthState
	To   domain.HealthState
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Counts      map[domain.HealthState]int
	Transitions []Transition
}

// Sweep classifies every live peer, remembers the furthest state reached and
// reports transitions.
func (r *Registry) Sweep() SweepResult {
	now := r.now()
	cfg := r.cfg.Current()
	res := SweepResult{Counts: make(map[domain.HealthState]int, 4)}

	r.mu.Lock()
	for id, e := range r.peers {
		if e.peer.IsDeleted {
			continue
		}
		state := r.healthLocked(e, now, cfg)
		if state != e.reached {
			res.Transitions = append(res.Transitions, Transition{ID: id, From: e.reached, To: state})
			e.reached = state
		}
		res.Counts[state]++
	}
	r.mu.Unlock()

	sort.Slice(res.Transitions, func(i, j int) bool { return res.Transitions[i].ID < res.Transitions[j].ID })
	return res
}

/* ------------------------------------------------------------------ *
|  Helpers (callers hold r.mu)                                        |
* -------------------------------------------------------------------*/

func (r *Registry) healthLocked(e *entry, now time.Time, cfg domain.RuntimeConfig) domain.HealthState {
	state := domain.Classify(now.Sub(e.peer.LastHeartbeat), cfg)
	if e.reached > state {
		return e.reached
	}
	return state
}

func (r *Registry) viewLocked(e *entry, now time.Time, cfg domain.RuntimeConfig) domain.PeerView {
	return domain.PeerView{Peer: e.peer.Clone(), Health: r.healthLocked(e, now, cfg)}
}

func (r *Registry) indexLocked(id, addr string) {
	if addr == "" {
		return
	}
	addTo(r.byAddr, addr, id)
	addTo(r.byHost, hostOf(addr), id)
}

func (r *Registry) unindexLocked(id, addr string) {
	if addr == "" {
		return
	}
	removeFrom(r.byAddr, addr, id)
	removeFrom(r.byHost, hostOf(addr), id)
}

func addTo(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{}, 1)
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// hostOf strips the port; a bare host is returned unchanged.
func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
