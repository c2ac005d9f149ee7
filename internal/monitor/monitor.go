// Package monitor runs the two background loops that keep the registry honest:
// the health sweep and the store sync. Neither loop holds a lock the
// admission path waits on for longer than one registry pass.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/peergate/internal/constants"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/Shugur-Network/peergate/internal/workers"
	"go.uber.org/zap"
)

// Registry is what the monitor needs from *registry.Registry.
type Registry interface {
	Sweep() registry.SweepResult
	DirtySnapshot() []domain.Peer
	MarkDirty(ids ...string)
	DirtyCount() int
	Merge(stored []domain.Peer)
}

// PeerLoader reads every stored peer.
type PeerLoader func(ctx context.Context) ([]domain.Peer, error)

// Store persists peer rows.
type Store interface {
	UpsertPeers(ctx context.Context, peers []domain.Peer) error
}

// Monitor owns the sweep and sync loops.
type Monitor struct {
	reg          Registry
	store        Store
	cfg          registry.ConfigSource
	pool         *workers.WorkerPool
	storeTimeout time.Duration
	log          *zap.Logger

	// syncMu is held for the whole of a sync. Ticks that find it taken are
	// skipped; Exclusive and Flush wait for it.
	syncMu sync.Mutex
	// reconcile is set while the stored peers have not been merged into the
	// registry. No row is written until it succeeds. Guarded by syncMu.
	reconcile        PeerLoader
	pendingReconcile atomic.Bool

	lastMu     sync.RWMutex
	lastSweep  registry.SweepResult
	lastSync   time.Time
	lastErr    error
	syncFailed int
}

// New builds a monitor. pool may be nil, in which case syncs run inline on
// the sync loop goroutine.
func New(reg Registry, store Store, cfg registry.ConfigSource, pool *workers.WorkerPool, storeTimeout time.Duration) *Monitor {
	if storeTimeout <= 0 {
		storeTimeout = constants.DBConnAcquireTimeout
	}
	return &Monitor{
		reg:          reg,
		store:        store,
		cfg:          cfg,
		pool:         pool,
		storeTimeout: storeTimeout,
		log:          logger.New("monitor"),
	}
}

// Run starts both loops and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(ctx, func(c domain.RuntimeConfig) time.Duration { return c.HeartbeatInterval() }, func() { m.SweepOnce() })
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, func(c domain.RuntimeConfig) time.Duration { return c.SyncInterval() }, func() { m.dispatchSync(ctx) })
	}()
	wg.Wait()
}

// loop calls fn every interval, re-reading the interval after each tick so a
// config update takes effect on the next cycle.
func (m *Monitor) loop(ctx context.Context, interval func(domain.RuntimeConfig) time.Duration, fn func()) {
	next := func() time.Duration {
		if d := interval(m.cfg.Current()); d > 0 {
			return d
		}
		return time.Second
	}
	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn()
			timer.Reset(next())
		}
	}
}

// SweepOnce classifies every peer, publishes the per-state gauges and logs
// transitions.
func (m *Monitor) SweepOnce() registry.SweepResult {
	res := m.reg.Sweep()

	for _, state := range domain.AllHealthStates() {
		metrics.PeersByHealth.WithLabelValues(state.String()).Set(float64(res.Counts[state]))
	}
	for _, tr := range res.Transitions {
		metrics.HealthTransitions.WithLabelValues(tr.To.String()).Inc()
		fields := []zap.Field{
			zap.String("peer_id", tr.ID),
			zap.Stringer("from", tr.From),
			zap.Stringer("to", tr.To),
		}
		switch tr.To {
		case domain.HealthOffline:
			m.log.Info("peer went offline", fields...)
		case domain.HealthOnline:
			m.log.Debug("peer back online", fields...)
		default:
			m.log.Debug("peer health changed", fields...)
		}
	}

	m.lastMu.Lock()
	m.lastSweep = res
	m.lastMu.Unlock()
	return res
}

// LastSweep returns the result of the most recent sweep.
func (m *Monitor) LastSweep() registry.SweepResult {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	return m.lastSweep
}

func (m *Monitor) dispatchSync(ctx context.Context) {
	if !m.syncMu.TryLock() {
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		m.log.Debug("previous sync still running, tick skipped")
		return
	}
	job := func() {
		defer m.syncMu.Unlock()
		_ = m.syncLocked(ctx)
	}
	if m.pool == nil {
		job()
		return
	}
	if !m.pool.AddJob(job) {
		m.syncMu.Unlock()
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
	}
}

// SyncOnce persists the dirty set now, waiting for a running sync first.
func (m *Monitor) SyncOnce(ctx context.Context) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return m.syncLocked(ctx)
}

// Flush is SyncOnce for shutdown: it keeps going until the dirty set is empty
// or a sync fails.
func (m *Monitor) Flush(ctx context.Context) error {
	for i := 0; i < constants.MaxDBRetries; i++ {
		if err := m.SyncOnce(ctx); err != nil {
			return err
		}
		if m.reg.DirtyCount() == 0 {
			return nil
		}
	}
	return nil
}

// Exclusive runs fn with syncs held off. Admin operations that rename or
// delete rows use it so a sync cannot write a row it already read under the
// old identity.
func (m *Monitor) Exclusive(fn func() error) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return fn()
}

// RequireReconcile holds back every sync until load succeeds and its rows
// are merged into the registry. The node uses it when the store could not
// be read at startup, so rows written before the outage are not overwritten
// by peers that re-registered in the meantime. Each sync tick retries load.
func (m *Monitor) RequireReconcile(load PeerLoader) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	m.reconcile = load
	m.pendingReconcile.Store(true)
}

func (m *Monitor) reconcileLocked(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.storeTimeout)
	defer cancel()
	peers, err := m.reconcile(loadCtx)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("failure").Inc()
		m.lastMu.Lock()
		m.lastErr = err
		m.syncFailed++
		failures := m.syncFailed
		m.lastMu.Unlock()
		m.log.Warn("stored peers still unreadable, holding back sync",
			zap.Int("pending", m.reg.DirtyCount()),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		return err
	}
	m.reg.Merge(peers)
	m.reconcile = nil
	m.pendingReconcile.Store(false)
	m.lastMu.Lock()
	m.lastErr = nil
	m.syncFailed = 0
	m.lastMu.Unlock()
	m.log.Info("registry reconciled with stored peers", zap.Int("stored", len(peers)))
	return nil
}

func (m *Monitor) syncLocked(ctx context.Context) error {
	if m.reconcile != nil {
		if err := m.reconcileLocked(ctx); err != nil {
			return err
		}
	}
	peers := m.reg.DirtySnapshot()
	if len(peers) == 0 {
		return nil
	}
	start := time.Now()

	written := 0
	var err error
	for written < len(peers) {
		end := min(written+constants.SyncBatchSize, len(peers))
		batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.storeTimeout)
		err = m.store.UpsertPeers(batchCtx, peers[written:end])
		cancel()
		if err != nil {
			break
		}
		written = end
	}
	metrics.SyncDuration.Observe(time.Since(start).Seconds())
	metrics.SyncedPeers.Add(float64(written))

	if err != nil {
		pending := make([]string, 0, len(peers)-written)
		for _, p := range peers[written:] {
			pending = append(pending, p.ID)
		}
		m.reg.MarkDirty(pending...)
		metrics.SyncRuns.WithLabelValues("failure").Inc()

		m.lastMu.Lock()
		m.lastErr = err
		m.syncFailed++
		failures := m.syncFailed
		m.lastMu.Unlock()

		m.log.Warn("peer sync failed, will retry next cycle",
			zap.Int("pending", len(pending)),
			zap.Int("written", written),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		return err
	}

	metrics.SyncRuns.WithLabelValues("success").Inc()
	m.lastMu.Lock()
	m.lastSync = time.Now()
	m.lastErr = nil
	m.syncFailed = 0
	m.lastMu.Unlock()
	m.log.Debug("peers synced", zap.Int("count", written), zap.Duration("took", time.Since(start)))
	return nil
}

// SyncStatus reports the last sync outcome for /health.
type SyncStatus struct {
	LastSync  time.Time `json:"last_sync"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures"`
	Pending   int       `json:"pending"`
	// Reconciling is true until the stored peers have been merged in.
	Reconciling bool `json:"reconciling,omitempty"`
}

// Status returns the sync state.
func (m *Monitor) Status() SyncStatus {
	m.lastMu.RLock()
	st := SyncStatus{LastSync: m.lastSync, Failures: m.syncFailed, Reconciling: m.pendingReconcile.Load()}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.lastMu.RUnlock()
	st.Pending = m.reg.DirtyCount()
	return st
}
