package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/Shugur-Network/peergate/internal/settings"
	"github.com/Shugur-Network/peergate/internal/storage/memory"
	"github.com/Shugur-Network/peergate/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*registry.Registry, *clock, *settings.Store) {
	t.Helper()
	cfg, err := settings.New(domain.RuntimeConfig{
		PeerTimeoutSecs:       15,
		HeartbeatIntervalSecs: 3,
		WarningThreshold:      2,
		CriticalThreshold:     4,
		DBSyncIntervalSecs:    30,
	})
	require.NoError(t, err)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return registry.New(cfg, registry.WithClock(c.Now)), c, cfg
}

func TestSweepOnce_ReportsTransitions(t *testing.T) {
	reg, c, cfg := setup(t)
	m := New(reg, memory.New(), cfg, nil, time.Second)

	_, err := reg.RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp")
	require.NoError(t, err)
	_, err = reg.RegisterOrTouch("dev-B", "198.51.100.2:5000", "fp")
	require.NoError(t, err)

	res := m.SweepOnce()
	assert.Equal(t, 2, res.Counts[domain.HealthOnline])
	assert.Empty(t, res.Transitions)

	c.Advance(16 * time.Second)
	_, err = reg.RegisterOrTouch("dev-B", "198.51.100.2:5000", "fp")
	require.NoError(t, err)

	res = m.SweepOnce()
	assert.Equal(t, 1, res.Counts[domain.HealthOffline])
	assert.Equal(t, 1, res.Counts[domain.HealthOnline])
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, registry.Transition{ID: "dev-A", From: domain.HealthOnline, To: domain.HealthOffline}, res.Transitions[0])
	assert.Equal(t, res, m.LastSweep())
}

func TestSyncOnce_PersistsDirtyPeers(t *testing.T) {
	reg, _, cfg := setup(t)
	store := memory.New()
	m := New(reg, store, cfg, nil, time.Second)
	ctx := context.Background()

	_, err := reg.RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp")
	require.NoError(t, err)
	_, err = reg.RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp")
	require.NoError(t, err)

	require.NoError(t, m.SyncOnce(ctx))
	assert.Zero(t, reg.DirtyCount())

	peers, err := store.LoadPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, uint64(1), peers[0].HeartbeatCount)
	assert.Zero(t, m.Status().Failures)
}

func TestSyncOnce_FailureRemarksDirty(t *testing.T) {
	reg, _, cfg := setup(t)
	store := memory.New()
	m := New(reg, store, cfg, nil, time.Second)
	ctx := context.Background()

	_, err := reg.RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp")
	require.NoError(t, err)

	store.SetUnavailable(true)
	err = m.SyncOnce(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 1, reg.DirtyCount())
	st := m.Status()
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, 1, st.Pending)

	store.SetUnavailable(false)
	require.NoError(t, m.Flush(ctx))
	assert.Zero(t, reg.DirtyCount())
	assert.Zero(t, m.Status().Failures)
}

func TestSyncOnce_WaitsForStoredPeersBeforeWriting(t *testing.T) {
	reg, c, cfg := setup(t)
	store := memory.New()
	ctx := context.Background()
	changed := c.Now().Add(-time.Hour)
	require.NoError(t, store.UpsertPeers(ctx, []domain.Peer{{
		ID:             "dev-A",
		Address:        "198.51.100.1:5000",
		RegisteredAt:   c.Now().Add(-24 * time.Hour),
		LastHeartbeat:  c.Now().Add(-time.Minute),
		HeartbeatCount: 500,
		PreviousIDs:    []string{"old-A"},
		IDChangedAt:    &changed,
	}}))

	m := New(reg, store, cfg, nil, time.Second)
	store.SetUnavailable(true)
	m.RequireReconcile(store.LoadPeers)
	assert.True(t, m.Status().Reconciling)

	_, err := reg.RegisterOrTouch("dev-A", "198.51.100.9:5000", "fp")
	require.NoError(t, err)
	assert.ErrorIs(t, m.SyncOnce(ctx), domain.ErrStoreUnavailable)
	assert.Equal(t, 1, m.Status().Failures)
	assert.True(t, m.Status().Reconciling)
	assert.Equal(t, 1, reg.DirtyCount())

	store.SetUnavailable(false)
	_, err = reg.RegisterOrTouch("dev-A", "198.51.100.9:5000", "fp")
	require.NoError(t, err)
	require.NoError(t, m.SyncOnce(ctx))
	st := m.Status()
	assert.False(t, st.Reconciling)
	assert.Zero(t, st.Failures)

	peers, err := store.LoadPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.GreaterOrEqual(t, peers[0].HeartbeatCount, uint64(500))
	assert.Equal(t, []string{"old-A"}, peers[0].PreviousIDs)
	assert.Equal(t, "198.51.100.9:5000", peers[0].Address)
	require.NotNil(t, peers[0].IDChangedAt)
	assert.True(t, changed.Equal(*peers[0].IDChangedAt))

	mem, ok := reg.Get("dev-A")
	require.True(t, ok)
	assert.Equal(t, peers[0].HeartbeatCount, mem.HeartbeatCount)
}

type slowStore struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowStore) UpsertPeers(ctx context.Context, peers []domain.Peer) error {
	s.calls.Add(1)
	<-s.release
	return nil
}

func TestDispatchSync_SkipsWhileRunning(t *testing.T) {
	reg, _, cfg := setup(t)
	store := &slowStore{release: make(chan struct{})}
	pool := workers.NewWorkerPool("sync", 2, 4)
	defer pool.Stop()
	m := New(reg, store, cfg, pool, time.Second)
	ctx := context.Background()

	_, err := reg.RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp")
	require.NoError(t, err)

	m.dispatchSync(ctx)
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err = reg.RegisterOrTouch("dev-B", "198.51.100.2:5000", "fp")
	require.NoError(t, err)
	m.dispatchSync(ctx) // skipped: first sync still blocked

	close(store.release)
	pool.Wait()
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, 1, reg.DirtyCount(), "dev-B waits for the next tick")
}

type failingStore struct{}

func (failingStore) UpsertPeers(ctx context.Context, peers []domain.Peer) error {
	return domain.Unavailable("upsert_peers", errors.New("connection refused"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	reg, _, cfg := setup(t)
	m := New(reg, failingStore{}, cfg, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestExclusive_BlocksSync(t *testing.T) {
	reg, _, cfg := setup(t)
	m := New(reg, memory.New(), cfg, nil, time.Second)

	err := m.Exclusive(func() error {
		assert.False(t, m.syncMu.TryLock())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, m.syncMu.TryLock())
	m.syncMu.Unlock()
}
