package admin

import (
	"context"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/ban"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/registry"
	"github.com/Shugur-Network/peergate/internal/settings"
	"github.com/Shugur-Network/peergate/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	reg   *registry.Registry
	bans  *ban.Service
	store *memory.Store
	now   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := settings.New(domain.RuntimeConfig{
		PeerTimeoutSecs:       15,
		HeartbeatIntervalSecs: 3,
		WarningThreshold:      2,
		CriticalThreshold:     4,
		DBSyncIntervalSecs:    30,
	})
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	reg := registry.New(cfg, registry.WithClock(func() time.Time { return now }))
	store := memory.New()
	bans := ban.New(ban.Config{}, store, reg)
	svc := New(reg, bans, cfg, store, WithInstance("node-1"))

	for _, id := range []string{"dev-A", "dev-B", "dev-C"} {
		_, err := reg.RegisterOrTouch(id, "198.51.100.1:5000", "fp")
		require.NoError(t, err)
	}
	return &fixture{svc: svc, reg: reg, bans: bans, store: store, now: &now}
}

func TestListPeersAndStats(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Ban(context.Background(), "dev-B", "abuse", "admin")
	require.NoError(t, err)

	*f.now = f.now.Add(8 * time.Second)
	_, err = f.reg.RegisterOrTouch("dev-C", "198.51.100.1:5000", "fp")
	require.NoError(t, err)

	peers := f.svc.ListPeers()
	require.Len(t, peers, 3)
	assert.Equal(t, []string{"dev-A", "dev-B", "dev-C"}, []string{peers[0].ID, peers[1].ID, peers[2].ID})
	assert.True(t, peers[1].IsBanned)
	assert.Equal(t, "abuse", peers[1].BanReason)
	assert.Equal(t, "admin", peers[1].BannedBy)
	assert.NotNil(t, peers[1].BannedAt)
	assert.False(t, peers[0].IsBanned)
	assert.Equal(t, []string{}, peers[0].PreviousIDs)

	assert.Equal(t, Stats{Total: 3, Online: 1, Degraded: 2, Banned: 1}, f.svc.Stats())
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	warning := 5
	_, err := f.svc.UpdateConfig(ctx, domain.RuntimeConfigPatch{WarningThreshold: &warning}, "admin")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, 2, f.svc.GetConfig().WarningThreshold, "prior config untouched")

	critical := 6
	next, err := f.svc.UpdateConfig(ctx, domain.RuntimeConfigPatch{WarningThreshold: &warning, CriticalThreshold: &critical}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 5, next.WarningThreshold)
	assert.Equal(t, next, f.svc.GetConfig())

	kv, err := f.store.LoadRuntimeConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "6", kv[domain.KeyCriticalThreshold])

	f.store.SetUnavailable(true)
	timeout := 20
	_, err = f.svc.UpdateConfig(ctx, domain.RuntimeConfigPatch{PeerTimeoutSecs: &timeout}, "admin")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 15, f.svc.GetConfig().PeerTimeoutSecs)
}

func TestBanUnbanAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ban(ctx, "ghost", "x", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	st, err := f.svc.Ban(ctx, "dev-A", "  spam ", "admin")
	require.NoError(t, err)
	assert.True(t, st.IsBanned)
	assert.Equal(t, "spam", st.BanReason)

	require.NoError(t, f.svc.Unban(ctx, "dev-A", "admin"))
	require.NoError(t, f.svc.Unban(ctx, "dev-A", "admin"))

	entries, err := f.svc.Audit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditUnban, entries[0].Action)
	assert.Equal(t, domain.AuditBan, entries[1].Action)
	assert.Equal(t, "node-1", entries[1].Instance)
	assert.NotEmpty(t, entries[1].ID)
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SoftDelete(ctx, "dev-C", "admin"))
	_, err := f.svc.Peer("dev-C")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.SoftDelete(ctx, "dev-C", "admin"), domain.ErrNotFound)

	peers, err := f.store.LoadPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].IsDeleted)
	assert.Equal(t, 2, f.svc.Stats().Total)
}

func TestSoftDelete_StoreDownKeepsPeer(t *testing.T) {
	f := newFixture(t)
	f.store.SetUnavailable(true)

	err := f.svc.SoftDelete(context.Background(), "dev-C", "admin")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	_, err = f.svc.Peer("dev-C")
	assert.NoError(t, err)
}

func TestChangeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Ban(ctx, "dev-A", "abuse", "admin")
	require.NoError(t, err)

	_, err = f.svc.ChangeID(ctx, "dev-A", "dev-B", "admin")
	assert.ErrorIs(t, err, domain.ErrIDTaken)
	_, err = f.svc.ChangeID(ctx, "ghost", "dev-Z", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.ChangeID(ctx, "dev-A", "has space", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidID)

	st, err := f.svc.ChangeID(ctx, "dev-A", "dev-A2", "admin")
	require.NoError(t, err)
	assert.Equal(t, "dev-A2", st.ID)
	assert.Equal(t, []string{"dev-A"}, st.PreviousIDs)
	assert.True(t, st.IsBanned, "ban follows the peer")
	assert.False(t, f.bans.IsBanned("dev-A"))

	bans, err := f.store.ListBans(ctx)
	require.NoError(t, err)
	assert.Contains(t, bans, "dev-A2")
	assert.NotContains(t, bans, "dev-A")
}

// racingStore runs hook right after the stored rename, standing in for a
// heartbeat or admin action that lands before the registry is updated.
type racingStore struct {
	*memory.Store
	hook func(oldID, newID string)
}

func (s *racingStore) ChangeID(ctx context.Context, oldID, newID string, at time.Time) error {
	if err := s.Store.ChangeID(ctx, oldID, newID, at); err != nil {
		return err
	}
	if s.hook != nil {
		s.hook(oldID, newID)
		s.hook = nil
	}
	return nil
}

func storedIDs(t *testing.T, store *memory.Store) []string {
	t.Helper()
	peers, err := store.LoadPeers(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestChangeID_HeartbeatForNewIDDuringRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, ok := f.reg.Get("dev-A")
	require.True(t, ok)
	require.NoError(t, f.store.UpsertPeers(ctx, []domain.Peer{v.Peer}))

	var heartbeatErr error
	racing := &racingStore{Store: f.store, hook: func(_, newID string) {
		_, heartbeatErr = f.reg.RegisterOrTouch(newID, "203.0.113.7:5000", "fp")
	}}
	svc := New(f.reg, f.bans, f.svc.settings, racing)

	st, err := svc.ChangeID(ctx, "dev-A", "dev-A2", "admin")
	require.NoError(t, err)
	assert.ErrorIs(t, heartbeatErr, domain.ErrIDTaken, "id is held while the rename is in flight")
	assert.Equal(t, []string{"dev-A"}, st.PreviousIDs)

	_, ok = f.reg.Get("dev-A")
	assert.False(t, ok)
	moved, ok := f.reg.Get("dev-A2")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.1:5000", moved.Address)
	assert.Equal(t, []string{"dev-A2"}, storedIDs(t, f.store))

	_, err = f.reg.RegisterOrTouch("dev-A2", "198.51.100.1:5000", "fp")
	assert.NoError(t, err, "held id released once the rename lands")
}

func TestChangeID_RegistryRefusalRevertsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, ok := f.reg.Get("dev-A")
	require.True(t, ok)
	require.NoError(t, f.store.UpsertPeers(ctx, []domain.Peer{v.Peer}))

	racing := &racingStore{Store: f.store, hook: func(oldID, _ string) {
		_, err := f.reg.SoftDelete(oldID)
		require.NoError(t, err)
	}}
	svc := New(f.reg, f.bans, f.svc.settings, racing)

	_, err := svc.ChangeID(ctx, "dev-A", "dev-A2", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, []string{"dev-A"}, storedIDs(t, f.store))
	_, ok = f.reg.Get("dev-A2")
	assert.False(t, ok)

	_, err = f.reg.RegisterOrTouch("dev-A2", "198.51.100.1:5000", "fp")
	assert.NoError(t, err, "held id released after the failed rename")
}

func TestAuditLimitClamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Ban(ctx, "dev-A", "x", "admin")
		require.NoError(t, err)
	}
	entries, err := f.svc.Audit(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = f.svc.Audit(ctx, 1_000_000)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
