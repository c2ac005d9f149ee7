package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/ban"
	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/limiter"
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

type fixture struct {
	reg   *registry.Registry
	bans  *ban.Service
	store *memory.Store
	clock *clock
	gate  *Gate
}

func newFixture(t *testing.T, opts ...Option) *fixture {
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
	reg := registry.New(cfg, registry.WithClock(c.Now))
	store := memory.New()
	bans := ban.New(ban.Config{RefreshInterval: time.Second, StoreTimeout: time.Second}, store, reg)
	require.NoError(t, bans.Start(context.Background()))

	for id, addr := range map[string]string{
		"dev-A": "198.51.100.1:5000",
		"dev-B": "198.51.100.2:5000",
		"dev-C": "198.51.100.3:5000",
	} {
		_, err := reg.RegisterOrTouch(id, addr, "fp-"+id)
		require.NoError(t, err)
	}
	return &fixture{reg: reg, bans: bans, store: store, clock: c, gate: NewGate(reg, bans, opts...)}
}

func punch(source, target string) domain.AdmissionRequest {
	return domain.AdmissionRequest{SourceID: source, TargetID: target, ConnType: domain.ConnPunch}
}

func TestAllowed_ReturnsTargetInfo(t *testing.T) {
	f := newFixture(t)

	d := f.gate.Check(punch("dev-A", "dev-B"))
	require.True(t, d.Allowed())
	require.NotNil(t, d.Target)
	assert.Equal(t, "dev-B", d.Target.ID)
	assert.Equal(t, "198.51.100.2:5000", d.Target.Address)
	assert.Equal(t, "fp-dev-B", d.Target.PubkeyFingerprint)
	assert.Equal(t, domain.ConnPunch, d.Target.ConnType)
	assert.Equal(t, domain.HealthOnline, d.Target.Health)
}

func TestBanIsSymmetric(t *testing.T) {
	f := newFixture(t)
	_, err := f.bans.Ban(context.Background(), "dev-B", "abuse", "admin")
	require.NoError(t, err)

	d := f.gate.Check(punch("dev-A", "dev-B"))
	assert.Equal(t, domain.OutcomeDenied, d.Outcome)
	assert.Equal(t, domain.DenyBanned, d.Reason)
	assert.Equal(t, domain.SideTarget, d.Side)
	assert.Nil(t, d.Target)

	d = f.gate.Check(punch("dev-B", "dev-A"))
	assert.Equal(t, domain.OutcomeDenied, d.Outcome)
	assert.Equal(t, domain.SideSource, d.Side)

	// Direct request from dev-B's address resolves the source by address.
	d = f.gate.Check(domain.AdmissionRequest{SourceAddress: "198.51.100.2:5000", TargetID: "dev-A", ConnType: domain.ConnPunch})
	assert.Equal(t, domain.OutcomeDenied, d.Outcome)
	assert.Equal(t, "dev-B", d.SourceID)

	// Unbanning restores access on the next check.
	require.NoError(t, f.bans.Unban(context.Background(), "dev-B", "admin"))
	assert.True(t, f.gate.Check(punch("dev-A", "dev-B")).Allowed())
	assert.True(t, f.gate.Check(punch("dev-B", "dev-A")).Allowed())
}

func TestBothSidesBanned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bans.Ban(ctx, "dev-A", "x", "admin")
	require.NoError(t, err)
	_, err = f.bans.Ban(ctx, "dev-B", "y", "admin")
	require.NoError(t, err)

	d := f.gate.Check(punch("dev-A", "dev-B"))
	assert.Equal(t, domain.OutcomeDenied, d.Outcome)
	assert.Equal(t, domain.SideBoth, d.Side)
}

func TestStoreDownAdmissionUsesCachedBan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bans.Ban(ctx, "dev-C", "abuse", "admin")
	require.NoError(t, err)

	f.store.SetUnavailable(true)
	assert.Error(t, f.bans.Refresh(ctx))

	d := f.gate.Check(punch("dev-A", "dev-C"))
	assert.Equal(t, domain.OutcomeDenied, d.Outcome)
	assert.True(t, f.gate.Check(punch("dev-A", "dev-B")).Allowed(), "gate keeps serving")
}

func TestUnknownTargetIsNotFound(t *testing.T) {
	f := newFixture(t)

	d := f.gate.Check(punch("dev-A", "ghost-1"))
	assert.Equal(t, domain.OutcomeNotFound, d.Outcome)
	assert.NotEqual(t, domain.OutcomeDenied, d.Outcome)

	_, err := f.reg.SoftDelete("dev-C")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotFound, f.gate.Check(punch("dev-A", "dev-C")).Outcome)
}

func TestOfflineTargetIsUnreachable(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(16 * time.Second)
	_, err := f.reg.RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp-dev-A")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeUnreachable, f.gate.Check(punch("dev-A", "dev-B")).Outcome)
	assert.True(t, f.gate.Check(punch("dev-B", "dev-A")).Allowed(), "an offline source may still reach an online target")
}

func TestCriticalTargetIsStillAllowed(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(13 * time.Second)

	d := f.gate.Check(punch("dev-A", "dev-B"))
	require.True(t, d.Allowed())
	assert.Equal(t, domain.HealthCritical, d.Target.Health)
}

func TestAnonymousDirectSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.bans.Ban(context.Background(), "dev-A", "x", "admin")
	require.NoError(t, err)

	d := f.gate.Check(domain.AdmissionRequest{SourceAddress: "203.0.113.50:9999", TargetID: "dev-B", ConnType: domain.ConnUDP})
	require.True(t, d.Allowed())
	assert.Empty(t, d.SourceID)
}

func TestRateLimitedSource(t *testing.T) {
	rl := limiter.NewRateLimiter(config.AdmissionRateLimit{Enabled: true, PerSecond: 0.001, Burst: 2, IdleTTL: time.Minute})
	f := newFixture(t, WithRateLimiter(rl))

	assert.True(t, f.gate.Check(punch("dev-A", "dev-B")).Allowed())
	assert.True(t, f.gate.Check(punch("dev-A", "dev-B")).Allowed())
	d := f.gate.Check(punch("dev-A", "dev-B"))
	assert.Equal(t, domain.OutcomeDenied, d.Outcome)
	assert.Equal(t, domain.DenyRateLimited, d.Reason)

	assert.True(t, f.gate.Check(punch("dev-C", "dev-B")).Allowed(), "other sources unaffected")
}

func TestBanDenialIsAudited(t *testing.T) {
	store := memory.New()
	pool := workers.NewWorkerPool("audit", 1, 8)
	defer pool.Stop()
	f := newFixture(t, WithAudit(store, pool, "instance-1", time.Second))
	_, err := f.bans.Ban(context.Background(), "dev-B", "abuse", "admin")
	require.NoError(t, err)

	f.gate.Check(punch("dev-A", "dev-B"))
	pool.Wait()

	entries, err := store.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditAdmissionDenied, entries[0].Action)
	assert.Equal(t, "dev-B", entries[0].PeerID)
	assert.Equal(t, "instance-1", entries[0].Instance)
	assert.Contains(t, entries[0].Detail, "side=target")
}

func TestConcurrentChecks(t *testing.T) {
	f := newFixture(t)
	_, err := f.bans.Ban(context.Background(), "dev-C", "x", "admin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.True(t, f.gate.Check(punch("dev-A", "dev-B")).Allowed())
				assert.Equal(t, domain.OutcomeDenied, f.gate.Check(punch("dev-A", "dev-C")).Outcome)
				_, _ = f.reg.RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp-dev-A")
			}
		}()
	}
	wg.Wait()
}
