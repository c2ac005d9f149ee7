package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed() domain.RuntimeConfig {
	return domain.RuntimeConfig{
		PeerTimeoutSecs:       15,
		HeartbeatIntervalSecs: 3,
		WarningThreshold:      2,
		CriticalThreshold:     4,
		DBSyncIntervalSecs:    30,
	}
}

func intp(v int) *int { return &v }

func TestNewRejectsInvalidSeed(t *testing.T) {
	bad := seed()
	bad.HeartbeatIntervalSecs = 0
	_, err := New(bad)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestUpdateRejectsThresholdOrderAndKeepsPrevious(t *testing.T) {
	s, err := New(seed())
	require.NoError(t, err)
	store := memory.New()

	for _, crit := range []int{2, 1} {
		_, err := s.Update(context.Background(), domain.RuntimeConfigPatch{CriticalThreshold: intp(crit)}, store)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConfigInvalid)

		var cfgErr *domain.ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, domain.KeyCriticalThreshold, cfgErr.Fields[0].Field)
		assert.Contains(t, cfgErr.Fields[0].Reason, domain.KeyWarningThreshold)
	}
	assert.Equal(t, seed(), s.Current())

	kv, err := store.LoadRuntimeConfig(context.Background())
	require.NoError(t, err)
	assert.Empty(t, kv, "rejected updates must not be persisted")
}

func TestUpdateRejectsValuesThatOverflowDurations(t *testing.T) {
	s, err := New(seed())
	require.NoError(t, err)
	store := memory.New()

	huge := 10_000_000_000
	_, err = s.Update(context.Background(), domain.RuntimeConfigPatch{
		HeartbeatIntervalSecs: intp(huge),
		PeerTimeoutSecs:       intp(huge),
		CriticalThreshold:     intp(huge),
	}, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	fields := make([]string, 0, len(cfgErr.Fields))
	for _, f := range cfgErr.Fields {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{
		domain.KeyHeartbeatIntervalSecs, domain.KeyPeerTimeoutSecs, domain.KeyCriticalThreshold,
	}, fields)
	assert.Equal(t, seed(), s.Current())

	// The largest accepted values still give positive durations.
	maxed, err := s.Update(context.Background(), domain.RuntimeConfigPatch{
		HeartbeatIntervalSecs: intp(86400),
		PeerTimeoutSecs:       intp(86400),
		WarningThreshold:      intp(9999),
		CriticalThreshold:     intp(10000),
	}, store)
	require.NoError(t, err)
	assert.Positive(t, maxed.HeartbeatInterval()*time.Duration(maxed.CriticalThreshold))
	assert.Equal(t, domain.HealthOnline, domain.Classify(time.Second, maxed))
}

func TestUpdateAppliesAndPersists(t *testing.T) {
	s, err := New(seed())
	require.NoError(t, err)
	store := memory.New()

	got, err := s.Update(context.Background(), domain.RuntimeConfigPatch{
		WarningThreshold:  intp(3),
		CriticalThreshold: intp(6),
	}, store)
	require.NoError(t, err)
	assert.Equal(t, 3, got.WarningThreshold)
	assert.Equal(t, got, s.Current())

	kv, err := store.LoadRuntimeConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "6", kv[domain.KeyCriticalThreshold])
}

func TestUpdateStoreFailureKeepsPrevious(t *testing.T) {
	s, err := New(seed())
	require.NoError(t, err)
	store := memory.New()
	store.SetUnavailable(true)

	_, err = s.Update(context.Background(), domain.RuntimeConfigPatch{WarningThreshold: intp(3)}, store)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, seed(), s.Current())
}

func TestLoadFromOverlaysStoredValues(t *testing.T) {
	s, err := New(seed())
	require.NoError(t, err)

	require.NoError(t, s.LoadFrom(context.Background(), map[string]string{domain.KeyHeartbeatIntervalSecs: "5"}))
	assert.Equal(t, 5, s.Current().HeartbeatIntervalSecs)

	err = s.LoadFrom(context.Background(), map[string]string{domain.KeyWarningThreshold: "9"})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, 2, s.Current().WarningThreshold)
}

func TestConcurrentReadersDuringUpdates(t *testing.T) {
	s, err := New(seed())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				cfg := s.Current()
				assert.Greater(t, cfg.CriticalThreshold, cfg.WarningThreshold)
			}
		}()
	}
	for w := 1; w <= 50; w++ {
		_, err := s.Update(context.Background(), domain.RuntimeConfigPatch{
			WarningThreshold:  intp(w),
			CriticalThreshold: intp(w + 1),
		}, nil)
		require.NoError(t, err)
	}
	wg.Wait()
}
