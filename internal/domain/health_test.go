package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRuntime() RuntimeConfig {
	return RuntimeConfig{
		PeerTimeoutSecs:       15,
		HeartbeatIntervalSecs: 3,
		WarningThreshold:      2,
		CriticalThreshold:     4,
		DBSyncIntervalSecs:    30,
	}
}

func TestClassifyTimeline(t *testing.T) {
	cfg := defaultRuntime()
	tests := []struct {
		elapsed time.Duration
		want    HealthState
	}{
		{0, HealthOnline},
		{3 * time.Second, HealthOnline},
		{6 * time.Second, HealthOnline},
		{7 * time.Second, HealthDegraded},
		{12 * time.Second, HealthDegraded},
		{13 * time.Second, HealthCritical},
		{15 * time.Second, HealthCritical},
		{16 * time.Second, HealthOffline},
		{time.Hour, HealthOffline},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.elapsed, cfg), "elapsed=%s", tt.elapsed)
	}
}

func TestClassifyIsMonotonic(t *testing.T) {
	cfg := defaultRuntime()
	prev := HealthOnline
	for ms := 0; ms <= 30_000; ms += 250 {
		got := Classify(time.Duration(ms)*time.Millisecond, cfg)
		require.GreaterOrEqual(t, int(got), int(prev), "state regressed at %dms", ms)
		prev = got
	}
	assert.Equal(t, HealthOffline, prev)
}

func TestClassifyNegativeElapsedIsOnline(t *testing.T) {
	assert.Equal(t, HealthOnline, Classify(-5*time.Second, defaultRuntime()))
}

func TestHealthStateString(t *testing.T) {
	assert.Equal(t, "online", HealthOnline.String())
	assert.Equal(t, "offline", HealthOffline.String())
	assert.Equal(t, "unknown", HealthState(42).String())

	text, err := HealthCritical.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "critical", string(text))
}

func TestRuntimeConfigApplyAndKeyValues(t *testing.T) {
	cfg := defaultRuntime()
	warn := 3
	patched := cfg.Apply(RuntimeConfigPatch{WarningThreshold: &warn})
	assert.Equal(t, 3, patched.WarningThreshold)
	assert.Equal(t, 2, cfg.WarningThreshold, "Apply must not mutate the receiver")

	patch, err := PatchFromKeyValues(patched.KeyValues())
	require.NoError(t, err)
	assert.Equal(t, patched, RuntimeConfig{}.Apply(patch))

	_, err = PatchFromKeyValues(map[string]string{KeyWarningThreshold: "two"})
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KeyWarningThreshold, fe.Field)
}

func TestPeerCloneIsDeep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := Peer{
		ID:          "dev-A",
		Ban:         &BanRecord{BannedAt: now, BannedBy: "admin", Reason: "abuse"},
		PreviousIDs: []string{"old"},
		DeletedAt:   &now,
	}
	c := p.Clone()
	c.Ban.Reason = "changed"
	c.PreviousIDs[0] = "changed"
	*c.DeletedAt = now.Add(time.Hour)

	assert.Equal(t, "abuse", p.Ban.Reason)
	assert.Equal(t, "old", p.PreviousIDs[0])
	assert.Equal(t, now, *p.DeletedAt)
}

func TestStoreErrorMatchesSentinel(t *testing.T) {
	err := Unavailable("load", errors.New("dial tcp: refused"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Nil(t, Unavailable("load", nil))

	cfgErr := &ConfigError{Fields: []FieldError{{Field: "critical_threshold", Reason: "must be greater than warning_threshold"}}}
	assert.ErrorIs(t, cfgErr, ErrConfigInvalid)
	assert.Contains(t, cfgErr.Error(), "critical_threshold")
}
