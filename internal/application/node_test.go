package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		General: config.GeneralConfig{DataDir: dir, InstanceName: "test-node"},
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:0",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			IdleTimeout:     time.Minute,
			ShutdownTimeout: 5 * time.Second,
			Control: config.ControlConfig{
				Enabled:           true,
				MaxMessageBytes:   4096,
				MessagesPerSecond: 10,
				Burst:             10,
				PingInterval:      30 * time.Second,
			},
		},
		Admin:    config.AdminConfig{AuthWindow: time.Minute},
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, OperationTimeout: time.Second},
		Heartbeat: config.HeartbeatConfig{
			PeerTimeoutSecs:    15,
			IntervalSecs:       3,
			WarningThreshold:   2,
			CriticalThreshold:  4,
			DBSyncIntervalSecs: 30,
		},
		Ban: config.BanConfig{
			RefreshInterval: time.Second,
			SnapshotEnabled: true,
			BloomCapacity:   1024,
			BloomFPRate:     0.01,
		},
		Admission: config.AdmissionConfig{
			AuditDenials: true,
			RateLimit:    config.AdmissionRateLimit{Enabled: true, PerSecond: 10, Burst: 10, IdleTTL: time.Minute},
		},
		Workers: config.WorkersConfig{Count: 2, QueueSize: 16},
	}
}

func TestNodeLifecyclePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)

	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	_, err = n.Registry().RegisterOrTouch("dev-A", "198.51.100.1:5000", "fp")
	require.NoError(t, err)
	_, err = n.Admin().Ban(context.Background(), "dev-A", "abuse", "admin")
	require.NoError(t, err)

	n.Shutdown()

	_, err = os.Stat(filepath.Join(cfg.General.DataDir, identity.InstanceIDFileName))
	assert.NoError(t, err)
	_, err = os.Stat(cfg.SQLitePath())
	assert.NoError(t, err)

	// The final flush and the ban write both reached SQLite.
	restarted, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer restarted.Shutdown()

	v, ok := restarted.Registry().Get("dev-A")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.1:5000", v.Address)
	st, err := restarted.Admin().Peer("dev-A")
	require.NoError(t, err)
	assert.True(t, st.IsBanned)
	assert.Equal(t, "abuse", st.BanReason)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
