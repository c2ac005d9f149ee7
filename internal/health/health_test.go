package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shugur-Network/peergate/internal/ban"
	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/Shugur-Network/peergate/internal/monitor"
	"github.com/Shugur-Network/peergate/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type banStatus ban.Status

func (b banStatus) Status() ban.Status { return ban.Status(b) }

type syncStatus monitor.SyncStatus

func (s syncStatus) Status() monitor.SyncStatus { return monitor.SyncStatus(s) }

func component(t *testing.T, resp *HealthResponse, name string) *ComponentStatus {
	t.Helper()
	for _, c := range resp.Components {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %s missing", name)
	return nil
}

func TestCheckHealth_AllHealthy(t *testing.T) {
	h := NewHealthChecker(Sources{
		Store:     memory.New(),
		Bans:      banStatus{Size: 2, LastRefresh: time.Now()},
		Sync:      syncStatus{LastSync: time.Now()},
		LivePeers: func() int { return 7 },
	}, zap.NewNop(), "test", "node-1")

	resp := h.CheckHealth(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "node-1", resp.Instance)
	assert.Equal(t, 7, component(t, resp, "registry").Details["live_peers"])
}

func TestCheckHealth_StoreDownIsDegraded(t *testing.T) {
	store := memory.New()
	store.SetUnavailable(true)
	h := NewHealthChecker(Sources{
		Store: store,
		Bans:  banStatus{Size: 1, Failures: 3, Degraded: true, LastError: domain.ErrStoreUnavailable.Error()},
		Sync:  syncStatus{Failures: 2, Pending: 5},
	}, zap.NewNop(), "test", "")

	resp := h.CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, StatusDegraded, component(t, resp, "store").Status)
	assert.Equal(t, StatusDegraded, component(t, resp, "ban_cache").Status)
	assert.Equal(t, StatusDegraded, component(t, resp, "sync").Status)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "degraded still serves")

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, StatusDegraded, body.Status)
}

func TestFormatUptime(t *testing.T) {
	h := &HealthChecker{}
	assert.Equal(t, "42s", h.formatUptime(42*time.Second))
	assert.Equal(t, "2m 5s", h.formatUptime(125*time.Second))
	assert.Equal(t, "1d 1h 0m 0s", h.formatUptime(25*time.Hour))
}
