package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "peergate.log")
	require.NoError(t, Init(WithLevel("debug"), WithFormat("json"), WithFile(path), WithInstance("test")))
	t.Cleanup(func() { _ = Shutdown() })

	New("registry").Info("hello", zap.String("peer_id", "dev-A"))
	require.NoError(t, Shutdown())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"peer_id":"dev-A"`)
	assert.Contains(t, string(data), `"instance":"test"`)
}

func TestInitRejectsBadOptions(t *testing.T) {
	assert.Error(t, Init(WithFormat("xml")))
	assert.Error(t, Init(WithLevel("loud")))
}

func TestReplaceAndRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(zap.New(core))
	defer restore()

	ctx := WithRequestID(context.Background(), "req-1")
	FromContext(ctx).Warn("denied")
	Warn("plain")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "denied", entry.Message)
	assert.Equal(t, "req-1", entry.ContextMap()["request_id"])
	assert.Equal(t, "req-1", RequestID(ctx))
}
