package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreatePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := GetOrCreate(dir, "")
	require.NoError(t, err)
	assert.Len(t, first.ID, 36)
	assert.Equal(t, "peergate-"+first.ID[:8], first.Label())

	second, err := GetOrCreate(dir, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "edge-1", second.Label())
}

func TestGetOrCreateRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, InstanceIDFileName), []byte("not-a-uuid\n"), 0o600))

	_, err := GetOrCreate(dir, "")
	assert.Error(t, err)
}
