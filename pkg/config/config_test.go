package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.MessageRetryInterval.Std())
	assert.Equal(t, 2500*time.Millisecond, cfg.MessageTimeoutDuration.Std())
	assert.Equal(t, 50, cfg.MaxPeerConnections)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 3, cfg.MaxErrorsBeforeTermination)
	assert.Equal(t, 5*time.Second, cfg.BlockInterval.Std())
	assert.Zero(t, cfg.MaxBlocksPerCreator)
	assert.True(t, cfg.EmptyBlockHeartbeat)
	assert.False(t, cfg.ShiftOnLeaderFailure)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxPeerConnections, cfg.MaxPeerConnections)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Username = "alice"
	cfg.BlockInterval = Duration(750 * time.Millisecond)
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Username)
	assert.Equal(t, 750*time.Millisecond, loaded.BlockInterval.Std())
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"maxRetries": 7, "messageRetryInterval": "1m"}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.MessageRetryInterval.Std())
	assert.Equal(t, 50, cfg.MaxPeerConnections)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"blockInterval": 5}`), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MaxPeerConnections = 0
	cfg.BlockInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxPeerConnections")
	assert.Contains(t, err.Error(), "blockInterval")
}

func TestValidateBlockIntervalFloor(t *testing.T) {
	cfg := Default()
	cfg.BlockInterval = Duration(time.Nanosecond)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blockInterval must be at least")

	cfg.BlockInterval = Duration(MinBlockInterval)
	require.NoError(t, cfg.Validate())
}
