package main

import (
	"path/filepath"
	"testing"

	"github.com/baderanaas/hushchain/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevels(t *testing.T) {
	require.NoError(t, setLogLevels("debug"))
	require.NoError(t, setLogLevels("info"))
	require.Error(t, setLogLevels("loud"))
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	rootCmd.SetArgs([]string{"init", "--data-dir", dir, "--user", "alice", "--port", "4001"})
	require.NoError(t, rootCmd.Execute())

	cfg, err := config.Load(filepath.Join(dir, config.FileName))
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.Username)
	require.Equal(t, 4001, cfg.ListenPort)
	require.Equal(t, dir, cfg.DataDir)
}
