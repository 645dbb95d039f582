package cli

import (
	"path/filepath"
	"testing"

	"github.com/iambrandonn/overseer/internal/config"
	"github.com/stretchr/testify/require"
)

func TestInitWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)

	out, err := executeCommand(t, "", "init", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "Wrote "+path)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, config.GenerateDefault(), cfg)
}

func TestInitKeepsExistingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	cfg := config.GenerateDefault()
	cfg.Server.Addr = "0.0.0.0:9000"
	require.NoError(t, cfg.SaveToFile(path))

	_, err := executeCommand(t, "", "init", "--config", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
	require.Contains(t, err.Error(), "--force")

	kept, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", kept.Server.Addr)

	_, err = executeCommand(t, "", "init", "--config", path, "--force")
	require.NoError(t, err)

	replaced, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8484", replaced.Server.Addr)
}
