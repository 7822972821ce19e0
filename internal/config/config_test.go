package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/kcore/internal/config"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.jwcc"))
	require.NoError(t, err)
	require.Equal(t, config.Default().NBUF, cfg.NBUF)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.jwcc")
	contents := `{
		// trailing commas and comments are both fine in JWCC
		"nbuf": 64,
		"nbucket": 17,
		"sync_interval_seconds": 5,
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.NBUF)
	require.Equal(t, 17, cfg.NBUCKET)
	require.Equal(t, config.Default().BlockSize, cfg.BlockSize)
	require.EqualValues(t, 5, cfg.SyncInterval.Seconds())
}
