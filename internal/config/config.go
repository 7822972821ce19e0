// Package config loads the simulation harness's settings from a JWCC
// (JSON-with-comments) file via tailscale/hujson, the same format
// calvinalkan/agent-task reaches for when a config needs to be
// hand-edited without a heavier format.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds every tunable the simulation driver needs: pool sizing
// for the buffer cache, heap sizing for the page allocator, and the
// sync daemon's flush interval.
type Config struct {
	NBUF          int           `json:"nbuf"`
	NBUCKET       int           `json:"nbucket"`
	BlockSize     int           `json:"block_size"`
	HeapFrames    int           `json:"heap_frames"`
	SyncInterval  time.Duration `json:"-"`
	SyncIntervalS int           `json:"sync_interval_seconds"`
	DiskPath      string        `json:"disk_path"`
}

// Default returns the harness's built-in defaults.
func Default() Config {
	return Config{
		NBUF:          30,
		NBUCKET:       13,
		BlockSize:     1024,
		HeapFrames:    1 << 12,
		SyncInterval:  30 * time.Second,
		SyncIntervalS: 30,
		DiskPath:      "kcoresim.img",
	}
}

// Load reads and parses a JWCC config file at path, overlaying it onto
// Default(). A missing file is not an error: Default() is returned
// unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.SyncIntervalS > 0 {
		cfg.SyncInterval = time.Duration(cfg.SyncIntervalS) * time.Second
	}
	return cfg, nil
}
