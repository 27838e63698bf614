package connectclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"connectclient/internal/cache"
)

// configDirName is the directory created under os.UserConfigDir().
const configDirName = "connectclient"

// Config holds persistent settings for a host application embedding
// this client: which access point to dial, device identity, cache
// sizing, and default DSP levels.
type Config struct {
	AccessPointAddr  string        `json:"access_point_addr"`
	DeviceID         string        `json:"device_id"`
	DeviceName       string        `json:"device_name"`
	CacheDir         string        `json:"cache_dir"`
	CacheChunkBytes  int           `json:"cache_chunk_bytes"`
	CacheTargetBytes int64         `json:"cache_target_bytes"`
	CachePruneEvery  time.Duration `json:"cache_prune_every"`
	SinkBufferMs     int           `json:"sink_buffer_ms"`
	Volume           float64       `json:"volume"`
	DiagAddr         string        `json:"diag_addr"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		AccessPointAddr:  "ap.example.com:4070",
		DeviceName:       "connectclient",
		CacheChunkBytes:  cache.DefaultChunkSize,
		CacheTargetBytes: 1 << 30, // 1 GiB
		CachePruneEvery:  10 * time.Minute,
		SinkBufferMs:     defaultSinkBufferMs,
		Volume:           1.0,
		DiagAddr:         "",
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDirName, "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing,
// unreadable, or corrupt, the default config is returned — never an
// error, matching the teacher's config package.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
