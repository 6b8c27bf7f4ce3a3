// Package config loads the bridge's TOML configuration file, creating one
// with sane defaults (and a freshly generated admin token) on first run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	defaultWSAddr              = ":9000"
	defaultAdminAddr           = ":9001"
	defaultIdleTimeout         = 5 * time.Minute
	defaultRequestDeadline     = 30 * time.Second
	defaultChunkThresholdBytes = 1 << 20
	defaultConfigDirName       = "automation-bridge"
	defaultConfigFileName      = "config.toml"
	defaultLogsDirName         = "logs"
)

// Settings are the resolved, typed values the rest of the bridge consumes.
type Settings struct {
	Path                string
	WSAddr              string
	AdminAddr           string
	AdminToken          string
	IdleTimeout         time.Duration
	RequestDeadline     time.Duration
	ChunkThresholdBytes int
	LogsDir             string
}

type fileConfig struct {
	Server serverConfig `toml:"server"`
	Auth   authConfig   `toml:"auth"`
}

type serverConfig struct {
	WSAddr              string `toml:"ws_addr"`
	AdminAddr           string `toml:"admin_addr"`
	IdleTimeout         string `toml:"idle_timeout"`
	RequestDeadline     string `toml:"request_deadline"`
	ChunkThresholdBytes int    `toml:"chunk_threshold_bytes"`
	LogsDir             string `toml:"logs_dir"`
}

type authConfig struct {
	AdminToken string `toml:"admin_token"`
}

// LoadOrCreate loads settings from path (or the default per-user path when
// path is empty), filling in and persisting any missing value.
func LoadOrCreate(path string) (Settings, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return Settings{}, err
		}
	}

	cfg := defaultFileConfig()
	exists := false
	if _, err := os.Stat(path); err == nil {
		exists = true
		var onDisk fileConfig
		if _, err := toml.DecodeFile(path, &onDisk); err != nil {
			return Settings{}, fmt.Errorf("decode config %s: %w", path, err)
		}
		mergeFileConfig(&cfg, onDisk)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("stat config %s: %w", path, err)
	}

	changed := false
	if strings.TrimSpace(cfg.Auth.AdminToken) == "" {
		cfg.Auth.AdminToken = randomToken()
		changed = true
	}
	if strings.TrimSpace(cfg.Server.WSAddr) == "" {
		cfg.Server.WSAddr = defaultWSAddr
		changed = true
	}
	if strings.TrimSpace(cfg.Server.AdminAddr) == "" {
		cfg.Server.AdminAddr = defaultAdminAddr
		changed = true
	}
	if strings.TrimSpace(cfg.Server.IdleTimeout) == "" {
		cfg.Server.IdleTimeout = defaultIdleTimeout.String()
		changed = true
	}
	if strings.TrimSpace(cfg.Server.RequestDeadline) == "" {
		cfg.Server.RequestDeadline = defaultRequestDeadline.String()
		changed = true
	}
	if cfg.Server.ChunkThresholdBytes <= 0 {
		cfg.Server.ChunkThresholdBytes = defaultChunkThresholdBytes
		changed = true
	}
	if strings.TrimSpace(cfg.Server.LogsDir) == "" {
		cfg.Server.LogsDir = defaultLogsDir(path)
		changed = true
	}

	if !exists || changed {
		if err := writeConfig(path, cfg); err != nil {
			return Settings{}, err
		}
	}

	return toSettings(path, cfg)
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", defaultConfigDirName, defaultConfigFileName), nil
}

func defaultLogsDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), defaultLogsDirName)
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Server: serverConfig{
			WSAddr:              defaultWSAddr,
			IdleTimeout:         defaultIdleTimeout.String(),
			RequestDeadline:     defaultRequestDeadline.String(),
			ChunkThresholdBytes: defaultChunkThresholdBytes,
		},
	}
}

func mergeFileConfig(dst *fileConfig, src fileConfig) {
	if v := strings.TrimSpace(src.Server.WSAddr); v != "" {
		dst.Server.WSAddr = v
	}
	if v := strings.TrimSpace(src.Server.AdminAddr); v != "" {
		dst.Server.AdminAddr = v
	}
	if v := strings.TrimSpace(src.Server.IdleTimeout); v != "" {
		dst.Server.IdleTimeout = v
	}
	if v := strings.TrimSpace(src.Server.RequestDeadline); v != "" {
		dst.Server.RequestDeadline = v
	}
	if src.Server.ChunkThresholdBytes > 0 {
		dst.Server.ChunkThresholdBytes = src.Server.ChunkThresholdBytes
	}
	if v := strings.TrimSpace(src.Server.LogsDir); v != "" {
		dst.Server.LogsDir = v
	}
	if v := strings.TrimSpace(src.Auth.AdminToken); v != "" {
		dst.Auth.AdminToken = v
	}
}

func toSettings(path string, cfg fileConfig) (Settings, error) {
	idle, err := time.ParseDuration(cfg.Server.IdleTimeout)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid server.idle_timeout duration: %w", err)
	}
	deadline, err := time.ParseDuration(cfg.Server.RequestDeadline)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid server.request_deadline duration: %w", err)
	}
	return Settings{
		Path:                path,
		WSAddr:              cfg.Server.WSAddr,
		AdminAddr:           cfg.Server.AdminAddr,
		AdminToken:          cfg.Auth.AdminToken,
		IdleTimeout:         idle,
		RequestDeadline:     deadline,
		ChunkThresholdBytes: cfg.Server.ChunkThresholdBytes,
		LogsDir:             cfg.Server.LogsDir,
	}, nil
}

func writeConfig(path string, cfg fileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString("# automation-bridge config\n\n"); err != nil {
		return fmt.Errorf("write config header: %w", err)
	}
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func randomToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
