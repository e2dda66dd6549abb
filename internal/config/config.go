// Package config loads hypha settings from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvConfig = "HYPHA_CONFIG"
	EnvServer = "HYPHA_SERVER"
	EnvUser   = "HYPHA_USER"
)

// Config is the resolved client configuration.
type Config struct {
	Server            string
	ImageBase         string
	User              string
	DB                string
	Timeout           time.Duration
	RefreshInterval   time.Duration // used until the server sends its preference
	HeartbeatInterval time.Duration
	ImageCacheMB      int
	Log               Log
	TLS               TLS
}

type Log struct {
	Level      string
	File       string
	JSON       bool
	MaxSizeMB  int
	MaxBackups int
}

type TLS struct {
	CAFile   string
	Insecure bool
	Trusted  []string // pre-granted certificate fingerprints
}

func Default() Config {
	return Config{
		Timeout:           60 * time.Second,
		RefreshInterval:   30 * time.Minute,
		HeartbeatInterval: 5 * time.Minute,
		ImageCacheMB:      64,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

type fileConfig struct {
	Server            string `toml:"server"`
	ImageBase         string `toml:"image_base"`
	User              string `toml:"user"`
	DB                string `toml:"db"`
	Timeout           string `toml:"timeout"`
	RefreshInterval   string `toml:"refresh_interval"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	ImageCacheMB      int    `toml:"image_cache_mb"`
	Log               struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		JSON       bool   `toml:"json"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
	} `toml:"log"`
	TLS struct {
		CAFile   string   `toml:"ca_file"`
		Insecure bool     `toml:"insecure"`
		Trusted  []string `toml:"trusted"`
	} `toml:"tls"`
}

// Load reads path over the defaults. Keys missing from the file keep
// their default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("image_base") {
		cfg.ImageBase = strings.TrimSpace(raw.ImageBase)
	}
	if meta.IsDefined("user") {
		cfg.User = strings.TrimSpace(raw.User)
	}
	if meta.IsDefined("db") {
		cfg.DB = expandHome(strings.TrimSpace(raw.DB))
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"timeout", raw.Timeout, &cfg.Timeout},
		{"refresh_interval", raw.RefreshInterval, &cfg.RefreshInterval},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v < 0 {
			return Config{}, fmt.Errorf("parse %s: negative duration %s", d.key, v)
		}
		*d.dst = v
	}
	if meta.IsDefined("image_cache_mb") {
		cfg.ImageCacheMB = raw.ImageCacheMB
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = expandHome(strings.TrimSpace(raw.Log.File))
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}

	if meta.IsDefined("tls", "ca_file") {
		cfg.TLS.CAFile = expandHome(strings.TrimSpace(raw.TLS.CAFile))
	}
	if meta.IsDefined("tls", "insecure") {
		cfg.TLS.Insecure = raw.TLS.Insecure
	}
	if meta.IsDefined("tls", "trusted") {
		for _, fp := range raw.TLS.Trusted {
			if fp = normalizeFingerprint(fp); fp != "" {
				cfg.TLS.Trusted = append(cfg.TLS.Trusted, fp)
			}
		}
	}
	return cfg, nil
}

// Path returns the config file to read: flag, then HYPHA_CONFIG, then
// $XDG_CONFIG_HOME/hypha/config.toml. explicit reports whether the path
// was asked for and so must exist.
func Path(flag string) (path string, explicit bool) {
	if flag != "" {
		return flag, true
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env, true
	}
	return filepath.Join(configHome(), "hypha", "config.toml"), false
}

// Resolve loads the discovered config file, if any, and applies the
// environment on top.
func Resolve(flag string) (Config, error) {
	path, explicit := Path(flag)
	cfg, err := Load(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, os.ErrNotExist):
		cfg = Default()
	default:
		return Config{}, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvServer)); v != "" {
		cfg.Server = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUser)); v != "" {
		cfg.User = v
	}
}

func configHome() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}
