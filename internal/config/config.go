package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
)

type Config struct {
	SocketPath            string
	ListenAddr            string
	ServerURL             string
	DBPath                string
	StoreBackend          string
	EtcdEndpoints         []string
	EtcdDialTimeout       time.Duration
	EtcdPrefix            string
	PersistTimeout        time.Duration
	FetchTimeout          time.Duration
	CooldownSweepInterval time.Duration
	LogLevel              string
	LogFormat             string
	OutputFormat          string
	RefreshInterval       time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:            defaultSocketPath(),
		DBPath:                defaultDBPath(),
		StoreBackend:          BackendSQLite,
		EtcdDialTimeout:       5 * time.Second,
		EtcdPrefix:            "/chanpool/v1",
		PersistTimeout:        30 * time.Second,
		FetchTimeout:          10 * time.Second,
		CooldownSweepInterval: time.Minute,
		LogLevel:              "info",
		LogFormat:             "text",
		OutputFormat:          "table",
		RefreshInterval:       15 * time.Second,
	}
}

// fileConfig mirrors Config on disk. Durations are strings such as "30s".
type fileConfig struct {
	SocketPath            string   `yaml:"socket_path"`
	ListenAddr            string   `yaml:"listen_addr"`
	ServerURL             string   `yaml:"server_url"`
	DBPath                string   `yaml:"db_path"`
	StoreBackend          string   `yaml:"store_backend"`
	EtcdEndpoints         []string `yaml:"etcd_endpoints"`
	EtcdDialTimeout       string   `yaml:"etcd_dial_timeout"`
	EtcdPrefix            string   `yaml:"etcd_prefix"`
	PersistTimeout        string   `yaml:"persist_timeout"`
	FetchTimeout          string   `yaml:"fetch_timeout"`
	CooldownSweepInterval string   `yaml:"cooldown_sweep_interval"`
	LogLevel              string   `yaml:"log_level"`
	LogFormat             string   `yaml:"log_format"`
	OutputFormat          string   `yaml:"output_format"`
	RefreshInterval       string   `yaml:"refresh_interval"`
}

func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "chanpool", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".chanpool", "config.yaml")
	}
	return filepath.Join(home, ".config", "chanpool", "config.yaml")
}

// Load overlays the YAML file at path on DefaultConfig. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("stat config: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		log.WithField("path", path).Warnf("config file has permissions %04o, expected 0600", perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.apply(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (fc fileConfig) apply(cfg *Config) error {
	setString(&cfg.SocketPath, fc.SocketPath)
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.ServerURL, fc.ServerURL)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.StoreBackend, fc.StoreBackend)
	setString(&cfg.EtcdPrefix, fc.EtcdPrefix)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.OutputFormat, fc.OutputFormat)
	if len(fc.EtcdEndpoints) > 0 {
		cfg.EtcdEndpoints = append([]string(nil), fc.EtcdEndpoints...)
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"etcd_dial_timeout", fc.EtcdDialTimeout, &cfg.EtcdDialTimeout},
		{"persist_timeout", fc.PersistTimeout, &cfg.PersistTimeout},
		{"fetch_timeout", fc.FetchTimeout, &cfg.FetchTimeout},
		{"cooldown_sweep_interval", fc.CooldownSweepInterval, &cfg.CooldownSweepInterval},
		{"refresh_interval", fc.RefreshInterval, &cfg.RefreshInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendSQLite, BackendEtcd:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == BackendEtcd && len(c.EtcdEndpoints) == 0 {
		return errors.New("etcd backend requires etcd_endpoints")
	}
	if c.PersistTimeout <= 0 || c.FetchTimeout <= 0 {
		return errors.New("persist_timeout and fetch_timeout must be positive")
	}
	switch c.OutputFormat {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", c.OutputFormat)
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "chanpool", "chanpoold.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chanpoold.sock"
	}
	return filepath.Join(home, ".local", "state", "chanpool", "chanpoold.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chanpool.db"
	}
	return filepath.Join(home, ".local", "state", "chanpool", "channels.db")
}
