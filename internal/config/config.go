// Package config loads fitsync settings from fitsync.yaml and FITSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/fitsync/internal/engine"
)

// FileName is the config file looked up in the data dir and the working
// directory.
const FileName = "fitsync.yaml"

// EnvPrefix prefixes every environment override, e.g. FITSYNC_SYNC_INTERVAL.
const EnvPrefix = "FITSYNC"

// Config is the resolved configuration.
type Config struct {
	TenantID      string
	ServerURL     string
	DataDir       string
	SpoolDir      string
	LogFile       string
	DashboardPort int

	Sync SyncConfig
	Log  LogConfig

	// Source is the file the values were read from, or "" for defaults
	// and environment only.
	Source string
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	Interval      time.Duration
	ProbeInterval time.Duration
	BatchSize     int
	RetryDelays   []time.Duration
	MaxRetries    int
}

// LogConfig tunes file rotation.
type LogConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// file mirrors fitsync.yaml. Durations are strings so the template stays
// readable.
type file struct {
	TenantID      string   `yaml:"tenant_id"`
	ServerURL     string   `yaml:"server_url"`
	DataDir       string   `yaml:"data_dir"`
	SpoolDir      string   `yaml:"spool_dir"`
	LogFile       string   `yaml:"log_file"`
	DashboardPort int      `yaml:"dashboard_port"`
	Sync          syncFile `yaml:"sync"`
	Log           logFile  `yaml:"log"`
}

type syncFile struct {
	Interval      string   `yaml:"interval"`
	ProbeInterval string   `yaml:"probe_interval"`
	BatchSize     int      `yaml:"batch_size"`
	RetryDelays   []string `yaml:"retry_delays"`
	MaxRetries    int      `yaml:"max_retries"`
}

type logFile struct {
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// DefaultDataDir returns $XDG_DATA_HOME/fitsync, falling back to
// ~/.local/share/fitsync and then ./.fitsync.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "fitsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fitsync"
	}
	return filepath.Join(home, ".local", "share", "fitsync")
}

func defaults(dataDir string) file {
	ecfg := engine.DefaultConfig()
	delays := make([]string, len(ecfg.RetryDelays))
	for i, d := range ecfg.RetryDelays {
		delays[i] = d.String()
	}
	return file{
		ServerURL:     "http://localhost:8787",
		DataDir:       dataDir,
		SpoolDir:      filepath.Join(dataDir, "spool"),
		LogFile:       filepath.Join(dataDir, "fitsync.log"),
		DashboardPort: 8080,
		Sync: syncFile{
			Interval:      ecfg.Interval.String(),
			ProbeInterval: ecfg.ProbeInterval.String(),
			BatchSize:     ecfg.BatchSize,
			RetryDelays:   delays,
			MaxRetries:    ecfg.MaxRetries,
		},
		Log: logFile{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
	}
}

func setDefaults(v *viper.Viper, f file) {
	v.SetDefault("tenant_id", f.TenantID)
	v.SetDefault("server_url", f.ServerURL)
	v.SetDefault("data_dir", f.DataDir)
	v.SetDefault("spool_dir", "")
	v.SetDefault("log_file", "")
	v.SetDefault("dashboard_port", f.DashboardPort)
	v.SetDefault("sync.interval", f.Sync.Interval)
	v.SetDefault("sync.probe_interval", f.Sync.ProbeInterval)
	v.SetDefault("sync.batch_size", f.Sync.BatchSize)
	v.SetDefault("sync.retry_delays", f.Sync.RetryDelays)
	v.SetDefault("sync.max_retries", f.Sync.MaxRetries)
	v.SetDefault("log.max_size_mb", f.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", f.Log.MaxBackups)
	v.SetDefault("log.max_age_days", f.Log.MaxAgeDays)
}

// Load reads path, or when path is empty the first fitsync.yaml found in
// the default data dir or the working directory. A missing file is not an
// error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaults(DefaultDataDir()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDataDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		TenantID:      v.GetString("tenant_id"),
		ServerURL:     v.GetString("server_url"),
		DataDir:       v.GetString("data_dir"),
		SpoolDir:      v.GetString("spool_dir"),
		LogFile:       v.GetString("log_file"),
		DashboardPort: v.GetInt("dashboard_port"),
		Sync: SyncConfig{
			BatchSize:  v.GetInt("sync.batch_size"),
			MaxRetries: v.GetInt("sync.max_retries"),
		},
		Log: LogConfig{
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Source: v.ConfigFileUsed(),
	}

	// Paths under the data dir follow it unless set explicitly.
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.DataDir, "spool")
	}
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "fitsync.log")
	}

	var err error
	if cfg.Sync.Interval, err = parseDuration(v.GetString("sync.interval")); err != nil {
		return nil, fmt.Errorf("invalid sync.interval: %w", err)
	}
	if cfg.Sync.ProbeInterval, err = parseDuration(v.GetString("sync.probe_interval")); err != nil {
		return nil, fmt.Errorf("invalid sync.probe_interval: %w", err)
	}
	for _, s := range splitList(v.GetStringSlice("sync.retry_delays")) {
		d, err := parseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid sync.retry_delays entry %q: %w", s, err)
		}
		cfg.Sync.RetryDelays = append(cfg.Sync.RetryDelays, d)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration accepts Go durations and bare integers as seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("not a duration: %q", s)
}

// splitList flattens entries that hold comma separated values, as an
// environment variable does.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks ranges. An empty tenant is allowed here; commands that
// sync require one.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port out of range: %d", c.DashboardPort)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be positive")
	}
	return c.Engine(nil).Validate()
}

// DBPath is the SQLite file inside the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fitsync.db")
}

// Engine builds the engine configuration. A nil logger keeps the engine
// default.
func (c *Config) Engine(logger *log.Logger) *engine.Config {
	ecfg := engine.DefaultConfig()
	ecfg.Interval = c.Sync.Interval
	ecfg.ProbeInterval = c.Sync.ProbeInterval
	ecfg.BatchSize = c.Sync.BatchSize
	ecfg.RetryDelays = c.Sync.RetryDelays
	ecfg.MaxRetries = c.Sync.MaxRetries
	if logger != nil {
		ecfg.Logger = logger
	}
	return ecfg
}

// WriteDefault writes a template holding every setting to path,
// with tenant filled in. It refuses to overwrite an existing file.
func WriteDefault(path, tenant, dataDir string) error {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	f := defaults(dataDir)
	f.TenantID = tenant

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("config %s already exists: %w", path, err)
		}
		return fmt.Errorf("failed to create config: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return out.Close()
}
