// Package config loads stampdb configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/daviddao/stampdb/pkg/model"
	"github.com/daviddao/stampdb/pkg/store"
	"gopkg.in/yaml.v3"
)

// Default locations used when nothing else is configured.
const (
	DefaultDir    = ".stampdb"
	DefaultDB     = DefaultDir + "/stamp.db"
	DefaultConfig = DefaultDir + "/config.yaml"
)

// Environment variables that override the file.
const (
	EnvConfig  = "STAMPDB_CONFIG"
	EnvDB      = "STAMPDB_DB"
	EnvBackend = "STAMPDB_BACKEND"
	EnvAuthor  = "STAMPDB_AUTHOR"
	EnvModule  = "STAMPDB_MODULE"
	EnvPath    = "STAMPDB_PATH"
)

// Config is the complete stampdb configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Paths    []PathConfig   `yaml:"paths,omitempty"`
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	// Backend is sqlite, badger or memory.
	Backend string `yaml:"backend"`
	// Path is the database file (sqlite) or directory (badger).
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// SnapshotConfig tunes the read facade.
type SnapshotConfig struct {
	// Workers bounds batch fan-out.
	Workers int `yaml:"workers"`
}

// DefaultsConfig names the author, module and path used for edits when
// the command line does not.
type DefaultsConfig struct {
	Author string `yaml:"author"`
	Module string `yaml:"module"`
	Path   string `yaml:"path"`
}

// PathConfig declares a path and where it imports from.
type PathConfig struct {
	Name    string         `yaml:"name"`
	Origins []OriginConfig `yaml:"origins,omitempty"`
}

// OriginConfig names an origin path and its import time. Time is
// "latest", RFC3339, or epoch milliseconds.
type OriginConfig struct {
	Path string `yaml:"path"`
	Time string `yaml:"time"`
}

// Default returns a Config with the built-in defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: store.BackendSQLite,
			Path:    DefaultDB,
		},
		Snapshot: SnapshotConfig{Workers: runtime.GOMAXPROCS(0)},
		Defaults: DefaultsConfig{Path: "main"},
		Paths:    []PathConfig{{Name: "main"}},
	}
}

// Load reads path (or the file named by STAMPDB_CONFIG, or the default
// location) over the defaults, then applies environment overrides. A
// missing file is not an error unless it was asked for explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = envOr(EnvConfig, "")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultConfig
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STAMPDB_* variables that are set.
func (c *Config) ApplyEnv() {
	c.Store.Path = envOr(EnvDB, c.Store.Path)
	c.Store.Backend = envOr(EnvBackend, c.Store.Backend)
	c.Defaults.Author = envOr(EnvAuthor, c.Defaults.Author)
	c.Defaults.Module = envOr(EnvModule, c.Defaults.Module)
	c.Defaults.Path = envOr(EnvPath, c.Defaults.Path)
}

// Validate checks backend, workers and that every origin names a declared
// path.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendBadger, store.BackendMemory:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Backend != store.BackendMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
	}
	if c.Snapshot.Workers <= 0 {
		return fmt.Errorf("snapshot.workers must be positive, got %d", c.Snapshot.Workers)
	}
	declared := make(map[string]bool, len(c.Paths))
	for _, p := range c.Paths {
		if p.Name == "" {
			return fmt.Errorf("paths: a path has no name")
		}
		if declared[p.Name] {
			return fmt.Errorf("paths: %q declared twice", p.Name)
		}
		declared[p.Name] = true
	}
	for _, p := range c.Paths {
		for _, o := range p.Origins {
			if !declared[o.Path] {
				return fmt.Errorf("paths: %q imports from undeclared path %q", p.Name, o.Path)
			}
			if _, err := ParseTime(o.Time); err != nil {
				return fmt.Errorf("paths: %q origin %q: %w", p.Name, o.Path, err)
			}
		}
	}
	return nil
}

// StoreOptions converts the store section for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:    c.Store.Backend,
		Path:       c.Store.Path,
		SyncWrites: c.Store.SyncWrites,
	}
}

// SaveToFile writes the configuration as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ParseTime reads a stamp time: "latest", "uncommitted", "canceled",
// RFC3339, or epoch milliseconds. The empty string means latest.
func ParseTime(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest", "uncommitted":
		return model.TimeLatest, nil
	case "canceled", "cancelled":
		return model.TimeCanceled, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("time %q is not latest, RFC3339 or epoch millis", s)
	}
	return ts.UnixMilli(), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
