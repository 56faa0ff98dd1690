// Package config loads diary settings from diary.toml, DIARY_* environment
// variables and built-in defaults, in increasing order of precedence:
// defaults < file < environment < flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// FileName is the config file base name searched for when no explicit
// path is given.
const FileName = "diary.toml"

// Remote backends.
const (
	BackendDropbox = "dropbox"
	BackendFolder  = "folder"
)

// Config is the full diary configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Dropbox DropboxConfig `mapstructure:"dropbox"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Events  EventsConfig  `mapstructure:"events"`
	Netmon  NetmonConfig  `mapstructure:"netmon"`
	Log     LogConfig     `mapstructure:"log"`

	// File is the config file that was read, or "" if none.
	File string `mapstructure:"-"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Backend    string        `mapstructure:"backend"`
	Folder     string        `mapstructure:"folder"`
	SyncPath   string        `mapstructure:"sync_path"`
	BackupsDir string        `mapstructure:"backups_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DropboxConfig holds the OAuth application settings.
type DropboxConfig struct {
	AppKey      string `mapstructure:"app_key"`
	RedirectURI string `mapstructure:"redirect_uri"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxRetries      int           `mapstructure:"max_retries"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EventsConfig configures the daemon's event server.
type EventsConfig struct {
	Addr string `mapstructure:"addr"`
}

// NetmonConfig configures connectivity probing.
type NetmonConfig struct {
	ProbeAddr string        `mapstructure:"probe_addr"`
	Interval  time.Duration `mapstructure:"interval"`
}

// LogConfig configures daemon logging. An empty File logs to stderr.
type LogConfig struct {
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// defaults returns the default value of every key. Every key must be
// listed here so environment overrides are seen by Unmarshal.
func defaults() map[string]any {
	return map[string]any{
		"data_dir":              DefaultDataDir(),
		"remote.backend":        BackendDropbox,
		"remote.folder":         "",
		"remote.sync_path":      "/diary-data.enc",
		"remote.backups_dir":    "/backups",
		"remote.timeout":        30 * time.Second,
		"dropbox.app_key":       "",
		"dropbox.redirect_uri":  "http://127.0.0.1:8765/callback",
		"sync.enabled":          true,
		"sync.interval":         30 * time.Second,
		"sync.retry_delay":      30 * time.Second,
		"sync.max_retries":      3,
		"sync.stale_after":      5 * time.Minute,
		"sync.shutdown_timeout": 10 * time.Second,
		"events.addr":           "127.0.0.1:8765",
		"netmon.probe_addr":     "api.dropboxapi.com:443",
		"netmon.interval":       15 * time.Second,
		"log.file":              "",
		"log.max_size_mb":       10,
	}
}

// DefaultDataDir returns $DIARY_HOME, or ~/.diary.
func DefaultDataDir() string {
	if home := os.Getenv("DIARY_HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".diary")
	}
	return ".diary"
}

// DefaultPath returns where `diary config init` writes by default.
func DefaultPath() string {
	if home := os.Getenv("DIARY_HOME"); home != "" {
		return filepath.Join(home, FileName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "diary", FileName)
	}
	return FileName
}

// New returns a viper instance with defaults, environment binding and the
// search path configured. If path is non-empty only that file is read.
func New(path string) *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("DIARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		if home := os.Getenv("DIARY_HOME"); home != "" {
			v.AddConfigPath(home)
		}
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "diary"))
		}
	}
	return v
}

// Load reads the configuration. A missing file is fine when searching; an
// explicit path that cannot be read is an error.
func Load(path string) (*Config, error) {
	return FromViper(New(path), path != "")
}

// FromViper reads and decodes v. Callers that bind flags to v use this
// instead of Load.
func FromViper(v *viper.Viper, explicit bool) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Remote.Folder = expandHome(cfg.Remote.Folder)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the Config has usable values.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendDropbox:
	case BackendFolder:
		if c.Remote.Folder == "" {
			return fmt.Errorf("remote.folder is required for the %q backend", BackendFolder)
		}
	default:
		return fmt.Errorf("unknown remote.backend %q (want %q or %q)", c.Remote.Backend, BackendDropbox, BackendFolder)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be >= 0, got %d", c.Sync.MaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"remote.timeout":        c.Remote.Timeout,
		"sync.interval":         c.Sync.Interval,
		"sync.retry_delay":      c.Sync.RetryDelay,
		"sync.stale_after":      c.Sync.StaleAfter,
		"sync.shutdown_timeout": c.Sync.ShutdownTimeout,
		"netmon.interval":       c.Netmon.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	return nil
}

// DBPath returns the structured database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "diary.db")
}

// DocumentsPath returns the document store path.
func (c *Config) DocumentsPath() string {
	return filepath.Join(c.DataDir, "documents.json")
}

// WriteDefault writes a config file holding every default to path. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# diary configuration. Environment variables DIARY_<SECTION>_<KEY> override these values.\n\n"); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(defaultTree()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}

// defaultTree nests defaults() into TOML tables with durations as strings.
func defaultTree() map[string]any {
	tree := map[string]any{}
	for key, val := range defaults() {
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		section, name, nested := strings.Cut(key, ".")
		if !nested {
			tree[key] = val
			continue
		}
		table, ok := tree[section].(map[string]any)
		if !ok {
			table = map[string]any{}
			tree[section] = table
		}
		table[name] = val
	}
	return tree
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
