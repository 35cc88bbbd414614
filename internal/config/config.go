// Package config loads lh settings from config.toml, LINKHIVE_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the data and config directories.
const FileName = "config.toml"

// EnvPrefix prefixes every environment override, e.g. LINKHIVE_DATA_DIR.
const EnvPrefix = "LINKHIVE"

// Log configures logging output.
type Log struct {
	Level      string `mapstructure:"level" toml:"level"`
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
}

// Config is the resolved configuration.
type Config struct {
	DataDir      string        `mapstructure:"data_dir" toml:"data_dir"`
	DeviceID     string        `mapstructure:"device_id" toml:"device_id,omitempty"`
	Listen       string        `mapstructure:"listen" toml:"listen"`
	Peers        []string      `mapstructure:"peers" toml:"peers"`
	Watch        bool          `mapstructure:"watch" toml:"watch"`
	Debounce     time.Duration `mapstructure:"debounce" toml:"-"`
	SyncInterval time.Duration `mapstructure:"sync_interval" toml:"-"`
	Log          Log           `mapstructure:"log" toml:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" toml:"-"`
}

// DefaultDataDir returns $XDG_DATA_HOME/linkhive, falling back to
// ~/.local/share/linkhive.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "linkhive")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".linkhive"
	}
	return filepath.Join(home, ".local", "share", "linkhive")
}

// ConfigDir returns $XDG_CONFIG_HOME/linkhive, or "" if it cannot be
// determined.
func ConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "linkhive")
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		DataDir:      DefaultDataDir(),
		Listen:       ":7420",
		Watch:        true,
		Debounce:     250 * time.Millisecond,
		SyncInterval: 5 * time.Minute,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// New returns a viper instance with defaults, env binding and the search
// path set up. Flags bound later with BindFlags take precedence.
func New() *viper.Viper {
	d := Defaults()
	v := viper.New()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("device_id", "")
	v.SetDefault("listen", d.Listen)
	v.SetDefault("peers", []string{})
	v.SetDefault("watch", d.Watch)
	v.SetDefault("debounce", d.Debounce)
	v.SetDefault("sync_interval", d.SyncInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds the named flags to their config keys. Flag names use
// dashes where keys use underscores (--data-dir -> data_dir).
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		key := strings.ReplaceAll(name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads config.toml and resolves the configuration. An explicit path
// must exist; otherwise the data directory and then the config directory
// are searched and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(v.GetString("data_dir"))
		if dir := ConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

// file is the on-disk shape written by WriteDefault. Durations are kept as
// strings so the file stays readable.
type file struct {
	DataDir      string   `toml:"data_dir"`
	Listen       string   `toml:"listen"`
	Peers        []string `toml:"peers"`
	Watch        bool     `toml:"watch"`
	Debounce     string   `toml:"debounce"`
	SyncInterval string   `toml:"sync_interval"`
	Log          Log      `toml:"log"`
}

// WriteDefault writes cfg to path as TOML. An existing file is only
// replaced when force is set.
func WriteDefault(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	peers := cfg.Peers
	if peers == nil {
		peers = []string{}
	}
	enc := toml.NewEncoder(f)
	if err := enc.Encode(file{
		DataDir:      cfg.DataDir,
		Listen:       cfg.Listen,
		Peers:        peers,
		Watch:        cfg.Watch,
		Debounce:     cfg.Debounce.String(),
		SyncInterval: cfg.SyncInterval.String(),
		Log:          cfg.Log,
	}); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
