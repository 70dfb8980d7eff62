// Package config provides YAML-based configuration loading for hc05-term.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/pflag"
    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Link holds serial link options
    Link LinkConfig `mapstructure:"link"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool `mapstructure:"enable"`
    MaxSizeMB  int  `mapstructure:"max_size_mb"`
    MaxBackups int  `mapstructure:"max_backups"`
    MaxAgeDays int  `mapstructure:"max_age_days"`
    Compress   bool `mapstructure:"compress"`
}

// LinkConfig controls how the RFCOMM link is opened.
type LinkConfig struct {
    // Backend: bluez (service resolved by UUID through bluetoothd) or socket (fixed channel)
    Backend string `mapstructure:"backend"`
    // Channel is the RFCOMM channel for the socket backend
    Channel int `mapstructure:"channel"`
    // ConnectTimeout bounds a single connect attempt
    ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
    // ReadBuffer caps the size of one received chunk
    ReadBuffer int `mapstructure:"read_buffer"`
    // Peer is the default peer, as MAC address or BlueZ object path
    Peer string `mapstructure:"peer"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        Log: LogConfig{
            Level:   "info",
            Format:  "console",
            Outputs: []string{"stderr"},
            Rotation: RotationConfig{
                MaxSizeMB:  10,
                MaxBackups: 3,
                MaxAgeDays: 7,
            },
        },
        Link: LinkConfig{
            Backend:        "bluez",
            Channel:        1,
            ConnectTimeout: 30 * time.Second,
            ReadBuffer:     1024,
        },
    }
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
    "backend":   "link.backend",
    "channel":   "link.channel",
    "timeout":   "link.connect_timeout",
    "buffer":    "link.read_buffer",
    "peer":      "link.peer",
    "log-level": "log.level",
    "log-json":  "log.format",
}

// Load reads configuration from path (if non-empty) or the default search paths,
// then applies HC05_* environment variables and any flags in fs that were set.
// Example: HC05_LINK_BACKEND=socket
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("HC05")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("link.backend", cfg.Link.Backend)
    v.SetDefault("link.channel", cfg.Link.Channel)
    v.SetDefault("link.connect_timeout", cfg.Link.ConnectTimeout)
    v.SetDefault("link.read_buffer", cfg.Link.ReadBuffer)
    v.SetDefault("link.peer", cfg.Link.Peer)

    if fs != nil {
        for name, key := range flagKeys {
            f := fs.Lookup(name)
            if f == nil || !f.Changed {
                continue
            }
            if name == "log-json" {
                if f.Value.String() == "true" {
                    v.Set(key, "json")
                }
                continue
            }
            if err := v.BindPFlag(key, f); err != nil {
                return nil, fmt.Errorf("bind flag --%s: %w", name, err)
            }
        }
    }

    if path == "" {
        if envPath := os.Getenv("HC05_CONFIG"); envPath != "" {
            path = envPath
        }
    }
    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("hc05")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".hc05"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }
    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

// Validate normalizes c and rejects values no component can work with.
func (c *Config) Validate() error {
    switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
    case "debug", "info", "warn", "warning", "error":
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
    switch c.Log.Format {
    case "":
        c.Log.Format = "console"
    case "console", "json":
    default:
        return fmt.Errorf("invalid log.format: %q", c.Log.Format)
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stderr"}
    }

    c.Link.Backend = strings.ToLower(strings.TrimSpace(c.Link.Backend))
    switch c.Link.Backend {
    case "bluez", "socket":
    default:
        return fmt.Errorf("invalid link.backend: %q (want bluez or socket)", c.Link.Backend)
    }
    if c.Link.Channel < 1 || c.Link.Channel > 30 {
        return fmt.Errorf("invalid link.channel: %d (want 1..30)", c.Link.Channel)
    }
    if c.Link.ConnectTimeout <= 0 {
        return fmt.Errorf("invalid link.connect_timeout: %s", c.Link.ConnectTimeout)
    }
    if c.Link.ReadBuffer <= 0 {
        return fmt.Errorf("invalid link.read_buffer: %d", c.Link.ReadBuffer)
    }
    c.Link.Peer = strings.TrimSpace(c.Link.Peer)
    return nil
}
