// Package config loads the TOML configuration shared by the bridge host and
// proxy commands.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/dropbox/nativebridge/errors"
	"github.com/dropbox/nativebridge/logging"
)

const (
	DefaultMaxMessageSize = 64 << 20
	DefaultNamespace      = "nativebridge"
)

type Config struct {
	Socket    SocketConfig    `toml:"socket"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type SocketConfig struct {
	// Directory the host creates its unix socket in.
	Dir string `toml:"dir"`
}

type TransportConfig struct {
	MaxMessageSize int      `toml:"max_message_size"`
	RetryInterval  Duration `toml:"retry_interval"`
}

type LogConfig struct {
	Level         string   `toml:"level"`
	Timestamp     *bool    `toml:"timestamp"`
	NoColor       bool     `toml:"no_color"`
	BufferSize    int      `toml:"buffer_size"`
	FlushInterval Duration `toml:"flush_interval"`
}

type MetricsConfig struct {
	Namespace string `toml:"namespace"`
}

// TOML string such as "5s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Reads and validates the file at path. Missing fields take defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WrapKindf(err, errors.Config, "config load failed (%s)", path)
	}
	return Parse(string(data))
}

func Parse(data string) (Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, errors.WrapKind(err, errors.Config, "config parse failed")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.NewKindf(errors.Config, "config has unknown key %q", undecoded[0].String())
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Socket.Dir == "" {
		cfg.Socket.Dir = os.TempDir()
	}
	if cfg.Transport.MaxMessageSize == 0 {
		cfg.Transport.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Transport.RetryInterval.Duration == 0 {
		cfg.Transport.RetryInterval.Duration = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Timestamp == nil {
		ts := true
		cfg.Log.Timestamp = &ts
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultNamespace
	}
}

func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Socket.Dir) == "" {
		return errors.NewKind(errors.Config, "socket.dir is required")
	}
	if cfg.Transport.MaxMessageSize < 0 {
		return errors.NewKindf(errors.Config,
			"transport.max_message_size must be positive, got %d", cfg.Transport.MaxMessageSize)
	}
	if cfg.Transport.RetryInterval.Duration < 0 {
		return errors.NewKind(errors.Config, "transport.retry_interval must not be negative")
	}
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok {
		return errors.NewKindf(errors.Config, "log.level %q is not a level", cfg.Log.Level)
	}
	if cfg.Log.BufferSize < 0 {
		return errors.NewKind(errors.Config, "log.buffer_size must not be negative")
	}
	return nil
}

// Logging options described by the [log] table.
func (lc LogConfig) Options() logging.Options {
	level, ok := logging.ParseLevel(lc.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	opts := logging.Options{
		Level:         level,
		Timestamp:     lc.Timestamp == nil || *lc.Timestamp,
		NoColor:       lc.NoColor,
		BufferSize:    lc.BufferSize,
		FlushInterval: lc.FlushInterval.Duration,
	}
	return opts
}
