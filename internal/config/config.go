package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kcounter/internal/logging"
	"github.com/danmuck/kcounter/internal/misc"
	"github.com/joeshaw/envdecode"
)

var (
	ErrInvalidDeviceName   = errors.New("config: invalid device name")
	ErrInvalidMessageLimit = errors.New("config: invalid message limit")
	ErrInvalidNetwork      = errors.New("config: invalid server network")
	ErrMissingAddress      = errors.New("config: missing server address")
	ErrInvalidTimeout      = errors.New("config: invalid read timeout")
	ErrInvalidEvents       = errors.New("config: invalid events capacity")
	ErrInvalidLogLevel     = errors.New("config: invalid log level")
)

// Config is the kcounterd runtime configuration.
type Config struct {
	Device DeviceConfig
	Server ServerConfig
	Status StatusConfig
	Log    LogConfig
	Events EventsConfig
}

type DeviceConfig struct {
	Name string
	// MessageLimit caps a rendered message in bytes, NUL included.
	MessageLimit int
}

type ServerConfig struct {
	Network     string
	Address     string
	ReadTimeout time.Duration
}

type StatusConfig struct {
	// Addr of the HTTP status surface. Empty disables it.
	Addr        string
	CorsOrigins []string
}

type LogConfig struct {
	// Level is reapplied when the config file changes. Empty leaves the
	// KCOUNTER_LOG_LEVEL setting alone.
	Level string
}

type EventsConfig struct {
	Capacity int
}

func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Name:         "kcounter",
			MessageLimit: 256,
		},
		Server: ServerConfig{
			Network:     "unix",
			Address:     "/tmp/kcounter.sock",
			ReadTimeout: 5 * time.Minute,
		},
		Status: StatusConfig{
			Addr:        "127.0.0.1:9480",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Events: EventsConfig{
			Capacity: 64,
		},
	}
}

// fileConfig is the kcounterd config.toml key mapping.
type fileConfig struct {
	Device struct {
		Name         string `toml:"name"`
		MessageLimit int    `toml:"message_limit"`
	} `toml:"device"`
	Server struct {
		Network     string `toml:"network"`
		Address     string `toml:"address"`
		ReadTimeout string `toml:"read_timeout"`
	} `toml:"server"`
	Status struct {
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
	} `toml:"status"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Events struct {
		Capacity int `toml:"capacity"`
	} `toml:"events"`
}

// envConfig holds the environment overrides applied after the file.
type envConfig struct {
	Device     string `env:"KCOUNTER_DEVICE"`
	Network    string `env:"KCOUNTER_NETWORK"`
	Address    string `env:"KCOUNTER_ADDRESS"`
	StatusAddr string `env:"KCOUNTER_STATUS_ADDR"`
}

// Load reads path over DefaultConfig, applies environment overrides, and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load kcounterd config: %w", err)
	}

	if meta.IsDefined("device", "name") {
		cfg.Device.Name = strings.TrimSpace(raw.Device.Name)
	}
	if meta.IsDefined("device", "message_limit") {
		cfg.Device.MessageLimit = raw.Device.MessageLimit
	}
	if meta.IsDefined("server", "network") {
		cfg.Server.Network = strings.TrimSpace(raw.Server.Network)
	}
	if meta.IsDefined("server", "address") {
		cfg.Server.Address = strings.TrimSpace(raw.Server.Address)
	}
	if meta.IsDefined("server", "read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Server.ReadTimeout))
		if err != nil {
			return fmt.Errorf("parse server.read_timeout: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}
	if meta.IsDefined("status", "addr") {
		cfg.Status.Addr = strings.TrimSpace(raw.Status.Addr)
	}
	if meta.IsDefined("status", "cors_origins") {
		cfg.Status.CorsOrigins = normalizeList(raw.Status.CorsOrigins)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("events", "capacity") {
		cfg.Events.Capacity = raw.Events.Capacity
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode kcounterd env: %w", err)
	}
	if v := strings.TrimSpace(env.Device); v != "" {
		cfg.Device.Name = v
	}
	if v := strings.TrimSpace(env.Network); v != "" {
		cfg.Server.Network = v
	}
	if v := strings.TrimSpace(env.Address); v != "" {
		cfg.Server.Address = v
	}
	if env.StatusAddr != "" {
		cfg.Status.Addr = strings.TrimSpace(env.StatusAddr)
	}
	return nil
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	if !misc.ValidName(c.Device.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceName, c.Device.Name)
	}
	if c.Device.MessageLimit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMessageLimit, c.Device.MessageLimit)
	}
	switch c.Server.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetwork, c.Server.Network)
	}
	if c.Server.Address == "" {
		return ErrMissingAddress
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Server.ReadTimeout)
	}
	if c.Events.Capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidEvents, c.Events.Capacity)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); c.Log.Level != "" && !ok {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
