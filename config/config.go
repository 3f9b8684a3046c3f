// Package config loads the sync client's settings: built-in defaults, then
// an optional YAML file, then CANVAS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"canvas-sync/presence"
	"canvas-sync/recovery"
	"canvas-sync/transport"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "CANVAS_"

type (
	Config struct {
		Server   string `yaml:"server" validate:"required,url"`
		Token    string `yaml:"token"`
		LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`

		Transport TransportConfig `yaml:"transport"`
		Reconnect ReconnectConfig `yaml:"reconnect"`
		Presence  PresenceConfig  `yaml:"presence"`
	}

	TransportConfig struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
		DeadAfter         time.Duration `yaml:"dead_after" validate:"gte=0"`
		WriteTimeout      time.Duration `yaml:"write_timeout" validate:"gt=0"`
		HandshakeTimeout  time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
	}

	ReconnectConfig struct {
		BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
		MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
		MaxAttempts int           `yaml:"max_attempts" validate:"gt=0"`
	}

	PresenceConfig struct {
		Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
		CursorInterval time.Duration `yaml:"cursor_interval" validate:"gte=0"`
	}
)

var validate = validator.New()

func Default() Config {
	return Config{
		Server:   "http://localhost:3002",
		LogLevel: "info",
		Transport: TransportConfig{
			HeartbeatInterval: transport.DefaultHeartbeatInterval,
			WriteTimeout:      transport.DefaultWriteTimeout,
			HandshakeTimeout:  transport.DefaultHandshakeTimeout,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   recovery.DefaultBaseDelay,
			MaxDelay:    recovery.DefaultMaxDelay,
			MaxAttempts: recovery.DefaultMaxAttempts,
		},
		Presence: PresenceConfig{
			Timeout:        presence.DefaultTimeout,
			CursorInterval: presence.DefaultCursorInterval,
		},
	}
}

// Load reads path when it is not empty. A missing file is an error; an
// empty path means defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("SERVER", &c.Server)
	str("TOKEN", &c.Token)
	str("LOG_LEVEL", &c.LogLevel)
	dur("HEARTBEAT_INTERVAL", &c.Transport.HeartbeatInterval)
	dur("DEAD_AFTER", &c.Transport.DeadAfter)
	dur("WRITE_TIMEOUT", &c.Transport.WriteTimeout)
	dur("HANDSHAKE_TIMEOUT", &c.Transport.HandshakeTimeout)
	dur("RECONNECT_BASE_DELAY", &c.Reconnect.BaseDelay)
	dur("RECONNECT_MAX_DELAY", &c.Reconnect.MaxDelay)
	num("RECONNECT_MAX_ATTEMPTS", &c.Reconnect.MaxAttempts)
	dur("PRESENCE_TIMEOUT", &c.Presence.Timeout)
	dur("CURSOR_INTERVAL", &c.Presence.CursorInterval)

	return errors.Join(errs...)
}

func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c *Config) RecoveryConfig() recovery.Config {
	return recovery.Config{
		Transport: transport.Config{
			BaseURL:           c.Server,
			HeartbeatInterval: c.Transport.HeartbeatInterval,
			DeadAfter:         c.Transport.DeadAfter,
			WriteTimeout:      c.Transport.WriteTimeout,
			HandshakeTimeout:  c.Transport.HandshakeTimeout,
		},
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

func (c *Config) PresenceOptions() []presence.Option {
	return []presence.Option{
		presence.WithTimeout(c.Presence.Timeout),
		presence.WithCursorInterval(c.Presence.CursorInterval),
	}
}
