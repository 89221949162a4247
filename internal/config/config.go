// Package config reads the tunables of a magma process from the environment.
package config

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"github.com/diamondburned/magma/utils/ws"
	"github.com/diamondburned/magma/voice"
	"github.com/diamondburned/magma/voice/udp"
)

type Config struct {
	LogLevel string `env:"MAGMA_LOG_LEVEL, default=info"`

	DialTimeout  time.Duration `env:"MAGMA_DIAL_TIMEOUT, default=10s"`
	DialInterval time.Duration `env:"MAGMA_DIAL_INTERVAL, default=5s"`
	SendBurst    int           `env:"MAGMA_SEND_BURST, default=5"`

	DiscoveryAttempts    int           `env:"MAGMA_DISCOVERY_ATTEMPTS, default=100"`
	DiscoveryReadTimeout time.Duration `env:"MAGMA_DISCOVERY_READ_TIMEOUT, default=1s"`
	DiscoveryPause       time.Duration `env:"MAGMA_DISCOVERY_PAUSE, default=100ms"`

	EventBuffer int `env:"MAGMA_EVENT_BUFFER, default=64"`
}

func NewConfigFromEnv(ctx context.Context) (*Config, error) {
	return process(ctx, envconfig.OsLookuper())
}

func process(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, err
	}

	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	if cfg.SendBurst < 1 || cfg.SendBurst >= 120 {
		return nil, errors.Errorf("MAGMA_SEND_BURST must be within [1, 120), got %d", cfg.SendBurst)
	}
	if cfg.DiscoveryAttempts < 1 {
		return nil, errors.Errorf("MAGMA_DISCOVERY_ATTEMPTS must be positive, got %d", cfg.DiscoveryAttempts)
	}

	return &cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, errors.Wrap(err, "invalid MAGMA_LOG_LEVEL")
	}
	return lvl, nil
}

// Apply sets the package-wide websocket throttling knobs.
func (c *Config) Apply() {
	ws.SendBurst = c.SendBurst
	ws.DialInterval = c.DialInterval
}

// VoiceOptions converts the config into registry options.
func (c *Config) VoiceOptions(logger *zerolog.Logger) voice.Options {
	return voice.Options{
		Timeout: c.DialTimeout,
		Discovery: udp.DiscoveryOpts{
			Attempts:    c.DiscoveryAttempts,
			ReadTimeout: c.DiscoveryReadTimeout,
			Pause:       c.DiscoveryPause,
		},
		EventBuffer: c.EventBuffer,
		Logger:      logger,
	}
}
