package config

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"github.com/diamondburned/magma/voice/udp"
)

func TestDefaults(t *testing.T) {
	cfg, err := process(context.Background(), envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatal("Failed to process:", err)
	}

	expect := &Config{
		LogLevel:             "info",
		DialTimeout:          10 * time.Second,
		DialInterval:         5 * time.Second,
		SendBurst:            5,
		DiscoveryAttempts:    100,
		DiscoveryReadTimeout: time.Second,
		DiscoveryPause:       100 * time.Millisecond,
		EventBuffer:          64,
	}

	if diff := cmp.Diff(expect, cfg); diff != "" {
		t.Fatal("Unexpected defaults (-want +got):", diff)
	}

	opts := cfg.VoiceOptions(nil)
	if opts.Discovery != udp.DefaultDiscoveryOpts {
		t.Fatal("Default discovery options differ:", opts.Discovery)
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := process(context.Background(), envconfig.MapLookuper(map[string]string{
		"MAGMA_LOG_LEVEL":          "debug",
		"MAGMA_DISCOVERY_ATTEMPTS": "3",
		"MAGMA_DISCOVERY_PAUSE":    "1ms",
	}))
	if err != nil {
		t.Fatal("Failed to process:", err)
	}

	if lvl, _ := cfg.Level(); lvl != zerolog.DebugLevel {
		t.Fatal("Unexpected level:", lvl)
	}
	if cfg.DiscoveryAttempts != 3 || cfg.DiscoveryPause != time.Millisecond {
		t.Fatal("Overrides not applied:", cfg.DiscoveryAttempts, cfg.DiscoveryPause)
	}
}

func TestInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"level":    {"MAGMA_LOG_LEVEL": "loud"},
		"burst":    {"MAGMA_SEND_BURST": "120"},
		"attempts": {"MAGMA_DISCOVERY_ATTEMPTS": "0"},
		"duration": {"MAGMA_DIAL_TIMEOUT": "soon"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := process(context.Background(), envconfig.MapLookuper(env)); err == nil {
				t.Fatal("Expected an error")
			}
		})
	}
}
