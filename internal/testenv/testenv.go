// Package testenv provides the environment of integration tests that talk to
// Discord.
package testenv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"

	"github.com/diamondburned/magma/discord"
)

// PerseveranceTime bounds how long an integration test may wait on Discord.
const PerseveranceTime = 2 * time.Minute

type Env struct {
	BotToken  string `env:"BOT_TOKEN, required"`
	VoiceChID string `env:"VOICE_ID, required"`
	// AudioFile is an Ogg Opus file to play.
	AudioFile string `env:"MAGMA_TEST_OGG"`
}

var (
	globalEnv Env
	globalErr error
	once      sync.Once
)

// Must returns the environment or skips the test if it is incomplete.
func Must(t *testing.T) Env {
	e, err := GetEnv()
	if err != nil {
		t.Skip("integration test variables missing:", err)
	}
	return e
}

func GetEnv() (Env, error) {
	once.Do(getEnv)
	return globalEnv, globalErr
}

func getEnv() {
	if err := envconfig.Process(context.Background(), &globalEnv); err != nil {
		globalErr = err
		return
	}

	if _, err := discord.ParseSnowflake(globalEnv.VoiceChID); err != nil {
		globalErr = errors.Wrap(err, "invalid $VOICE_ID")
	}
}
