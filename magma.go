// Package magma sends audio to Discord voice channels. It implements the voice
// gateway and the UDP voice transport for any number of (user, guild) pairs at
// once, and leaves the main gateway to the caller.
//
// # Voice server updates
//
// Discord hands out a session ID in the Voice State Update and an endpoint and
// a token in the Voice Server Update of the main gateway. Pass them on through
// ProvideVoiceServerUpdate; the voice connection is opened in the background.
//
// # Audio
//
// Audio is pulled from an AudioSource every 20 milliseconds, one Opus frame at
// a time. Encoding Opus is up to the caller; see package audio/oggsource for a
// source that plays Ogg Opus files.
package magma

import (
	"context"
	"fmt"

	"github.com/diamondburned/magma/discord"
	"github.com/diamondburned/magma/voice"
	"github.com/diamondburned/magma/voice/udp"
)

// ErrShutdown is returned when opening or changing a connection after
// Shutdown.
var ErrShutdown = voice.ErrShutdown

// AudioSource provides Opus frames.
type AudioSource = udp.AudioSource

type (
	SpeakingMode    = voice.SpeakingMode
	WebSocketClosed = voice.WebSocketClosed
	MemberState     = voice.MemberState
	Options         = voice.Options
)

const (
	Voice      = voice.Voice
	Soundshare = voice.Soundshare
	Priority   = voice.Priority
)

// ValidationError is returned for arguments that are rejected before reaching
// any connection.
type ValidationError struct {
	Field  string
	Reason string
}

func (err *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
}

// Member identifies a voice connection by the raw snowflakes of the user and
// the guild.
type Member struct {
	UserID  string
	GuildID string
}

func (m Member) parse() (voice.Member, error) {
	user, err := discord.ParseUserID(m.UserID)
	if err != nil {
		return voice.Member{}, &ValidationError{"user ID", err.Error()}
	}

	guild, err := discord.ParseGuildID(m.GuildID)
	if err != nil {
		return voice.Member{}, &ValidationError{"guild ID", err.Error()}
	}

	return voice.Member{UserID: user, GuildID: guild}, nil
}

// ServerUpdate holds the voice session ID and the contents of a Voice Server
// Update.
type ServerUpdate struct {
	SessionID string
	Endpoint  string
	Token     string
}

func (u ServerUpdate) validate() error {
	switch {
	case u.SessionID == "":
		return &ValidationError{"session ID", "empty"}
	case u.Endpoint == "":
		return &ValidationError{"endpoint", "empty"}
	case u.Token == "":
		return &ValidationError{"token", "empty"}
	}
	return nil
}

// Magma is the entry point of the library. It is thread-safe.
type Magma struct {
	registry *voice.Registry
}

// New creates a Magma with no connections.
func New(opts Options) *Magma {
	return &Magma{registry: voice.NewRegistry(opts)}
}

// ProvideVoiceServerUpdate opens the member's voice connection, or replaces it
// if the update differs from the one it was opened with.
func (m *Magma) ProvideVoiceServerUpdate(ctx context.Context, member Member, update ServerUpdate) error {
	vm, err := member.parse()
	if err != nil {
		return err
	}

	if err := update.validate(); err != nil {
		return err
	}

	return m.registry.Submit(ctx, voice.VoiceServerUpdate{
		Member: vm,
		ServerUpdate: voice.ServerUpdate{
			SessionID: update.SessionID,
			Endpoint:  update.Endpoint,
			Token:     update.Token,
		},
	})
}

// SetSendHandler sets the audio source of the member's connection.
func (m *Magma) SetSendHandler(ctx context.Context, member Member, src AudioSource) error {
	if src == nil {
		return &ValidationError{"audio source", "nil"}
	}

	vm, err := member.parse()
	if err != nil {
		return err
	}

	return m.registry.Submit(ctx, voice.SetAudioSource{Member: vm, Source: src})
}

// RemoveSendHandler stops sending audio over the member's connection.
func (m *Magma) RemoveSendHandler(ctx context.Context, member Member) error {
	vm, err := member.parse()
	if err != nil {
		return err
	}

	return m.registry.Submit(ctx, voice.SetAudioSource{Member: vm})
}

// SetSpeakingMode sets the speaking modes announced while audio is sent. No
// modes means Voice only.
func (m *Magma) SetSpeakingMode(ctx context.Context, member Member, modes ...SpeakingMode) error {
	vm, err := member.parse()
	if err != nil {
		return err
	}

	for _, mode := range modes {
		switch mode {
		case Voice, Soundshare, Priority:
		default:
			return &ValidationError{"speaking mode", fmt.Sprintf("unknown mode %d", mode)}
		}
	}

	return m.registry.Submit(ctx, voice.SetSpeakingModes{Member: vm, Modes: modes})
}

// CloseConnection closes the member's connection and waits for it to go away.
func (m *Magma) CloseConnection(ctx context.Context, member Member) error {
	vm, err := member.parse()
	if err != nil {
		return err
	}

	return m.registry.Submit(ctx, voice.CloseConnection{Member: vm})
}

// Events returns the channel of close notifications. It is closed after
// Shutdown.
func (m *Magma) Events() <-chan WebSocketClosed {
	return m.registry.Events()
}

// ConnectionStates lists the phase of every open connection. Members without a
// connection are left out.
func (m *Magma) ConnectionStates() []MemberState {
	return m.registry.ConnectionStates()
}

// Shutdown closes every connection. Magma cannot be used afterwards.
func (m *Magma) Shutdown(ctx context.Context) error {
	return m.registry.Submit(ctx, voice.Shutdown{})
}
