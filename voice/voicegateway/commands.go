package voicegateway

import (
	"github.com/pkg/errors"

	"github.com/diamondburned/magma/discord"
)

var (
	// ErrMissingForIdentify is an error when we are missing information to identify.
	ErrMissingForIdentify = errors.New("missing GuildID, UserID, SessionID, or Token for identify")

	// ErrMissingForResume is an error when we are missing information to resume.
	ErrMissingForResume = errors.New("missing GuildID, SessionID, or Token for resuming")
)

// IdentifyCommand is op 0.
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-identify-payload
type IdentifyCommand struct {
	GuildID   discord.GuildID `json:"server_id"` // yes, this should be "server_id"
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

func (IdentifyCommand) Op() OpCode { return IdentifyOp }

// SelectProtocolCommand is op 1.
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-select-protocol-payload
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

func (SelectProtocolCommand) Op() OpCode { return SelectProtocolOp }

// HeartbeatCommand is op 3. Its value is a nonce that the ack echoes.
type HeartbeatCommand uint64

func (HeartbeatCommand) Op() OpCode { return HeartbeatOp }

// SpeakingFlag is a bitmask of speaking modes.
// https://discord.com/developers/docs/topics/voice-connections#speaking
type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority

	NotSpeaking SpeakingFlag = 0
)

// SpeakingCommand is op 5.
// https://discord.com/developers/docs/topics/voice-connections#speaking-example-speaking-payload
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

func (SpeakingCommand) Op() OpCode { return SpeakingOp }

// ResumeCommand is op 7.
// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resume-connection-payload
type ResumeCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

func (ResumeCommand) Op() OpCode { return ResumeOp }
