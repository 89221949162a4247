package voicegateway

import (
	"net"

	"github.com/pkg/errors"

	"github.com/diamondburned/magma/discord"
)

// ReadyEvent is op 2.
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-ready-payload
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`

	// From Discord's API Docs:
	//
	// `heartbeat_interval` here is an erroneous field and should be ignored.
	// The correct `heartbeat_interval` value comes from the Hello payload.
}

func (*ReadyEvent) Op() OpCode { return ReadyOp }

// Addr returns the UDP address of the voice server.
func (r *ReadyEvent) Addr() (*net.UDPAddr, error) {
	ip := net.ParseIP(r.IP)
	if ip == nil {
		return nil, errors.Errorf("invalid voice server IP %q", r.IP)
	}
	if r.Port <= 0 || r.Port > 0xFFFF {
		return nil, errors.Errorf("invalid voice server port %d", r.Port)
	}
	return &net.UDPAddr{IP: ip, Port: r.Port}, nil
}

// SessionDescriptionEvent is op 4.
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-session-description-payload
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

func (*SessionDescriptionEvent) Op() OpCode { return SessionDescriptionOp }

// SpeakingEvent is op 5 as sent by the server about other users.
type SpeakingEvent struct {
	UserID   discord.UserID `json:"user_id"`
	SSRC     uint32         `json:"ssrc"`
	Speaking SpeakingFlag   `json:"speaking"`
}

func (*SpeakingEvent) Op() OpCode { return SpeakingOp }

// HeartbeatAckEvent is op 6. It echoes the heartbeat nonce.
type HeartbeatAckEvent uint64

func (*HeartbeatAckEvent) Op() OpCode { return HeartbeatAckOp }

// HelloEvent is op 8.
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-hello-payload-since-v3
type HelloEvent struct {
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

func (*HelloEvent) Op() OpCode { return HelloOp }

// ResumedEvent is op 9.
type ResumedEvent struct{}

func (*ResumedEvent) Op() OpCode { return ResumedOp }

// ClientConnectEvent is op 12 (undocumented).
type ClientConnectEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
}

func (*ClientConnectEvent) Op() OpCode { return ClientConnectOp }

// ClientDisconnectEvent is op 13. Undocumented, existence mentioned in below
// issue.
// https://github.com/discord/discord-api-docs/issues/510
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}

func (*ClientDisconnectEvent) Op() OpCode { return ClientDisconnectOp }
