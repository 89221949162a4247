package voice

import (
	"github.com/diamondburned/magma/discord"
	"github.com/diamondburned/magma/voice/voicegateway"
)

// Member identifies one voice connection: a user account in a guild.
type Member struct {
	UserID  discord.UserID
	GuildID discord.GuildID
}

func (m Member) less(other Member) bool {
	if m.GuildID != other.GuildID {
		return m.GuildID < other.GuildID
	}
	return m.UserID < other.UserID
}

// ServerUpdate is the voice server information Discord hands out on the main
// gateway.
type ServerUpdate struct {
	SessionID string
	Endpoint  string
	Token     string
}

// SessionInfo is everything needed to open one voice gateway session.
type SessionInfo struct {
	Member
	ServerUpdate
}

func (s SessionInfo) state() voicegateway.State {
	return voicegateway.State{
		GuildID:   s.GuildID,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Token:     s.Token,
		Endpoint:  s.Endpoint,
	}
}

// MemberState is the phase of one member's connection.
type MemberState struct {
	Member
	Phase voicegateway.Phase
}

// SpeakingMode is one of the ways a member may be speaking.
type SpeakingMode uint8

const (
	Voice      SpeakingMode = 1
	Soundshare SpeakingMode = 2
	Priority   SpeakingMode = 4
)

// DefaultSpeakingModes is used until SetSpeakingModes says otherwise.
var DefaultSpeakingModes = []SpeakingMode{Voice}

func speakingFlag(modes []SpeakingMode) voicegateway.SpeakingFlag {
	if len(modes) == 0 {
		modes = DefaultSpeakingModes
	}

	var flag voicegateway.SpeakingFlag
	for _, mode := range modes {
		switch mode {
		case Voice:
			flag |= voicegateway.Microphone
		case Soundshare:
			flag |= voicegateway.Soundshare
		case Priority:
			flag |= voicegateway.Priority
		}
	}
	return flag
}
