package voice

import (
	"github.com/diamondburned/magma/voice/udp"
)

// Event is a control event submitted to a Registry.
type Event interface {
	member() Member
}

// VoiceServerUpdate opens or replaces the member's voice gateway session.
type VoiceServerUpdate struct {
	Member
	ServerUpdate
}

// SetAudioSource replaces the member's audio source. A nil Source stops
// sending.
type SetAudioSource struct {
	Member
	Source udp.AudioSource
}

// SetSpeakingModes replaces the modes the member speaks with. An empty list
// resets them to DefaultSpeakingModes.
type SetSpeakingModes struct {
	Member
	Modes []SpeakingMode
}

// CloseConnection closes the member's connection. It is a no-op if there is
// none.
type CloseConnection struct {
	Member
}

// Shutdown closes every connection and the Registry itself.
type Shutdown struct{}

func (ev VoiceServerUpdate) member() Member { return ev.Member }
func (ev SetAudioSource) member() Member    { return ev.Member }
func (ev SetSpeakingModes) member() Member  { return ev.Member }
func (ev CloseConnection) member() Member   { return ev.Member }
func (Shutdown) member() Member             { return Member{} }

// WebSocketClosed is emitted once for every connection that closes for good.
type WebSocketClosed struct {
	Member
	CloseCode int
	Reason    string
	// ByRemote is false if the connection was closed locally, either by
	// request or because it failed to set up.
	ByRemote bool
}
