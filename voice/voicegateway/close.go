package voicegateway

import "strconv"

// CloseCode is a websocket close code sent by the voice gateway.
// https://discord.com/developers/docs/topics/opcodes-and-status-codes#voice-voice-close-event-codes
type CloseCode int

const (
	HeartbeatTimeout       CloseCode = 1000
	CloudflareLoadBalancer CloseCode = 1001
	AbnormalClosure        CloseCode = 1006
	UnknownOpcode          CloseCode = 4001
	NotAuthenticated       CloseCode = 4003
	AuthenticationFailed   CloseCode = 4004
	AlreadyAuthenticated   CloseCode = 4005
	SessionNoLongerValid   CloseCode = 4006
	SessionTimeout         CloseCode = 4009
	ServerNotFound         CloseCode = 4011
	UnknownProtocol        CloseCode = 4012
	DisconnectedClose      CloseCode = 4014
	VoiceServerCrashed     CloseCode = 4015
	UnknownEncryptionMode  CloseCode = 4016
)

// NormalClosure is the code of a connection closed by the client. Discord
// reuses it for heartbeat timeouts.
const NormalClosure = HeartbeatTimeout

type closeCodeInfo struct {
	name   string
	warn   bool
	resume bool
}

var closeCodes = map[CloseCode]closeCodeInfo{
	HeartbeatTimeout:       {"heartbeat timeout", false, true},
	CloudflareLoadBalancer: {"cloudflare load balancer", false, true},
	AbnormalClosure:        {"abnormal closure", true, true},
	UnknownOpcode:          {"unknown opcode", true, true},
	NotAuthenticated:       {"not authenticated", true, false},
	AuthenticationFailed:   {"authentication failed", true, false},
	AlreadyAuthenticated:   {"already authenticated", true, false},
	SessionNoLongerValid:   {"session no longer valid", true, false},
	SessionTimeout:         {"session timeout", true, false},
	ServerNotFound:         {"server not found", true, false},
	UnknownProtocol:        {"unknown protocol", true, false},
	DisconnectedClose:      {"disconnected", false, false},
	VoiceServerCrashed:     {"voice server crashed", false, true},
	UnknownEncryptionMode:  {"unknown encryption mode", true, false},
}

// CloseCodeOf maps a websocket close code to a CloseCode. A lost transport,
// which has no close code, is an abnormal closure.
func CloseCodeOf(code int) CloseCode {
	if code < 0 {
		return AbnormalClosure
	}
	return CloseCode(code)
}

// Known returns true if the close code is documented.
func (c CloseCode) Known() bool {
	_, ok := closeCodes[c]
	return ok
}

// ShouldWarn returns true if the close code hints at a bug on either side.
// Unknown codes warn.
func (c CloseCode) ShouldWarn() bool {
	info, ok := closeCodes[c]
	return !ok || info.warn
}

// ShouldResume returns true if the session may be resumed after this close.
// Unknown codes do not resume.
func (c CloseCode) ShouldResume() bool {
	return closeCodes[c].resume
}

func (c CloseCode) String() string {
	if info, ok := closeCodes[c]; ok {
		return strconv.Itoa(int(c)) + " " + info.name
	}
	return strconv.Itoa(int(c)) + " unknown"
}
