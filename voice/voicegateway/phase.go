package voicegateway

// Phase is the observable state of a voice connection.
type Phase int32

const (
	// NoConnection means that no connection exists for the member at all.
	NoConnection Phase = iota
	// Connecting is the phase from dialing until the session description.
	Connecting
	// Connected means the session is established and audio may flow.
	Connected
	// Resuming means the websocket dropped and is being resumed.
	Resuming
	// Disconnected means the connection existed and is closed for good.
	Disconnected
)

func (p Phase) String() string {
	switch p {
	case NoConnection:
		return "no connection"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Resuming:
		return "resuming"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
