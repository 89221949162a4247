package udp

// AudioSource provides Opus frames to a data channel. It is polled once per
// frame from the sender goroutine, so both methods must return promptly.
type AudioSource interface {
	// CanProvide returns true if a frame is available right now.
	CanProvide() bool
	// Provide20MsAudio returns one 20ms Opus frame. A nil or empty frame is
	// treated the same as CanProvide returning false.
	Provide20MsAudio() []byte
}
