package udp

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/diamondburned/magma/voice/rtp"
)

// FrameDuration is the length of one Opus frame and the send interval.
const FrameDuration = 20 * time.Millisecond

// SilenceFrames is the number of Silence frames sent after the audio source
// runs dry, so that the receiving Opus decoder does not interpolate.
//
// https://discord.com/developers/docs/topics/voice-connections#voice-data-interpolation
const SilenceFrames = 5

// Silence is an Opus frame of silence.
var Silence = []byte{0xF8, 0xFF, 0xFE}

// Datagram is an encrypted RTP packet and its destination.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// sendState is an immutable snapshot of a complete Readiness.
type sendState struct {
	mode   rtp.EncryptionMode
	key    [32]byte
	ssrc   uint32
	target *net.UDPAddr
	source AudioSource
}

// Cadence produces at most one datagram per frame. Tick must only be called
// from one goroutine at a time.
type Cadence struct {
	state   *atomic.Pointer[sendState]
	counter *rtp.NonceCounter

	speaking *atomic.Bool
	notify   func(speaking bool)

	seq       uint16
	timestamp uint32
	silence   int // remaining frames of the current silence tail
	buf       []byte

	log zerolog.Logger
}

// Tick returns the next datagram to send, if any. maySignalStop allows the
// cadence to flip the speaking flag off when there is nothing to send.
//
// A frame of audio resets the silence tail. Once the source stops providing
// audio, SilenceFrames frames of Silence are sent before the cadence goes
// quiet.
func (c *Cadence) Tick(maySignalStop bool) (Datagram, bool) {
	st := c.state.Load()
	if st == nil {
		c.gap(maySignalStop)
		return Datagram{}, false
	}

	payload, err := c.provide(st.source)
	if err != nil {
		c.log.Error().Err(err).Msg("audio source failed, skipping frame")
		return Datagram{}, false
	}

	switch {
	case len(payload) > 0:
		c.silence = SilenceFrames
	case c.silence > 0:
		payload = Silence
		c.silence--
	default:
		c.gap(maySignalStop)
		return Datagram{}, false
	}

	var counter uint32
	if st.mode == rtp.Lite {
		counter = c.counter.Next()
	}

	packet := rtp.Packet{
		Sequence:  c.seq,
		Timestamp: c.timestamp,
		SSRC:      st.ssrc,
		Payload:   payload,
	}

	b, err := packet.Encrypt(c.buf, st.mode, &st.key, counter)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encrypt packet")
		return Datagram{}, false
	}
	c.buf = b

	c.signal(true)

	// Both wrap around.
	c.seq++
	c.timestamp += rtp.FrameSamples

	return Datagram{Data: b, Addr: st.target}, true
}

func (c *Cadence) gap(maySignalStop bool) {
	if maySignalStop {
		c.signal(false)
	}
	c.silence = 0
}

func (c *Cadence) signal(speaking bool) {
	if c.speaking.CompareAndSwap(!speaking, speaking) && c.notify != nil {
		c.notify(speaking)
	}
}

func (c *Cadence) provide(src AudioSource) (frame []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("audio source panicked: %v", r)
		}
	}()

	if !src.CanProvide() {
		return nil, nil
	}

	return src.Provide20MsAudio(), nil
}
